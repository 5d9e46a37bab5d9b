// Package coordinator owns the session lifecycle state machine, approval
// gating, per-organization admission control, and runner assignment.
package coordinator

import (
	"sort"
	"sync"
	"time"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/pkg/storage"
	"github.com/codefleet/codefleet/support/apiresponse"
	"github.com/codefleet/codefleet/support/config"
	"github.com/codefleet/codefleet/support/events"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

// placementRetries bounds how many times Create retries Select after
// losing the Assign race.
const placementRetries = 3

// Placer is the slice of the fleet manager the coordinator uses for
// placement. Select is advisory; Assign is the authoritative capacity
// check.
type Placer interface {
	Select(provider v1.ProviderID) (string, bool)
	Assign(runnerID, sessionID string) bool
	Release(runnerID, sessionID string) bool
}

// Coordinator owns the sessions table. All writes are serialized by one
// table mutex; reads hand out snapshots. Event handlers run under that
// mutex to preserve per-session ordering, so they must not block and must
// not call back into the coordinator (the realtime hub enqueues per
// connection and satisfies both).
type Coordinator struct {
	log    logr.Logger
	clock  clock.PassiveClock
	cfg    config.SessionConfig
	placer Placer
	store  storage.SessionStore

	notifier events.Notifier[Event]
	commands events.Notifier[RunnerCommand]

	mu        sync.Mutex
	sessions  map[string]*v1.Session
	byOrg     map[string]sets.Set[string]
	deadlines map[string]time.Time
}

// New builds a session coordinator.
func New(log logr.Logger, clk clock.PassiveClock, cfg config.SessionConfig, placer Placer, store storage.SessionStore) *Coordinator {
	return &Coordinator{
		log:       log.WithName("coordinator"),
		clock:     clk,
		cfg:       cfg,
		placer:    placer,
		store:     store,
		sessions:  map[string]*v1.Session{},
		byOrg:     map[string]sets.Set[string]{},
		deadlines: map[string]time.Time{},
	}
}

// Subscribe registers a handler for session events.
func (c *Coordinator) Subscribe(h events.Handler[Event]) func() {
	return c.notifier.Subscribe(h)
}

// SubscribeCommands registers a handler for runner commands.
func (c *Coordinator) SubscribeCommands(h events.Handler[RunnerCommand]) func() {
	return c.commands.Subscribe(h)
}

// CreateRequest carries the inputs to Create.
type CreateRequest struct {
	OrgID    string
	Provider v1.ProviderID
	Repo     v1.RepoRef
	Task     string
	Options  v1.SessionOptions
}

// Create admits a new session: org limit first, then placement with a
// bounded Select/Assign retry, then a durable write, then events.
func (c *Coordinator) Create(req CreateRequest) (*v1.Session, error) {
	if !v1.IsValidProvider(req.Provider) {
		return nil, apiresponse.Invalid(apiresponse.CodeInvalidProvider, "unknown provider %q", req.Provider)
	}
	now := c.clock.Now()

	c.mu.Lock()
	active := 0
	for id := range c.byOrg[req.OrgID] {
		if s := c.sessions[id]; s != nil && !s.State.IsTerminal() {
			active++
		}
	}
	if active >= c.cfg.MaxSessionsPerOrg {
		c.mu.Unlock()
		return nil, apiresponse.Exhausted(apiresponse.CodeSessionLimitExceeded,
			"org %q already has %d active sessions (limit %d)", req.OrgID, active, c.cfg.MaxSessionsPerOrg)
	}

	session := &v1.Session{
		SessionID: uuid.NewString(),
		OrgID:     req.OrgID,
		Provider:  req.Provider,
		Repo:      req.Repo,
		Task:      req.Task,
		Options:   req.Options,
		State:     v1.SessionStateCreated,
		StartedAt: now,
	}

	runnerID, err := c.place(session.SessionID, req.Provider)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	session.RunnerID = runnerID

	c.sessions[session.SessionID] = session
	if c.byOrg[req.OrgID] == nil {
		c.byOrg[req.OrgID] = sets.New[string]()
	}
	c.byOrg[req.OrgID].Insert(session.SessionID)
	c.deadlines[session.SessionID] = now.Add(c.effectiveTimeout(session))

	if err := c.store.SaveSession(session); err != nil {
		// Undo the reservation; creation must not half-succeed.
		delete(c.sessions, session.SessionID)
		c.byOrg[req.OrgID].Delete(session.SessionID)
		delete(c.deadlines, session.SessionID)
		c.placer.Release(runnerID, session.SessionID)
		c.mu.Unlock()
		return nil, apiresponse.NewError(apiresponse.KindInternal, apiresponse.CodeInternal,
			"failed to persist session: %v", err)
	}

	snap := session.DeepCopy()
	c.log.Info("session created", "sessionID", session.SessionID, "orgID", req.OrgID,
		"provider", req.Provider, "runnerID", runnerID)
	c.notifier.Publish(Event{Type: EventSessionCreated, Session: snap, To: session.State, At: now})
	c.commands.Publish(RunnerCommand{Kind: CommandStartSession, RunnerID: runnerID,
		SessionID: session.SessionID, Session: snap})
	c.mu.Unlock()

	return snap, nil
}

// place runs the advisory-select / authoritative-assign loop. The caller
// holds the table mutex; fleet calls are in-memory and do not block.
func (c *Coordinator) place(sessionID string, provider v1.ProviderID) (string, error) {
	for attempt := 0; attempt < placementRetries; attempt++ {
		runnerID, ok := c.placer.Select(provider)
		if !ok {
			break
		}
		if c.placer.Assign(runnerID, sessionID) {
			return runnerID, nil
		}
		// Lost the race to a concurrent Assign; rescore.
	}
	return "", apiresponse.Exhausted(apiresponse.CodeNoCapacity,
		"no runner capacity for provider %q", provider)
}

func (c *Coordinator) effectiveTimeout(s *v1.Session) time.Duration {
	minutes := c.cfg.DefaultTimeoutMinutes
	if s.Options.TimeoutMinutes != nil {
		minutes = *s.Options.TimeoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Get returns a session snapshot.
func (c *Coordinator) Get(sessionID string) (*v1.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeSessionNotFound, "session %q not found", sessionID)
	}
	return s.DeepCopy(), nil
}

// ListFilter narrows List output.
type ListFilter struct {
	State    v1.SessionState
	Provider v1.ProviderID
}

// List returns a page of session summaries for an org, newest first.
func (c *Coordinator) List(orgID string, req apiresponse.PageRequest, filter ListFilter) apiresponse.Page[v1.SessionSummary] {
	c.mu.Lock()
	summaries := make([]v1.SessionSummary, 0, len(c.byOrg[orgID]))
	for id := range c.byOrg[orgID] {
		s := c.sessions[id]
		if s == nil {
			continue
		}
		if filter.State != "" && s.State != filter.State {
			continue
		}
		if filter.Provider != "" && s.Provider != filter.Provider {
			continue
		}
		summaries = append(summaries, v1.SessionSummary{
			SessionID:   s.SessionID,
			OrgID:       s.OrgID,
			Provider:    s.Provider,
			RepoURL:     s.Repo.URL,
			State:       s.State,
			RunnerID:    s.RunnerID,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	c.mu.Unlock()

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].StartedAt.After(summaries[j].StartedAt)
		}
		return summaries[i].SessionID < summaries[j].SessionID
	})
	return apiresponse.Paginate(summaries, req)
}

// ActiveSessionCounts returns the number of non-terminal sessions per org.
func (c *Coordinator) ActiveSessionCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]int{}
	for _, s := range c.sessions {
		if !s.State.IsTerminal() {
			out[s.OrgID]++
		}
	}
	return out
}
