// Package fleet tracks the execution hosts available to the control plane:
// registration, heartbeat-driven liveness, capacity accounting, and
// load-aware placement.
package fleet

import (
	"sort"
	"sync"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/support/apiresponse"
	"github.com/codefleet/codefleet/support/config"
	"github.com/codefleet/codefleet/support/events"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

// Manager owns the runner table. The table lock covers insertion, removal,
// and index lookups; each runner carries its own mutex for field mutation,
// so heartbeats for different runners never serialize on each other.
type Manager struct {
	log   logr.Logger
	clock clock.Clock
	cfg   config.FleetConfig

	notifier events.Notifier[Event]

	mu         sync.RWMutex
	runners    map[string]*runnerState
	byHostname map[string]string
}

type runnerState struct {
	mu       sync.Mutex
	runner   v1.Runner
	assigned sets.Set[string]

	// offlineGraceFired suppresses repeat grace events while a runner stays
	// offline.
	offlineGraceFired bool
}

// NewManager builds a fleet manager.
func NewManager(log logr.Logger, clk clock.Clock, cfg config.FleetConfig) *Manager {
	return &Manager{
		log:        log.WithName("fleet"),
		clock:      clk,
		cfg:        cfg,
		runners:    map[string]*runnerState{},
		byHostname: map[string]string{},
	}
}

// Subscribe registers a handler for fleet events.
func (m *Manager) Subscribe(h events.Handler[Event]) func() {
	return m.notifier.Subscribe(h)
}

// Register adds a runner, or refreshes it in place when the hostname is
// already known: capabilities and metadata are replaced, the runner comes
// back online, and the runnerID stays stable.
func (m *Manager) Register(hostname string, caps v1.RunnerCapabilities, metadata map[string]string) (*v1.Runner, error) {
	now := m.clock.Now()

	m.mu.Lock()
	if id, ok := m.byHostname[hostname]; ok {
		state := m.runners[id]
		m.mu.Unlock()

		state.mu.Lock()
		state.runner.Capabilities = caps
		state.runner.Metadata = metadata
		state.runner.Status = v1.RunnerStatusOnline
		state.runner.LastHeartbeatAt = now
		state.offlineGraceFired = false
		snap := m.snapshotLocked(state)
		state.mu.Unlock()

		m.notifier.Publish(Event{Type: EventRunnerRegistered, RunnerID: id, Hostname: hostname, At: now})
		return snap, nil
	}

	if len(m.runners) >= m.cfg.MaxRunners {
		m.mu.Unlock()
		return nil, apiresponse.Exhausted(apiresponse.CodeRunnerLimitExceeded,
			"runner limit %d reached", m.cfg.MaxRunners)
	}

	id := uuid.NewString()
	state := &runnerState{
		runner: v1.Runner{
			RunnerID:        id,
			Hostname:        hostname,
			Status:          v1.RunnerStatusOnline,
			Capabilities:    caps,
			Metadata:        metadata,
			RegisteredAt:    now,
			LastHeartbeatAt: now,
		},
		assigned: sets.New[string](),
	}
	m.runners[id] = state
	m.byHostname[hostname] = id
	m.mu.Unlock()

	m.log.Info("runner registered", "runnerID", id, "hostname", hostname)
	m.notifier.Publish(Event{Type: EventRunnerRegistered, RunnerID: id, Hostname: hostname, At: now})
	return state.runner.DeepCopy(), nil
}

// Heartbeat ingests a runner's periodic report. lastHeartbeatAt is stamped
// with the server clock, not the reported timestamp, to stay immune to
// runner clock drift.
func (m *Manager) Heartbeat(report v1.HeartbeatReport) error {
	state, err := m.state(report.RunnerID)
	if err != nil {
		return err
	}
	now := m.clock.Now()

	var changed []Event
	var cameOnline bool

	state.mu.Lock()
	r := &state.runner
	r.Load = report.Load
	state.assigned = sets.New(report.ActiveSessions...)
	r.Load.ActiveSessions = state.assigned.Len()
	r.LastHeartbeatAt = now

	for p, version := range report.RuntimeVersions {
		prev := r.RuntimeVersions[p]
		if prev != version {
			changed = append(changed, Event{
				Type:            EventVersionReported,
				RunnerID:        r.RunnerID,
				Hostname:        r.Hostname,
				Provider:        p,
				Version:         version,
				PreviousVersion: prev,
				At:              now,
			})
		}
	}
	if report.RuntimeVersions != nil {
		r.RuntimeVersions = report.RuntimeVersions
	}

	if r.Status == v1.RunnerStatusOffline {
		r.Status = v1.RunnerStatusOnline
		state.offlineGraceFired = false
		cameOnline = true
	}
	runnerID, hostname := r.RunnerID, r.Hostname
	state.mu.Unlock()

	if cameOnline {
		m.notifier.Publish(Event{Type: EventRunnerOnline, RunnerID: runnerID, Hostname: hostname, At: now})
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Provider < changed[j].Provider })
	for _, ev := range changed {
		m.notifier.Publish(ev)
	}
	return nil
}

// Get returns a snapshot of one runner.
func (m *Manager) Get(runnerID string) (*v1.Runner, error) {
	state, err := m.state(runnerID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return m.snapshotLocked(state), nil
}

// ListFilter narrows List output.
type ListFilter struct {
	Status   v1.RunnerStatus
	Provider v1.ProviderID
}

// List returns a page of runner snapshots ordered by hostname.
func (m *Manager) List(req apiresponse.PageRequest, filter ListFilter) apiresponse.Page[v1.Runner] {
	m.mu.RLock()
	states := make([]*runnerState, 0, len(m.runners))
	for _, s := range m.runners {
		states = append(states, s)
	}
	m.mu.RUnlock()

	out := make([]v1.Runner, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		snap := m.snapshotLocked(s)
		s.mu.Unlock()
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		if filter.Provider != "" && !snap.Capabilities.Supports(filter.Provider) {
			continue
		}
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return apiresponse.Paginate(out, req)
}

// Drain marks a runner draining; it keeps its current sessions but receives
// no new placements.
func (m *Manager) Drain(runnerID string) (*v1.Runner, error) {
	state, err := m.state(runnerID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	if state.runner.Status == v1.RunnerStatusOnline {
		state.runner.Status = v1.RunnerStatusDraining
	}
	snap := m.snapshotLocked(state)
	state.mu.Unlock()

	m.notifier.Publish(Event{Type: EventRunnerDraining, RunnerID: runnerID, Hostname: snap.Hostname, At: m.clock.Now()})
	return snap, nil
}

// Remove deletes a runner. Runners still holding sessions cannot be
// removed.
func (m *Manager) Remove(runnerID string) error {
	m.mu.Lock()
	state, ok := m.runners[runnerID]
	if !ok {
		m.mu.Unlock()
		return apiresponse.NotFound(apiresponse.CodeRunnerNotFound, "runner %q not found", runnerID)
	}
	state.mu.Lock()
	if state.assigned.Len() > 0 {
		state.mu.Unlock()
		m.mu.Unlock()
		return apiresponse.Conflict(apiresponse.CodeRunnerHasActiveSessions,
			"runner %q has %d active sessions", runnerID, state.runner.Load.ActiveSessions)
	}
	hostname := state.runner.Hostname
	state.mu.Unlock()

	delete(m.runners, runnerID)
	delete(m.byHostname, hostname)
	m.mu.Unlock()

	m.log.Info("runner removed", "runnerID", runnerID, "hostname", hostname)
	m.notifier.Publish(Event{Type: EventRunnerRemoved, RunnerID: runnerID, Hostname: hostname, At: m.clock.Now()})
	return nil
}

func (m *Manager) state(runnerID string) (*runnerState, error) {
	m.mu.RLock()
	state, ok := m.runners[runnerID]
	m.mu.RUnlock()
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeRunnerNotFound, "runner %q not found", runnerID)
	}
	return state, nil
}

// snapshotLocked copies the runner; the caller holds state.mu.
func (m *Manager) snapshotLocked(state *runnerState) *v1.Runner {
	snap := state.runner.DeepCopy()
	snap.AssignedSessions = sets.List(state.assigned)
	snap.Load.ActiveSessions = state.assigned.Len()
	return snap
}
