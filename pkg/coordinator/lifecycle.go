package coordinator

import (
	"context"
	"time"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/pkg/fleet"
	"github.com/codefleet/codefleet/support/apiresponse"

	"k8s.io/apimachinery/pkg/util/wait"
)

// tickInterval drives the watchdog and GC passes.
const tickInterval = 5 * time.Second

// Start runs the periodic watchdog and retention passes until ctx is
// cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	wait.UntilWithContext(ctx, func(context.Context) {
		c.CheckTimeouts()
		c.GC()
	}, tickInterval)
}

// transitionLocked moves a session to a new state and publishes the change.
// Terminal transitions stamp completedAt, release the runner slot, and
// disarm the watchdog. Caller holds the table mutex.
func (c *Coordinator) transitionLocked(s *v1.Session, to v1.SessionState, reason string, path v1.CompletionPath) {
	from := s.State
	now := c.clock.Now()
	s.State = to
	s.StateReason = reason

	if to.IsTerminal() {
		t := now
		s.CompletedAt = &t
		s.CompletionPath = path
		delete(c.deadlines, s.SessionID)
		if s.RunnerID != "" {
			c.placer.Release(s.RunnerID, s.SessionID)
		}
		if to == v1.SessionStateFailed {
			s.RunnerID = ""
		}
	}

	c.notifier.Publish(Event{Type: EventSessionStateChanged, Session: s.DeepCopy(),
		From: from, To: to, Reason: reason, At: now})
	if to.IsTerminal() {
		c.notifier.Publish(Event{Type: EventSessionCompleted, Session: s.DeepCopy(),
			From: from, To: to, Reason: reason, At: now})
	}
}

// Stop ends a session. The session parks in STOPPING while the runner
// shuts the work down gracefully; the terminal COMPLETED transition lands
// when the runner confirms through UpdateReportedState. A session with no
// runner assignment has nothing to wait for and completes immediately. A
// second Stop during STOPPING returns the current snapshot, while a Stop
// on an already-terminal session is a conflict.
func (c *Coordinator) Stop(sessionID, reason string) (*v1.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeSessionNotFound, "session %q not found", sessionID)
	}
	if s.State.IsTerminal() {
		return nil, apiresponse.Conflict(apiresponse.CodeSessionAlreadyStopped,
			"session %q already stopped (%s)", sessionID, s.State)
	}
	if s.State == v1.SessionStateStopping {
		return s.DeepCopy(), nil
	}

	runnerID := s.RunnerID
	c.transitionLocked(s, v1.SessionStateStopping, reason, "")
	if runnerID != "" {
		c.commands.Publish(RunnerCommand{Kind: CommandStopSession, RunnerID: runnerID,
			SessionID: sessionID, Graceful: true})
	} else {
		c.transitionLocked(s, v1.SessionStateCompleted, reason, v1.CompletionPathStopRequested)
	}

	if err := c.store.SaveSession(s); err != nil {
		c.log.Error(err, "failed to persist stopped session", "sessionID", sessionID)
	}
	c.log.Info("session stopping", "sessionID", sessionID, "reason", reason)
	return s.DeepCopy(), nil
}

// Pause suspends a RUNNING session.
func (c *Coordinator) Pause(sessionID string) (*v1.Session, error) {
	return c.humanToggle(sessionID, v1.SessionStateRunning, v1.SessionStatePausedByHuman, CommandPauseSession)
}

// Resume returns a paused session to RUNNING.
func (c *Coordinator) Resume(sessionID string) (*v1.Session, error) {
	return c.humanToggle(sessionID, v1.SessionStatePausedByHuman, v1.SessionStateRunning, CommandResumeSession)
}

func (c *Coordinator) humanToggle(sessionID string, from, to v1.SessionState, cmd CommandKind) (*v1.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeSessionNotFound, "session %q not found", sessionID)
	}
	if s.State != from {
		return nil, apiresponse.Conflict(apiresponse.CodeInvalidState,
			"session %q is %s, requires %s", sessionID, s.State, from)
	}
	c.transitionLocked(s, to, "", "")
	if s.RunnerID != "" {
		c.commands.Publish(RunnerCommand{Kind: cmd, RunnerID: s.RunnerID, SessionID: sessionID})
	}
	if err := c.store.SaveSession(s); err != nil {
		c.log.Error(err, "failed to persist session", "sessionID", sessionID)
	}
	return s.DeepCopy(), nil
}

// startupOrder ranks the runner-driven startup progression.
var startupOrder = map[v1.SessionState]int{
	v1.SessionStateCreated:            0,
	v1.SessionStatePreparingWorkspace: 1,
	v1.SessionStateStartingProvider:   2,
	v1.SessionStateRunning:            3,
}

// UpdateReportedState ingests a runner's view of a session's state.
// Unknown sessions are ignored. Runners may only move a session forward
// through the startup progression or report a terminal outcome; the
// control-plane-owned states (approval wait, human pause, stopping) are
// never runner-writable.
func (c *Coordinator) UpdateReportedState(sessionID string, reported v1.SessionState, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok || s.State.IsTerminal() {
		return
	}

	switch reported {
	case v1.SessionStateCompleted:
		// A confirmation of an earlier Stop keeps the stop-requested path.
		path := v1.CompletionPathRunnerReported
		if s.State == v1.SessionStateStopping {
			path = v1.CompletionPathStopRequested
		}
		c.transitionLocked(s, v1.SessionStateCompleted, reason, path)
	case v1.SessionStateFailed:
		c.transitionLocked(s, v1.SessionStateFailed, reason, v1.CompletionPathRunnerReported)
	case v1.SessionStateTimedOut:
		c.transitionLocked(s, v1.SessionStateTimedOut, reason, v1.CompletionPathRunnerReported)
	default:
		cur, curStartup := startupOrder[s.State]
		next, repStartup := startupOrder[reported]
		if !curStartup || !repStartup || next <= cur {
			// Stale or out-of-order report; drop it.
			return
		}
		c.transitionLocked(s, reported, reason, "")
	}

	if err := c.store.SaveSession(s); err != nil {
		c.log.Error(err, "failed to persist session", "sessionID", sessionID)
	}
}

// UpdateReportedUsage folds a usage delta into the session. Unknown
// sessions are ignored; totals never regress.
func (c *Coordinator) UpdateReportedUsage(sessionID string, delta v1.SessionUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	s.Usage.Add(delta)
	c.notifier.Publish(Event{Type: EventUsageUpdated, Session: s.DeepCopy(), At: c.clock.Now()})
}

// CheckTimeouts fires the watchdog for every session past its effective
// deadline.
func (c *Coordinator) CheckTimeouts() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for id, deadline := range c.deadlines {
		if now.Before(deadline) {
			continue
		}
		s := c.sessions[id]
		if s == nil || s.State.IsTerminal() {
			delete(c.deadlines, id)
			continue
		}
		c.log.Info("session timed out", "sessionID", id, "deadline", deadline)
		c.transitionLocked(s, v1.SessionStateTimedOut, "session deadline exceeded", v1.CompletionPathWatchdog)
		if err := c.store.SaveSession(s); err != nil {
			c.log.Error(err, "failed to persist timed out session", "sessionID", id)
		}
	}
}

// GC drops terminal sessions whose retention window has passed. Retention
// is logical: the store purge is the durable deletion.
func (c *Coordinator) GC() {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := time.Duration(c.cfg.SessionDataTTLHours) * time.Hour
	now := c.clock.Now()
	for id, s := range c.sessions {
		if !s.State.IsTerminal() || s.CompletedAt == nil {
			continue
		}
		if now.Sub(*s.CompletedAt) < ttl {
			continue
		}
		delete(c.sessions, id)
		delete(c.deadlines, id)
		if org := c.byOrg[s.OrgID]; org != nil {
			org.Delete(id)
			if org.Len() == 0 {
				delete(c.byOrg, s.OrgID)
			}
		}
		if err := c.store.DeleteSession(id); err != nil {
			c.log.Error(err, "failed to purge session", "sessionID", id)
		}
	}
}

// HandleFleetEvent reacts to fleet liveness events: sessions on a runner
// that stayed offline through the grace window fail with a stable reason.
func (c *Coordinator) HandleFleetEvent(ev fleet.Event) {
	if ev.Type != fleet.EventRunnerOfflineGrace {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ev.AssignedSessions {
		s, ok := c.sessions[id]
		if !ok || s.State.IsTerminal() {
			continue
		}
		c.log.Info("failing session on offline runner", "sessionID", id, "runnerID", ev.RunnerID)
		c.transitionLocked(s, v1.SessionStateFailed, "runner offline", v1.CompletionPathWatchdog)
		if err := c.store.SaveSession(s); err != nil {
			c.log.Error(err, "failed to persist failed session", "sessionID", id)
		}
	}
}

// ForwardTerminalInput relays validated terminal input from a realtime
// client to the session's runner.
func (c *Coordinator) ForwardTerminalInput(sessionID, data string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	var runnerID string
	if ok {
		runnerID = s.RunnerID
	}
	c.mu.Unlock()
	if runnerID == "" {
		return
	}
	c.commands.Publish(RunnerCommand{Kind: CommandTerminalInput, RunnerID: runnerID,
		SessionID: sessionID, Data: data})
}
