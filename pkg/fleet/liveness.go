package fleet

import (
	"context"
	"time"

	v1 "github.com/codefleet/codefleet/api/control/v1"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Start runs the periodic liveness check until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := time.Duration(m.cfg.HealthCheckIntervalMs) * time.Millisecond
	wait.UntilWithContext(ctx, func(context.Context) { m.CheckLiveness() }, interval)
}

// CheckLiveness runs one liveness pass: runners whose last heartbeat is
// older than the heartbeat timeout go offline, and runners offline past the
// grace window (2x heartbeat timeout) fire a one-shot grace event carrying
// their assigned sessions so the coordinator can fail them. Offline runners
// are never removed here; they keep their assigned set.
func (m *Manager) CheckLiveness() {
	now := m.clock.Now()
	timeout := time.Duration(m.cfg.HeartbeatTimeoutMs) * time.Millisecond
	grace := 2 * timeout

	m.mu.RLock()
	states := make([]*runnerState, 0, len(m.runners))
	for _, s := range m.runners {
		states = append(states, s)
	}
	m.mu.RUnlock()

	var toPublish []Event
	for _, s := range states {
		s.mu.Lock()
		age := now.Sub(s.runner.LastHeartbeatAt)
		switch {
		case s.runner.Status != v1.RunnerStatusOffline && age > timeout:
			s.runner.Status = v1.RunnerStatusOffline
			toPublish = append(toPublish, Event{
				Type:     EventRunnerOffline,
				RunnerID: s.runner.RunnerID,
				Hostname: s.runner.Hostname,
				At:       now,
			})
			m.log.Info("runner offline", "runnerID", s.runner.RunnerID, "hostname", s.runner.Hostname,
				"heartbeatAge", age.String())

		case s.runner.Status == v1.RunnerStatusOffline && !s.offlineGraceFired && age > grace:
			s.offlineGraceFired = true
			toPublish = append(toPublish, Event{
				Type:             EventRunnerOfflineGrace,
				RunnerID:         s.runner.RunnerID,
				Hostname:         s.runner.Hostname,
				AssignedSessions: sets.List(s.assigned),
				At:               now,
			})
		}
		s.mu.Unlock()
	}

	for _, ev := range toPublish {
		m.notifier.Publish(ev)
	}
}
