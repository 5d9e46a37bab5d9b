package fleet

import (
	v1 "github.com/codefleet/codefleet/api/control/v1"
)

// candidate is a read-only scoring view of a runner taken outside the
// table lock.
type candidate struct {
	runnerID string
	hostname string
	active   int
	max      int
}

func (c candidate) utilization() float64 {
	if c.max <= 0 {
		return 1
	}
	return float64(c.active) / float64(c.max)
}

// Select picks the least-utilized online runner that supports the provider
// and has headroom under the load factor. The choice is advisory: capacity
// is only claimed by Assign, which re-checks under the runner's lock.
func (m *Manager) Select(provider v1.ProviderID) (string, bool) {
	m.mu.RLock()
	states := make([]*runnerState, 0, len(m.runners))
	for _, s := range m.runners {
		states = append(states, s)
	}
	m.mu.RUnlock()

	var best *candidate
	for _, s := range states {
		s.mu.Lock()
		c := candidate{
			runnerID: s.runner.RunnerID,
			hostname: s.runner.Hostname,
			active:   s.assigned.Len(),
			max:      s.runner.Capabilities.MaxConcurrentSessions,
		}
		eligible := s.runner.Status == v1.RunnerStatusOnline &&
			s.runner.Capabilities.Supports(provider) &&
			float64(c.active) < float64(c.max)*m.cfg.LoadFactor
		s.mu.Unlock()

		if !eligible {
			continue
		}
		if best == nil || better(c, *best) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return "", false
	}
	return best.runnerID, true
}

// better reports whether a should be preferred over b: lower utilization
// ratio, then fewer active sessions, then lexicographic hostname.
func better(a, b candidate) bool {
	if a.utilization() != b.utilization() {
		return a.utilization() < b.utilization()
	}
	if a.active != b.active {
		return a.active < b.active
	}
	return a.hostname < b.hostname
}

// Assign claims a slot on the runner for the session. It is the
// authoritative capacity check: under the runner's lock it re-verifies the
// runner is online, supports placements, and has headroom, returning false
// on race loss. Assigning an already-assigned session is a no-op success.
func (m *Manager) Assign(runnerID, sessionID string) bool {
	state, err := m.state(runnerID)
	if err != nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.assigned.Has(sessionID) {
		return true
	}
	if state.runner.Status != v1.RunnerStatusOnline {
		return false
	}
	maxSlots := float64(state.runner.Capabilities.MaxConcurrentSessions) * m.cfg.LoadFactor
	if float64(state.assigned.Len()) >= maxSlots {
		return false
	}
	state.assigned.Insert(sessionID)
	state.runner.Load.ActiveSessions = state.assigned.Len()
	return true
}

// Release frees the session's slot on the runner. It reports whether the
// session was assigned.
func (m *Manager) Release(runnerID, sessionID string) bool {
	state, err := m.state(runnerID)
	if err != nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.assigned.Has(sessionID) {
		return false
	}
	state.assigned.Delete(sessionID)
	state.runner.Load.ActiveSessions = state.assigned.Len()
	return true
}

// CountsByStatus reports how many runners are in each status, across the
// whole table.
func (m *Manager) CountsByStatus() map[v1.RunnerStatus]int {
	m.mu.RLock()
	states := make([]*runnerState, 0, len(m.runners))
	for _, s := range m.runners {
		states = append(states, s)
	}
	m.mu.RUnlock()

	counts := map[v1.RunnerStatus]int{}
	for _, s := range states {
		s.mu.Lock()
		counts[s.runner.Status]++
		s.mu.Unlock()
	}
	return counts
}

// Capacity returns an aggregate snapshot of fleet session slots.
func (m *Manager) Capacity() v1.FleetCapacity {
	m.mu.RLock()
	states := make([]*runnerState, 0, len(m.runners))
	for _, s := range m.runners {
		states = append(states, s)
	}
	m.mu.RUnlock()

	cap := v1.FleetCapacity{ByProvider: map[v1.ProviderID]int{}}
	for _, s := range states {
		s.mu.Lock()
		if s.runner.Status == v1.RunnerStatusOnline {
			cap.OnlineCount++
			cap.TotalSlots += s.runner.Capabilities.MaxConcurrentSessions
			cap.UsedSlots += s.assigned.Len()
			free := s.runner.Capabilities.MaxConcurrentSessions - s.assigned.Len()
			for _, p := range s.runner.Capabilities.Providers {
				cap.ByProvider[p] += free
			}
		}
		s.mu.Unlock()
	}
	return cap
}
