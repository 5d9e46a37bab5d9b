package storage

import (
	"sync"

	v1 "github.com/codefleet/codefleet/api/control/v1"
)

// Memory is an in-process Store. It is the default backing for a
// single-node control plane and the fixture for tests; durable backends
// implement the same interfaces.
type Memory struct {
	mu sync.Mutex

	sessions      map[string]*v1.Session
	runners       map[string]*v1.Runner
	versions      map[string]*v1.Version // keyed provider+"/"+version
	entries       map[string]*v1.BuildEntry
	compatResults map[string]*v1.CompatibilityResult
	rollouts      map[string]*v1.Rollout
	rolloutEvents []v1.RolloutEvent
	orgConfigs    map[string]*v1.OrgRuntimeConfig
}

var _ Store = &Memory{}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:      map[string]*v1.Session{},
		runners:       map[string]*v1.Runner{},
		versions:      map[string]*v1.Version{},
		entries:       map[string]*v1.BuildEntry{},
		compatResults: map[string]*v1.CompatibilityResult{},
		rollouts:      map[string]*v1.Rollout{},
		orgConfigs:    map[string]*v1.OrgRuntimeConfig{},
	}
}

func (m *Memory) SaveSession(s *v1.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s.DeepCopy()
	return nil
}

func (m *Memory) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) LoadSessions() ([]*v1.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.DeepCopy())
	}
	return out, nil
}

func (m *Memory) SaveRunner(r *v1.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[r.RunnerID] = r.DeepCopy()
	return nil
}

func (m *Memory) DeleteRunner(runnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runners, runnerID)
	return nil
}

func (m *Memory) LoadRunners() ([]*v1.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r.DeepCopy())
	}
	return out, nil
}

func (m *Memory) SaveVersion(v *v1.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[string(v.Provider)+"/"+v.Version] = v.DeepCopy()
	return nil
}

func (m *Memory) LoadVersions() ([]*v1.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.Version, 0, len(m.versions))
	for _, v := range m.versions {
		out = append(out, v.DeepCopy())
	}
	return out, nil
}

func (m *Memory) SaveBuildEntry(e *v1.BuildEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.BuildID] = e.DeepCopy()
	return nil
}

func (m *Memory) DeleteBuildEntry(buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, buildID)
	return nil
}

func (m *Memory) LoadBuildEntries() ([]*v1.BuildEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.BuildEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.DeepCopy())
	}
	return out, nil
}

func (m *Memory) SaveCompatResult(r *v1.CompatibilityResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.compatResults[r.ResultID] = &cp
	return nil
}

func (m *Memory) LoadCompatResults() ([]*v1.CompatibilityResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.CompatibilityResult, 0, len(m.compatResults))
	for _, r := range m.compatResults {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SaveRollout(r *v1.Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollouts[r.RolloutID] = r.DeepCopy()
	return nil
}

func (m *Memory) LoadRollouts() ([]*v1.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.Rollout, 0, len(m.rollouts))
	for _, r := range m.rollouts {
		out = append(out, r.DeepCopy())
	}
	return out, nil
}

func (m *Memory) AppendRolloutEvent(ev v1.RolloutEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloutEvents = append(m.rolloutEvents, ev)
	return nil
}

func (m *Memory) LoadRolloutEvents() ([]v1.RolloutEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]v1.RolloutEvent(nil), m.rolloutEvents...), nil
}

func (m *Memory) SaveOrgConfig(c *v1.OrgRuntimeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgConfigs[c.OrgID] = c.DeepCopy()
	return nil
}

func (m *Memory) LoadOrgConfigs() ([]*v1.OrgRuntimeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.OrgRuntimeConfig, 0, len(m.orgConfigs))
	for _, c := range m.orgConfigs {
		out = append(out, c.DeepCopy())
	}
	return out, nil
}
