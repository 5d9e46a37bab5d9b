// Package storage defines the persistence contract for control plane
// entities. Components keep their working state in memory and write
// through a Store; on restart the Load methods rehydrate that state.
// Writes must be durable before the owning operation reports success.
package storage

import (
	v1 "github.com/codefleet/codefleet/api/control/v1"
)

// SessionStore persists sessions.
type SessionStore interface {
	SaveSession(s *v1.Session) error
	DeleteSession(sessionID string) error
	LoadSessions() ([]*v1.Session, error)
}

// RunnerStore persists runners.
type RunnerStore interface {
	SaveRunner(r *v1.Runner) error
	DeleteRunner(runnerID string) error
	LoadRunners() ([]*v1.Runner, error)
}

// PipelineStore persists update pipeline entities.
type PipelineStore interface {
	SaveVersion(v *v1.Version) error
	LoadVersions() ([]*v1.Version, error)

	SaveBuildEntry(e *v1.BuildEntry) error
	DeleteBuildEntry(buildID string) error
	LoadBuildEntries() ([]*v1.BuildEntry, error)

	SaveCompatResult(r *v1.CompatibilityResult) error
	LoadCompatResults() ([]*v1.CompatibilityResult, error)

	SaveRollout(r *v1.Rollout) error
	LoadRollouts() ([]*v1.Rollout, error)

	AppendRolloutEvent(ev v1.RolloutEvent) error
	LoadRolloutEvents() ([]v1.RolloutEvent, error)

	SaveOrgConfig(c *v1.OrgRuntimeConfig) error
	LoadOrgConfigs() ([]*v1.OrgRuntimeConfig, error)
}

// Store is the full persistence contract.
type Store interface {
	SessionStore
	RunnerStore
	PipelineStore
}
