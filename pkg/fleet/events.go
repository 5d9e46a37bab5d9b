package fleet

import (
	"time"

	v1 "github.com/codefleet/codefleet/api/control/v1"
)

// EventType names a fleet domain event.
type EventType string

const (
	EventRunnerRegistered EventType = "runner_registered"
	EventRunnerOnline     EventType = "runner_online"
	EventRunnerOffline    EventType = "runner_offline"
	// EventRunnerOfflineGrace fires once when a runner has been offline for
	// the full grace window (2x heartbeat timeout). The session coordinator
	// fails the listed sessions on receipt.
	EventRunnerOfflineGrace EventType = "runner_offline_grace"
	EventRunnerDraining     EventType = "runner_draining"
	EventRunnerRemoved      EventType = "runner_removed"
	// EventVersionReported fires for every (provider, version) pair whose
	// value changed in a heartbeat. The update pipeline records these as
	// observed runtime versions.
	EventVersionReported EventType = "version_reported"
)

// Event is a fleet domain event. Fields beyond Type are populated where
// they apply.
type Event struct {
	Type     EventType
	RunnerID string
	Hostname string

	// Version reporting.
	Provider        v1.ProviderID
	Version         string
	PreviousVersion string

	// Offline grace.
	AssignedSessions []string

	At time.Time
}
