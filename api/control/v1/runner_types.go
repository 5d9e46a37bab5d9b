package v1

import "time"

// RunnerStatus is the liveness/availability status of an execution host.
type RunnerStatus string

const (
	RunnerStatusOnline      RunnerStatus = "online"
	RunnerStatusOffline     RunnerStatus = "offline"
	RunnerStatusDraining    RunnerStatus = "draining"
	RunnerStatusMaintenance RunnerStatus = "maintenance"
)

// RunnerCapabilities describes what a runner can execute.
type RunnerCapabilities struct {
	Providers             []ProviderID `json:"providers"`
	MaxConcurrentSessions int          `json:"maxConcurrentSessions"`
	Features              []string     `json:"features,omitempty"`
}

// Supports reports whether the runner can host sessions for provider p.
func (c *RunnerCapabilities) Supports(p ProviderID) bool {
	for _, have := range c.Providers {
		if have == p {
			return true
		}
	}
	return false
}

// RunnerLoad is the most recent load report from a runner.
type RunnerLoad struct {
	ActiveSessions int     `json:"activeSessions"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemPercent     float64 `json:"memPercent"`
	DiskPercent    float64 `json:"diskPercent"`
}

// Runner is an execution host registered with the control plane.
type Runner struct {
	RunnerID        string                `json:"runnerId"`
	Hostname        string                `json:"hostname"`
	Status          RunnerStatus          `json:"status"`
	Capabilities    RunnerCapabilities    `json:"capabilities"`
	Load            RunnerLoad            `json:"load"`
	RuntimeVersions map[ProviderID]string `json:"runtimeVersions,omitempty"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
	RegisteredAt    time.Time             `json:"registeredAt"`
	LastHeartbeatAt time.Time             `json:"lastHeartbeatAt"`

	// AssignedSessions is the authoritative set of sessions placed on this
	// runner. Invariant: Load.ActiveSessions == len(AssignedSessions).
	AssignedSessions []string `json:"assignedSessions,omitempty"`
}

// DeepCopy returns a snapshot of the runner safe to hand across component
// boundaries.
func (r *Runner) DeepCopy() *Runner {
	out := *r
	out.Capabilities.Providers = append([]ProviderID(nil), r.Capabilities.Providers...)
	out.Capabilities.Features = append([]string(nil), r.Capabilities.Features...)
	out.AssignedSessions = append([]string(nil), r.AssignedSessions...)
	if r.RuntimeVersions != nil {
		out.RuntimeVersions = make(map[ProviderID]string, len(r.RuntimeVersions))
		for k, v := range r.RuntimeVersions {
			out.RuntimeVersions[k] = v
		}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// HeartbeatReport is the payload a runner sends on each heartbeat.
type HeartbeatReport struct {
	RunnerID        string                `json:"runnerId"`
	Timestamp       time.Time             `json:"timestamp"`
	Load            RunnerLoad            `json:"load"`
	ActiveSessions  []string              `json:"activeSessions,omitempty"`
	RuntimeVersions map[ProviderID]string `json:"runtimeVersions,omitempty"`
}

// FleetCapacity is an aggregate snapshot of the fleet's session slots.
type FleetCapacity struct {
	TotalSlots  int                `json:"totalSlots"`
	UsedSlots   int                `json:"usedSlots"`
	ByProvider  map[ProviderID]int `json:"byProvider,omitempty"`
	OnlineCount int                `json:"onlineCount"`
}
