package v1

import "time"

// RolloutState is the lifecycle state of a staged rollout.
type RolloutState string

const (
	RolloutStatePending       RolloutState = "pending"
	RolloutStateCanaryTesting RolloutState = "canary_testing"
	RolloutStateCanaryPassed  RolloutState = "canary_passed"
	RolloutStateCanaryFailed  RolloutState = "canary_failed"
	RolloutStateRollingOut    RolloutState = "rolling_out"
	RolloutStatePaused        RolloutState = "paused"
	RolloutStateCompleted     RolloutState = "completed"
	RolloutStateRolledBack    RolloutState = "rolled_back"
)

// IsTerminal reports whether the rollout can no longer progress.
func (s RolloutState) IsTerminal() bool {
	return s == RolloutStateCompleted || s == RolloutStateRolledBack
}

// Rollout is a staged deployment of a build to the organizations on a
// channel.
type Rollout struct {
	RolloutID         string       `json:"rolloutId"`
	TargetBuildID     string       `json:"targetBuildId"`
	Channel           Channel      `json:"channel"`
	State             RolloutState `json:"state"`
	CurrentPercentage int          `json:"currentPercentage"`
	TargetPercentage  int          `json:"targetPercentage"`
	StartedAt         time.Time    `json:"startedAt"`
	LastUpdatedAt     time.Time    `json:"lastUpdatedAt"`
	AffectedOrgs      []string     `json:"affectedOrgs,omitempty"`
	CanaryResultRef   string       `json:"canaryResultRef,omitempty"`
	Error             string       `json:"error,omitempty"`
}

// DeepCopy returns a copy of the rollout with no shared references.
func (r *Rollout) DeepCopy() *Rollout {
	out := *r
	out.AffectedOrgs = append([]string(nil), r.AffectedOrgs...)
	return &out
}

// RolloutEventType names an entry in the rollout event log.
type RolloutEventType string

const (
	RolloutEventStarted           RolloutEventType = "rollout_started"
	RolloutEventStageAdvanced     RolloutEventType = "stage_advanced"
	RolloutEventCompleted         RolloutEventType = "rollout_completed"
	RolloutEventPaused            RolloutEventType = "rollout_paused"
	RolloutEventResumed           RolloutEventType = "rollout_resumed"
	RolloutEventRollbackInitiated RolloutEventType = "rollback_initiated"
	RolloutEventRollbackCompleted RolloutEventType = "rollback_completed"
)

// RolloutEvent is one entry in the append-only rollout event log.
type RolloutEvent struct {
	RolloutID  string           `json:"rolloutId"`
	Type       RolloutEventType `json:"type"`
	Percentage int              `json:"percentage"`
	Reason     string           `json:"reason,omitempty"`
	At         time.Time        `json:"at"`
}

// OrgAssignment records which build an organization was moved to by a
// rollout, and which build it came from.
type OrgAssignment struct {
	OrgID       string    `json:"orgId"`
	FromBuildID string    `json:"fromBuildId,omitempty"`
	ToBuildID   string    `json:"toBuildId"`
	AssignedAt  time.Time `json:"assignedAt"`
}

// EnterpriseConfig carries enterprise-only rollout constraints.
type EnterpriseConfig struct {
	ApprovalRequired bool `json:"approvalRequired"`
}

// OrgRuntimeConfig drives which rollouts an organization is eligible for.
type OrgRuntimeConfig struct {
	OrgID         string            `json:"orgId"`
	Channel       Channel           `json:"channel"`
	PinnedBuildID string            `json:"pinnedBuildId,omitempty"`
	BetaOptIn     bool              `json:"betaOptIn"`
	AutoUpgrade   bool              `json:"autoUpgrade"`
	Notifications bool              `json:"notifications"`
	Enterprise    *EnterpriseConfig `json:"enterprise,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	UpdatedBy     string            `json:"updatedBy,omitempty"`
}

// DeepCopy returns a copy of the config with no shared references.
func (c *OrgRuntimeConfig) DeepCopy() *OrgRuntimeConfig {
	out := *c
	if c.Enterprise != nil {
		e := *c.Enterprise
		out.Enterprise = &e
	}
	return &out
}
