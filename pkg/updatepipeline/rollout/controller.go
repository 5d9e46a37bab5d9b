// Package rollout stages builds out to organizations channel by channel,
// watches live health between stages, and rolls back when a build
// misbehaves in the field.
package rollout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/pkg/storage"
	"github.com/codefleet/codefleet/support/apiresponse"
	"github.com/codefleet/codefleet/support/config"
	"github.com/codefleet/codefleet/support/events"
)

// maxEventLog bounds the in-memory rollout event log.
const maxEventLog = 10000

// Metrics is the live health of a build while it rolls out.
type Metrics struct {
	SessionsStarted int
	FailureRate     float64
	DisconnectRate  float64
}

// MetricsSource reports live metrics for a rollout's target build.
// Auto-progression waits until enough sessions have run on the new build
// before trusting the rates.
type MetricsSource interface {
	RolloutMetrics(r *v1.Rollout) Metrics
}

// Controller owns active rollouts, per-org build assignments, and the
// append-only rollout event log.
type Controller struct {
	log     logr.Logger
	clock   clock.PassiveClock
	cfg     config.RolloutConfig
	store   storage.PipelineStore
	metrics MetricsSource

	notifier events.Notifier[v1.RolloutEvent]

	mu          sync.Mutex
	rollouts    map[string]*v1.Rollout
	assignments map[string]v1.OrgAssignment
	orgConfigs  map[string]*v1.OrgRuntimeConfig
	eventLog    []v1.RolloutEvent
}

// New builds a rollout controller. metrics may be nil when auto-progression
// is disabled.
func New(log logr.Logger, clk clock.PassiveClock, cfg config.RolloutConfig, store storage.PipelineStore, metrics MetricsSource) *Controller {
	return &Controller{
		log:         log.WithName("rollout"),
		clock:       clk,
		cfg:         cfg,
		store:       store,
		metrics:     metrics,
		rollouts:    map[string]*v1.Rollout{},
		assignments: map[string]v1.OrgAssignment{},
		orgConfigs:  map[string]*v1.OrgRuntimeConfig{},
	}
}

// Subscribe registers a handler for rollout events.
func (c *Controller) Subscribe(fn events.Handler[v1.RolloutEvent]) func() {
	return c.notifier.Subscribe(fn)
}

// Restore rehydrates rollouts, org configs, and the event log from the
// store.
func (c *Controller) Restore() error {
	rollouts, err := c.store.LoadRollouts()
	if err != nil {
		return err
	}
	orgConfigs, err := c.store.LoadOrgConfigs()
	if err != nil {
		return err
	}
	log, err := c.store.LoadRolloutEvents()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rollouts {
		c.rollouts[r.RolloutID] = r.DeepCopy()
	}
	for _, oc := range orgConfigs {
		c.orgConfigs[oc.OrgID] = oc.DeepCopy()
	}
	if len(log) > maxEventLog {
		log = log[len(log)-maxEventLog:]
	}
	c.eventLog = append([]v1.RolloutEvent(nil), log...)
	return nil
}

// SetOrgConfig creates or replaces an organization's runtime config.
func (c *Controller) SetOrgConfig(cfg *v1.OrgRuntimeConfig) error {
	if cfg.OrgID == "" {
		return apiresponse.Invalid(apiresponse.CodeInvalidState, "org config requires an orgId")
	}
	if !v1.IsValidChannel(cfg.Channel) {
		return apiresponse.Invalid(apiresponse.CodeInvalidState, "unknown channel %q", cfg.Channel)
	}

	c.mu.Lock()
	stored := cfg.DeepCopy()
	stored.UpdatedAt = c.clock.Now()
	c.orgConfigs[stored.OrgID] = stored
	snapshot := stored.DeepCopy()
	c.mu.Unlock()

	return c.store.SaveOrgConfig(snapshot)
}

// GetOrgConfig returns one organization's runtime config.
func (c *Controller) GetOrgConfig(orgID string) (*v1.OrgRuntimeConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.orgConfigs[orgID]
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeInvalidState, "org %s has no runtime config", orgID)
	}
	return cfg.DeepCopy(), nil
}

// ListOrgConfigs returns every org runtime config sorted by orgID.
func (c *Controller) ListOrgConfigs() []*v1.OrgRuntimeConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*v1.OrgRuntimeConfig, 0, len(c.orgConfigs))
	for _, cfg := range c.orgConfigs {
		out = append(out, cfg.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out
}

// Assignment returns the current build assignment for an org, if any.
func (c *Controller) Assignment(orgID string) (v1.OrgAssignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assignments[orgID]
	return a, ok
}

// InitiateRollout starts staging a build to a channel. Channels that
// require a canary demand a passed result whose pass rate meets the channel
// threshold; a pass rate exactly at the threshold is accepted.
func (c *Controller) InitiateRollout(build *v1.Build, channel v1.Channel, canaryResult *v1.CanaryResult) (*v1.Rollout, error) {
	chCfg, ok := v1.ChannelConfigs[channel]
	if !ok {
		return nil, apiresponse.Invalid(apiresponse.CodeInvalidState, "unknown channel %q", channel)
	}
	if chCfg.RequiresCanary {
		if canaryResult == nil || canaryResult.Status != v1.CanaryPassed {
			return nil, apiresponse.Conflict(apiresponse.CodeCanaryGateFailed,
				"channel %s requires a passed canary run", channel)
		}
		if canaryResult.Metrics.PassRate < chCfg.CanaryThreshold {
			return nil, apiresponse.Conflict(apiresponse.CodeCanaryGateFailed,
				"canary pass rate %.3f below channel threshold %.3f",
				canaryResult.Metrics.PassRate, chCfg.CanaryThreshold)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for _, r := range c.rollouts {
		if r.Channel == channel && !r.State.IsTerminal() {
			active++
		}
	}
	if active >= c.cfg.MaxConcurrentRollouts {
		return nil, apiresponse.Exhausted(apiresponse.CodeRolloutLimitExceeded,
			"channel %s already has %d active rollouts", channel, active)
	}

	now := c.clock.Now()
	rollout := &v1.Rollout{
		RolloutID:         uuid.NewString(),
		TargetBuildID:     build.BuildID,
		Channel:           channel,
		State:             v1.RolloutStateRollingOut,
		CurrentPercentage: chCfg.RolloutStages[0],
		TargetPercentage:  100,
		StartedAt:         now,
		LastUpdatedAt:     now,
	}
	if canaryResult != nil {
		rollout.CanaryResultRef = canaryResult.ResultID
	}
	c.assignOrgsLocked(rollout, rollout.CurrentPercentage)
	c.rollouts[rollout.RolloutID] = rollout

	if err := c.store.SaveRollout(rollout.DeepCopy()); err != nil {
		delete(c.rollouts, rollout.RolloutID)
		return nil, err
	}
	c.appendEventLocked(v1.RolloutEvent{
		RolloutID:  rollout.RolloutID,
		Type:       v1.RolloutEventStarted,
		Percentage: rollout.CurrentPercentage,
		At:         now,
	})
	c.log.Info("rollout started", "rolloutID", rollout.RolloutID,
		"buildID", build.BuildID, "channel", channel, "percentage", rollout.CurrentPercentage)
	return rollout.DeepCopy(), nil
}

// eligibleOrgsLocked lists the orgs a rollout may touch at the given
// percentage, sorted by orgID for deterministic assignment. Orgs requiring
// enterprise approval only join at 100%.
func (c *Controller) eligibleOrgsLocked(channel v1.Channel, percentage int) []string {
	var out []string
	for id, cfg := range c.orgConfigs {
		if cfg.Channel != channel {
			continue
		}
		if cfg.Enterprise != nil && cfg.Enterprise.ApprovalRequired && percentage < 100 {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// assignOrgsLocked extends a rollout's assignments so that
// ceil(eligible × percentage / 100) orgs point at the target build.
func (c *Controller) assignOrgsLocked(rollout *v1.Rollout, percentage int) {
	eligible := c.eligibleOrgsLocked(rollout.Channel, percentage)
	target := (len(eligible)*percentage + 99) / 100
	assigned := sets.New[string](rollout.AffectedOrgs...)
	now := c.clock.Now()

	for _, orgID := range eligible {
		if assigned.Len() >= target {
			break
		}
		if assigned.Has(orgID) {
			continue
		}
		prev := c.assignments[orgID]
		c.assignments[orgID] = v1.OrgAssignment{
			OrgID:       orgID,
			FromBuildID: prev.ToBuildID,
			ToBuildID:   rollout.TargetBuildID,
			AssignedAt:  now,
		}
		assigned.Insert(orgID)
		rollout.AffectedOrgs = append(rollout.AffectedOrgs, orgID)
	}
}

func (c *Controller) getLocked(rolloutID string) (*v1.Rollout, error) {
	r, ok := c.rollouts[rolloutID]
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeRolloutNotFound, "rollout %s not found", rolloutID)
	}
	return r, nil
}

// Get returns a snapshot of one rollout.
func (c *Controller) Get(rolloutID string) (*v1.Rollout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.getLocked(rolloutID)
	if err != nil {
		return nil, err
	}
	return r.DeepCopy(), nil
}

// List returns every rollout, newest first.
func (c *Controller) List() []*v1.Rollout {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*v1.Rollout, 0, len(c.rollouts))
	for _, r := range c.rollouts {
		out = append(out, r.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// AdvanceRollout moves a rollout to its next stage, or completes it when
// it is already at 100%.
func (c *Controller) AdvanceRollout(rolloutID string) (*v1.Rollout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.getLocked(rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State != v1.RolloutStateRollingOut {
		return nil, apiresponse.Conflict(apiresponse.CodeInvalidState,
			"rollout %s is %s; only rolling_out rollouts advance", rolloutID, r.State)
	}

	now := c.clock.Now()
	if r.CurrentPercentage >= 100 {
		r.State = v1.RolloutStateCompleted
		r.LastUpdatedAt = now
		if err := c.store.SaveRollout(r.DeepCopy()); err != nil {
			return nil, err
		}
		c.appendEventLocked(v1.RolloutEvent{
			RolloutID: rolloutID, Type: v1.RolloutEventCompleted, Percentage: 100, At: now,
		})
		c.log.Info("rollout completed", "rolloutID", rolloutID)
		return r.DeepCopy(), nil
	}

	stages := v1.ChannelConfigs[r.Channel].RolloutStages
	next := 100
	for _, s := range stages {
		if s > r.CurrentPercentage {
			next = s
			break
		}
	}
	r.CurrentPercentage = next
	r.LastUpdatedAt = now
	c.assignOrgsLocked(r, next)
	if err := c.store.SaveRollout(r.DeepCopy()); err != nil {
		return nil, err
	}
	c.appendEventLocked(v1.RolloutEvent{
		RolloutID: rolloutID, Type: v1.RolloutEventStageAdvanced, Percentage: next, At: now,
	})
	c.log.Info("rollout advanced", "rolloutID", rolloutID, "percentage", next)
	return r.DeepCopy(), nil
}

// PauseRollout suspends auto-progression for a rollout.
func (c *Controller) PauseRollout(rolloutID string) error {
	return c.toggle(rolloutID, v1.RolloutStateRollingOut, v1.RolloutStatePaused, v1.RolloutEventPaused)
}

// ResumeRollout resumes a paused rollout.
func (c *Controller) ResumeRollout(rolloutID string) error {
	return c.toggle(rolloutID, v1.RolloutStatePaused, v1.RolloutStateRollingOut, v1.RolloutEventResumed)
}

func (c *Controller) toggle(rolloutID string, from, to v1.RolloutState, evType v1.RolloutEventType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.getLocked(rolloutID)
	if err != nil {
		return err
	}
	if r.State != from {
		return apiresponse.Conflict(apiresponse.CodeInvalidState,
			"rollout %s is %s, expected %s", rolloutID, r.State, from)
	}
	now := c.clock.Now()
	r.State = to
	r.LastUpdatedAt = now
	if err := c.store.SaveRollout(r.DeepCopy()); err != nil {
		return err
	}
	c.appendEventLocked(v1.RolloutEvent{
		RolloutID: rolloutID, Type: evType, Percentage: r.CurrentPercentage, At: now,
	})
	return nil
}

// Rollback aborts a rollout from any non-terminal state, reverting every
// org it moved back to the build it came from.
func (c *Controller) Rollback(rolloutID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.getLocked(rolloutID)
	if err != nil {
		return err
	}
	if r.State.IsTerminal() {
		return apiresponse.Conflict(apiresponse.CodeInvalidState,
			"rollout %s is already %s", rolloutID, r.State)
	}

	now := c.clock.Now()
	c.appendEventLocked(v1.RolloutEvent{
		RolloutID: rolloutID, Type: v1.RolloutEventRollbackInitiated,
		Percentage: r.CurrentPercentage, Reason: reason, At: now,
	})

	for _, orgID := range r.AffectedOrgs {
		a, ok := c.assignments[orgID]
		if !ok || a.ToBuildID != r.TargetBuildID {
			// A later rollout already moved this org; leave it alone.
			continue
		}
		if a.FromBuildID == "" {
			delete(c.assignments, orgID)
			continue
		}
		c.assignments[orgID] = v1.OrgAssignment{
			OrgID:      orgID,
			ToBuildID:  a.FromBuildID,
			AssignedAt: now,
		}
	}

	r.State = v1.RolloutStateRolledBack
	r.CurrentPercentage = 0
	r.LastUpdatedAt = now
	r.Error = reason
	if err := c.store.SaveRollout(r.DeepCopy()); err != nil {
		return err
	}
	c.appendEventLocked(v1.RolloutEvent{
		RolloutID: rolloutID, Type: v1.RolloutEventRollbackCompleted, Reason: reason, At: now,
	})
	c.log.Info("rollout rolled back", "rolloutID", rolloutID, "reason", reason)
	return nil
}

// Events returns up to limit entries of the rollout event log, oldest
// first. An empty rolloutID selects all rollouts; limit <= 0 means no
// limit.
func (c *Controller) Events(rolloutID string, limit int) []v1.RolloutEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []v1.RolloutEvent
	for _, ev := range c.eventLog {
		if rolloutID == "" || ev.RolloutID == rolloutID {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// appendEventLocked appends to the capped event log, persists the entry,
// and notifies subscribers. Handlers run under the controller lock, which
// preserves log order; they must not call back into the controller.
func (c *Controller) appendEventLocked(ev v1.RolloutEvent) {
	c.eventLog = append(c.eventLog, ev)
	if len(c.eventLog) > maxEventLog {
		c.eventLog = c.eventLog[len(c.eventLog)-maxEventLog:]
	}
	if err := c.store.AppendRolloutEvent(ev); err != nil {
		c.log.Error(err, "persisting rollout event", "rolloutID", ev.RolloutID, "type", ev.Type)
	}
	c.notifier.Publish(ev)
}

// Start drives periodic auto-progression until ctx is cancelled. It is a
// no-op when autoProgress is disabled.
func (c *Controller) Start(ctx context.Context) {
	if !c.cfg.AutoProgress {
		return
	}
	interval := time.Duration(c.cfg.CheckIntervalMs) * time.Millisecond
	wait.UntilWithContext(ctx, func(context.Context) { c.CheckAndProgress() }, interval)
}

// CheckAndProgress advances or rolls back every rolling_out rollout whose
// stage delay has elapsed, based on live metrics.
func (c *Controller) CheckAndProgress() {
	if c.metrics == nil {
		return
	}
	now := c.clock.Now()

	c.mu.Lock()
	var due []*v1.Rollout
	for _, r := range c.rollouts {
		if r.State != v1.RolloutStateRollingOut {
			continue
		}
		delay := time.Duration(v1.ChannelConfigs[r.Channel].RolloutDelayHours) * time.Hour
		if now.Sub(r.LastUpdatedAt) >= delay {
			due = append(due, r.DeepCopy())
		}
	}
	c.mu.Unlock()

	thresholds := c.cfg.RollbackThresholds
	for _, r := range due {
		m := c.metrics.RolloutMetrics(r)
		if m.SessionsStarted < thresholds.MinSessionCount {
			c.log.V(1).Info("rollout waiting for session volume",
				"rolloutID", r.RolloutID, "sessionsStarted", m.SessionsStarted)
			continue
		}
		switch {
		case m.FailureRate > thresholds.MaxFailureRate:
			err := c.Rollback(r.RolloutID,
				fmt.Sprintf("failure rate %.3f exceeds threshold %.3f", m.FailureRate, thresholds.MaxFailureRate))
			if err != nil {
				c.log.Error(err, "auto-rollback failed", "rolloutID", r.RolloutID)
			}
		case m.DisconnectRate > thresholds.MaxDisconnectRate:
			err := c.Rollback(r.RolloutID,
				fmt.Sprintf("disconnect rate %.3f exceeds threshold %.3f", m.DisconnectRate, thresholds.MaxDisconnectRate))
			if err != nil {
				c.log.Error(err, "auto-rollback failed", "rolloutID", r.RolloutID)
			}
		default:
			if _, err := c.AdvanceRollout(r.RolloutID); err != nil {
				c.log.Error(err, "auto-advance failed", "rolloutID", r.RolloutID)
			}
		}
	}
}
