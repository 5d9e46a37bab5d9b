// Package updatepipeline wires the version watcher, canary runner,
// known-good registry, rollout controller, and sweep manager into one
// automated flow: discover, verify, ship, improve. Each stage can also be
// driven manually through the sub-component APIs.
package updatepipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/pkg/fleet"
	"github.com/codefleet/codefleet/pkg/updatepipeline/canary"
	"github.com/codefleet/codefleet/pkg/updatepipeline/registry"
	"github.com/codefleet/codefleet/pkg/updatepipeline/rollout"
	"github.com/codefleet/codefleet/pkg/updatepipeline/sweep"
	"github.com/codefleet/codefleet/pkg/updatepipeline/watcher"
	"github.com/codefleet/codefleet/support/config"
	"github.com/codefleet/codefleet/support/events"
)

// EventType distinguishes pipeline-level notifications.
type EventType string

const (
	EventVersionDiscovered EventType = "version_discovered"
	EventCanaryFinished    EventType = "canary_finished"
	EventRolloutStarted    EventType = "rollout_started"
	EventSweepTriggered    EventType = "sweep_triggered"
	// EventPipelineError reports a stage failure. Stage failures never
	// stop the pipeline loops.
	EventPipelineError EventType = "pipeline_error"
)

// Event is a pipeline-level notification, suitable for operator-facing
// fan-out.
type Event struct {
	Type      EventType
	Provider  v1.ProviderID
	Version   string
	BuildID   string
	RolloutID string
	JobID     string
	Status    string
	// PassRate accompanies canary_finished.
	PassRate float64
	Err      error
	At       time.Time
}

// RepoSource lists the repositories eligible for post-update sweeps.
type RepoSource interface {
	SweepTargets() []v1.RepoTarget
}

// Pipeline owns the five update sub-components and the automation between
// them.
type Pipeline struct {
	log   logr.Logger
	clock clock.PassiveClock
	cfg   config.UpdatesConfig

	Watcher  *watcher.Watcher
	Canary   *canary.Runner
	Registry *registry.Registry
	Rollouts *rollout.Controller
	Sweeps   *sweep.Manager

	repos    RepoSource
	notifier events.Notifier[Event]

	mu     sync.Mutex
	runCtx context.Context
}

// New wires the sub-components together. repos may be nil when autoSweep
// is disabled.
func New(
	log logr.Logger,
	clk clock.PassiveClock,
	cfg config.UpdatesConfig,
	w *watcher.Watcher,
	c *canary.Runner,
	r *registry.Registry,
	ro *rollout.Controller,
	s *sweep.Manager,
	repos RepoSource,
) *Pipeline {
	p := &Pipeline{
		log:      log.WithName("pipeline"),
		clock:    clk,
		cfg:      cfg,
		Watcher:  w,
		Canary:   c,
		Registry: r,
		Rollouts: ro,
		Sweeps:   s,
		repos:    repos,
	}
	w.Subscribe(p.handleWatcherEvent)
	ro.Subscribe(p.handleRolloutEvent)
	return p
}

// Subscribe registers a handler for pipeline events.
func (p *Pipeline) Subscribe(fn events.Handler[Event]) func() {
	return p.notifier.Subscribe(fn)
}

// HandleFleetEvent feeds runner-observed versions into the watcher.
// Intended as a fleet.Manager subscription.
func (p *Pipeline) HandleFleetEvent(ev fleet.Event) {
	if ev.Type != fleet.EventVersionReported {
		return
	}
	p.Watcher.RegisterHeartbeatVersion(ev.Provider, ev.Version)
}

// lifecycleContext bounds background stages to the running pipeline.
// Before Start it falls back to the background context so manually driven
// stages still run.
func (p *Pipeline) lifecycleContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCtx != nil {
		return p.runCtx
	}
	return context.Background()
}

// Start runs the periodic loops of every sub-component until ctx is
// cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		p.Watcher.Start(ctx)
		return nil
	})
	grp.Go(func() error {
		p.Rollouts.Start(ctx)
		return nil
	})
	grp.Go(func() error {
		// Retention ages in days; an hourly check is plenty.
		wait.UntilWithContext(ctx, func(context.Context) { p.Registry.AutoDeprecate() }, time.Hour)
		return nil
	})
	return grp.Wait()
}

func (p *Pipeline) handleWatcherEvent(ev watcher.Event) {
	switch ev.Type {
	case watcher.EventCheckError:
		p.notifier.Publish(Event{
			Type: EventPipelineError, Provider: ev.Provider, Err: ev.Err, At: p.clock.Now(),
		})
	case watcher.EventVersionDiscovered:
		if err := p.Registry.RegisterVersion(&v1.Version{
			Provider:   ev.Provider,
			Version:    ev.Version,
			ReleasedAt: ev.At,
			SourceURL:  ev.SourceURL,
		}); err != nil {
			p.fail("registering discovered version", err, Event{Provider: ev.Provider, Version: ev.Version})
			return
		}
		p.notifier.Publish(Event{
			Type: EventVersionDiscovered, Provider: ev.Provider, Version: ev.Version, At: p.clock.Now(),
		})
		if p.cfg.AutoCanary {
			go p.verify(p.lifecycleContext(), ev.Provider, ev.Version)
		}
	}
}

// verify cuts a candidate build bundling the new version, runs the canary
// suites against it, and records the verdict. With autoRollout enabled a
// passing stable-threshold run starts a rollout.
func (p *Pipeline) verify(ctx context.Context, provider v1.ProviderID, version string) {
	build := p.candidateBuild(provider, version)
	entry, err := p.Registry.RegisterBuild(build)
	if err != nil {
		p.fail("registering candidate build", err, Event{Provider: provider, Version: version})
		return
	}

	result, err := p.Canary.Run(ctx, &entry.Build)
	if err != nil {
		p.fail("canary run", err, Event{Provider: provider, BuildID: entry.BuildID})
		return
	}
	p.notifier.Publish(Event{
		Type: EventCanaryFinished, Provider: provider, Version: version,
		BuildID: entry.BuildID, Status: string(result.Status),
		PassRate: result.Metrics.PassRate, At: p.clock.Now(),
	})

	compat := &v1.CompatibilityResult{
		Provider: provider,
		Status:   v1.CompatIncompatible,
		Details:  "canary " + string(result.Status),
	}
	if result.Status == v1.CanaryPassed {
		compat.Status = v1.CompatCompatible
	}
	if err := p.Registry.AddCompatibilityResult(entry.BuildID, compat); err != nil {
		p.fail("recording compatibility result", err, Event{BuildID: entry.BuildID})
		return
	}
	if result.Status != v1.CanaryPassed {
		p.log.Info("canary rejected build", "buildID", entry.BuildID, "status", result.Status)
		return
	}

	if err := p.Registry.MarkVersionCanaryPassed(provider, version); err != nil {
		p.log.Error(err, "marking version canary-passed", "provider", provider, "version", version)
	}
	if err := p.Registry.PromoteBuild(entry.BuildID); err != nil {
		p.fail("promoting build", err, Event{BuildID: entry.BuildID})
		return
	}

	if !p.cfg.AutoRollout {
		return
	}
	ro, err := p.Rollouts.InitiateRollout(&entry.Build, v1.ChannelStable, result)
	if err != nil {
		p.fail("initiating rollout", err, Event{BuildID: entry.BuildID})
		return
	}
	p.notifier.Publish(Event{
		Type: EventRolloutStarted, BuildID: entry.BuildID, RolloutID: ro.RolloutID, At: p.clock.Now(),
	})
}

// candidateBuild bundles the latest known version of every provider, with
// the newly discovered version replacing its provider's entry.
func (p *Pipeline) candidateBuild(provider v1.ProviderID, version string) *v1.Build {
	runtimes := map[v1.ProviderID]string{provider: version}
	for _, other := range v1.AllProviders {
		if other == provider {
			continue
		}
		if latest, ok := p.Watcher.LatestVersion(other); ok {
			runtimes[other] = latest
		}
	}
	return &v1.Build{
		BuildID:         uuid.NewString(),
		RunnerVersion:   "candidate",
		RuntimeVersions: runtimes,
		BuiltAt:         p.clock.Now(),
	}
}

func (p *Pipeline) handleRolloutEvent(ev v1.RolloutEvent) {
	if ev.Type != v1.RolloutEventCompleted || !p.cfg.AutoSweep {
		return
	}
	// The rollout controller publishes under its lock; hand the sweep off
	// so the trigger cannot re-enter it.
	go p.sweepAfterRollout(ev.RolloutID)
}

func (p *Pipeline) sweepAfterRollout(rolloutID string) {
	if p.repos == nil {
		return
	}
	ro, err := p.Rollouts.Get(rolloutID)
	if err != nil {
		p.fail("loading completed rollout", err, Event{RolloutID: rolloutID})
		return
	}
	entry, err := p.Registry.GetBuild(ro.TargetBuildID)
	if err != nil {
		p.fail("loading rolled-out build", err, Event{RolloutID: ro.RolloutID, BuildID: ro.TargetBuildID})
		return
	}
	job, err := p.Sweeps.TriggerPostUpdateSweep(p.lifecycleContext(), &entry.Build, p.repos.SweepTargets(), v1.SweepConfig{
		Type:      v1.SweepMaintenance,
		CreatePRs: true,
	})
	if err != nil {
		p.fail("triggering post-update sweep", err, Event{RolloutID: ro.RolloutID, BuildID: ro.TargetBuildID})
		return
	}
	p.notifier.Publish(Event{
		Type: EventSweepTriggered, BuildID: ro.TargetBuildID,
		RolloutID: ro.RolloutID, JobID: job.JobID, At: p.clock.Now(),
	})
}

func (p *Pipeline) fail(msg string, err error, base Event) {
	p.log.Error(err, msg, "provider", base.Provider, "buildID", base.BuildID, "rolloutID", base.RolloutID)
	base.Type = EventPipelineError
	base.Err = err
	base.At = p.clock.Now()
	p.notifier.Publish(base)
}
