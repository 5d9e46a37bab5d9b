package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/yaml"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/pkg/coordinator"
	"github.com/codefleet/codefleet/pkg/fleet"
	"github.com/codefleet/codefleet/pkg/realtime"
	"github.com/codefleet/codefleet/pkg/updatepipeline"
	"github.com/codefleet/codefleet/pkg/updatepipeline/canary"
	"github.com/codefleet/codefleet/pkg/updatepipeline/rollout"
	"github.com/codefleet/codefleet/pkg/updatepipeline/sweep"
	"github.com/codefleet/codefleet/pkg/updatepipeline/watcher"
	"github.com/codefleet/codefleet/support/apiresponse"
	"github.com/codefleet/codefleet/support/metrics"
)

// canaryOrgID isolates probe sessions from tenant quotas and listings.
const canaryOrgID = "codefleet-canary"

// defaultWatcherSources lists the published distribution channel of each
// provider runtime.
func defaultWatcherSources() []watcher.Source {
	return []watcher.Source{
		{Provider: v1.ProviderCodex, Type: watcher.SourceNPM, Package: "@openai/codex"},
		{Provider: v1.ProviderClaudeCode, Type: watcher.SourceNPM, Package: "@anthropic-ai/claude-code"},
		{Provider: v1.ProviderGeminiCLI, Type: watcher.SourceNPM, Package: "@google/gemini-cli"},
		{Provider: v1.ProviderOmnara, Type: watcher.SourceGitHubReleases, Package: "omnara-ai/omnara"},
	}
}

// repoList is a static RepoSource loaded from the --sweep-repos-file flag.
type repoList []v1.RepoTarget

func (r repoList) SweepTargets() []v1.RepoTarget {
	return append([]v1.RepoTarget(nil), r...)
}

func loadRepoTargets(path string) (updatepipeline.RepoSource, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sweep repos file %s: %w", path, err)
	}
	var targets []v1.RepoTarget
	if err := yaml.Unmarshal(raw, &targets); err != nil {
		return nil, fmt.Errorf("failed to parse sweep repos file %s: %w", path, err)
	}
	return repoList(targets), nil
}

// sessionProbe exercises a canary case by running a real short-lived
// session through the coordinator on the live fleet.
type sessionProbe struct {
	coord *coordinator.Coordinator
}

func (p *sessionProbe) Run(ctx context.Context, build *v1.Build, c canary.Case) (canary.Sample, error) {
	timeout := 5
	start := time.Now()
	s, err := p.coord.Create(coordinator.CreateRequest{
		OrgID:    canaryOrgID,
		Provider: c.Provider,
		Repo:     v1.RepoRef{URL: "https://github.com/codefleet/canary-fixture"},
		Task:     fmt.Sprintf("canary %s (build %s)", c.Name, build.BuildID),
		Options:  v1.SessionOptions{TimeoutMinutes: &timeout},
	})
	if err != nil {
		// An empty or saturated fleet is a retry, not a verdict on the
		// build.
		if apiresponse.IsCode(err, apiresponse.CodeNoCapacity) {
			return canary.Sample{}, canary.Transient(err)
		}
		return canary.Sample{}, err
	}
	elapsed := float64(time.Since(start).Milliseconds())

	if _, err := p.coord.Stop(s.SessionID, "canary probe finished"); err != nil {
		return canary.Sample{}, err
	}
	return canary.Sample{SessionStartMs: elapsed, TimeToFirstOutputMs: elapsed}, nil
}

// runnerSweeper dispatches sweep work to an online runner over the
// realtime channel. Dispatch is the unit of work here; runners report
// their own per-repo outcome through the session stream.
type runnerSweeper struct {
	fleet *fleet.Manager
	hub   *realtime.Hub
}

func (s *runnerSweeper) SweepRepo(ctx context.Context, build *v1.Build, repo v1.RepoTarget, cfg v1.SweepConfig) (v1.SweepResult, error) {
	page := s.fleet.List(apiresponse.PageRequest{Page: 1, PageSize: 1}, fleet.ListFilter{Status: v1.RunnerStatusOnline})
	if len(page.Items) == 0 {
		return v1.SweepResult{}, fmt.Errorf("no online runner available for %s", repo.RepoURL)
	}
	s.hub.BroadcastRunnerEvent(page.Items[0].RunnerID, "sweepRepo", map[string]interface{}{
		"buildId": build.BuildID,
		"repo":    repo,
		"config":  cfg,
	})
	return v1.SweepResult{RepoURL: repo.RepoURL, Status: v1.SweepResultSuccess}, nil
}

// rolloutMetricsSource derives rollout health from coordinator session
// outcomes in the organizations a rollout touched. Counters accumulate
// for the lifetime of the process; rates are cumulative, which is
// conservative for rollback decisions.
type rolloutMetricsSource struct {
	mu           sync.Mutex
	started      map[string]int
	failed       map[string]int
	disconnected map[string]int
}

func (m *rolloutMetricsSource) HandleSessionEvent(ev coordinator.Event) {
	if ev.Session == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started == nil {
		m.started = map[string]int{}
		m.failed = map[string]int{}
		m.disconnected = map[string]int{}
	}
	switch ev.Type {
	case coordinator.EventSessionCreated:
		m.started[ev.Session.OrgID]++
	case coordinator.EventSessionCompleted:
		if ev.To != v1.SessionStateFailed {
			return
		}
		m.failed[ev.Session.OrgID]++
		if ev.Reason == "runner offline" {
			m.disconnected[ev.Session.OrgID]++
		}
	}
}

func (m *rolloutMetricsSource) RolloutMetrics(r *v1.Rollout) rollout.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out rollout.Metrics
	for _, org := range r.AffectedOrgs {
		out.SessionsStarted += m.started[org]
	}
	if out.SessionsStarted == 0 {
		return out
	}
	var failed, disconnected int
	for _, org := range r.AffectedOrgs {
		failed += m.failed[org]
		disconnected += m.disconnected[org]
	}
	out.FailureRate = float64(failed) / float64(out.SessionsStarted)
	out.DisconnectRate = float64(disconnected) / float64(out.SessionsStarted)
	return out
}

// wireEvents fans component notifications out to the realtime hub and the
// Prometheus collectors.
func wireEvents(
	coord *coordinator.Coordinator,
	fleetMgr *fleet.Manager,
	ro *rollout.Controller,
	sw *sweep.Manager,
	pipe *updatepipeline.Pipeline,
	hub *realtime.Hub,
	mset *metrics.Set,
	rolloutMetrics *rolloutMetricsSource,
) {
	coord.Subscribe(rolloutMetrics.HandleSessionEvent)

	coord.Subscribe(func(ev coordinator.Event) {
		switch ev.Type {
		case coordinator.EventSessionCreated:
			hub.BroadcastEvent("session_created", ev.Session)
		case coordinator.EventSessionStateChanged:
			hub.BroadcastSessionStateChange(ev.Session.SessionID, ev.From, ev.To, ev.Reason)
		case coordinator.EventSessionCompleted:
			hub.BroadcastSessionStateChange(ev.Session.SessionID, ev.From, ev.To, ev.Reason)
			mset.SessionsTotal.WithLabelValues(string(ev.Session.Provider), string(ev.To)).Inc()
		case coordinator.EventApprovalRequested:
			hub.BroadcastApprovalRequest(ev.Approval)
		case coordinator.EventApprovalResolved:
			hub.BroadcastEvent("approval_resolved", map[string]interface{}{
				"sessionId":  ev.Session.SessionID,
				"approvalId": ev.Approval.ApprovalID,
				"decision":   ev.Decision,
				"reason":     ev.Reason,
			})
		}
	})

	// Runner commands ride the same websocket runners already hold for
	// streaming; there is no second transport.
	coord.SubscribeCommands(func(cmd coordinator.RunnerCommand) {
		hub.BroadcastRunnerEvent(cmd.RunnerID, string(cmd.Kind), cmd)
	})

	fleetMgr.Subscribe(func(ev fleet.Event) {
		switch ev.Type {
		case fleet.EventRunnerRegistered, fleet.EventRunnerOnline, fleet.EventRunnerOffline,
			fleet.EventRunnerDraining, fleet.EventRunnerRemoved:
			hub.BroadcastEvent(string(ev.Type), map[string]interface{}{
				"runnerId": ev.RunnerID,
				"hostname": ev.Hostname,
			})
		}
	})

	pipe.Subscribe(func(ev updatepipeline.Event) {
		hub.BroadcastEvent(string(ev.Type), ev)
		switch ev.Type {
		case updatepipeline.EventVersionDiscovered:
			mset.VersionsDiscovered.WithLabelValues(string(ev.Provider)).Inc()
		case updatepipeline.EventCanaryFinished:
			mset.CanaryPassRate.WithLabelValues(ev.BuildID).Set(ev.PassRate)
		}
	})

	ro.Subscribe(func(ev v1.RolloutEvent) {
		hub.BroadcastEvent(string(ev.Type), ev)
	})

	sw.Subscribe(func(ev sweep.Event) {
		switch ev.Type {
		case sweep.EventRepoSwept:
			mset.SweepReposSwept.Inc()
		case sweep.EventSweepCompleted:
			mset.SweepJobsTotal.WithLabelValues(string(v1.SweepJobCompleted)).Inc()
			hub.BroadcastEvent(string(ev.Type), ev)
		case sweep.EventSweepCancelled:
			mset.SweepJobsTotal.WithLabelValues(string(v1.SweepJobCancelled)).Inc()
			hub.BroadcastEvent(string(ev.Type), ev)
		case sweep.EventSweepStarted:
			hub.BroadcastEvent(string(ev.Type), ev)
		}
	})
}

var runnerStatuses = []v1.RunnerStatus{
	v1.RunnerStatusOnline,
	v1.RunnerStatusOffline,
	v1.RunnerStatusDraining,
	v1.RunnerStatusMaintenance,
}

var rolloutStates = []v1.RolloutState{
	v1.RolloutStatePending,
	v1.RolloutStateCanaryTesting,
	v1.RolloutStateCanaryPassed,
	v1.RolloutStateCanaryFailed,
	v1.RolloutStateRollingOut,
	v1.RolloutStatePaused,
	v1.RolloutStateCompleted,
	v1.RolloutStateRolledBack,
}

// collectStats samples gauge-style state into the Prometheus collectors.
func collectStats(
	ctx context.Context,
	coord *coordinator.Coordinator,
	fleetMgr *fleet.Manager,
	ro *rollout.Controller,
	hub *realtime.Hub,
	mset *metrics.Set,
) {
	var lastDropped uint64
	wait.UntilWithContext(ctx, func(context.Context) {
		stats := hub.Stats()
		mset.ConnectedClients.Set(float64(stats.Clients))
		if d := stats.Dropped - lastDropped; d > 0 {
			mset.DroppedMessages.Add(float64(d))
			lastDropped = stats.Dropped
		}

		for org, n := range coord.ActiveSessionCounts() {
			mset.ActiveSessions.WithLabelValues(org).Set(float64(n))
		}

		counts := fleetMgr.CountsByStatus()
		for _, status := range runnerStatuses {
			mset.RunnersByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}

		for _, r := range ro.List() {
			for _, state := range rolloutStates {
				val := 0.0
				if r.State == state {
					val = 1
				}
				mset.RolloutState.WithLabelValues(r.RolloutID, string(state)).Set(val)
			}
		}
	}, 15*time.Second)
}
