// Package metrics exposes the control plane's Prometheus collectors.
// Components update the collectors through the Set type; registration
// happens once at assembly time against an injected Registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set holds every collector the control plane exports.
type Set struct {
	ActiveSessions     *prometheus.GaugeVec
	SessionsTotal      *prometheus.CounterVec
	PlacementRetries   prometheus.Counter
	RunnersByStatus    *prometheus.GaugeVec
	ConnectedClients   prometheus.Gauge
	DroppedMessages    prometheus.Counter
	RolloutState       *prometheus.GaugeVec
	CanaryPassRate     *prometheus.GaugeVec
	SweepJobsTotal     *prometheus.CounterVec
	SweepReposSwept    prometheus.Counter
	VersionsDiscovered *prometheus.CounterVec
}

// NewSet builds the collector set and registers it on reg.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codefleet_active_sessions",
			Help: "Active (non-terminal) sessions per organization.",
		}, []string{"org"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codefleet_sessions_total",
			Help: "Sessions created, labeled by provider and final state.",
		}, []string{"provider", "state"}),
		PlacementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codefleet_placement_retries_total",
			Help: "Times a session placement lost the assign race and retried.",
		}),
		RunnersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codefleet_runners",
			Help: "Registered runners by status.",
		}, []string{"status"}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codefleet_realtime_clients",
			Help: "Currently connected realtime clients.",
		}),
		DroppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codefleet_realtime_dropped_messages_total",
			Help: "Messages dropped for slow realtime clients.",
		}),
		RolloutState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codefleet_rollout_state",
			Help: "Active rollout state (1 for the current state).",
		}, []string{"rollout", "state"}),
		CanaryPassRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "codefleet_canary_pass_rate",
			Help: "Pass rate of the most recent canary run per build.",
		}, []string{"build"}),
		SweepJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codefleet_sweep_jobs_total",
			Help: "Sweep jobs by final state.",
		}, []string{"state"}),
		SweepReposSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codefleet_sweep_repos_total",
			Help: "Repositories processed by sweep jobs.",
		}),
		VersionsDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codefleet_versions_discovered_total",
			Help: "Upstream versions discovered per provider.",
		}, []string{"provider"}),
	}
	reg.MustRegister(
		s.ActiveSessions,
		s.SessionsTotal,
		s.PlacementRetries,
		s.RunnersByStatus,
		s.ConnectedClients,
		s.DroppedMessages,
		s.RolloutState,
		s.CanaryPassRate,
		s.SweepJobsTotal,
		s.SweepReposSwept,
		s.VersionsDiscovered,
	)
	return s
}
