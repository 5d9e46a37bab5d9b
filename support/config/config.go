// Package config defines the control plane configuration surface and its
// defaults. Configuration is loaded from a single YAML document; every
// field left zero takes its default.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config is the root configuration document.
type Config struct {
	Sessions SessionConfig  `json:"sessions"`
	Fleet    FleetConfig    `json:"fleet"`
	Updates  UpdatesConfig  `json:"updates"`
	Realtime RealtimeConfig `json:"realtime"`
}

// SessionConfig tunes the session coordinator.
type SessionConfig struct {
	// MaxSessionsPerOrg is the admission ceiling on non-terminal sessions
	// per organization.
	MaxSessionsPerOrg int `json:"maxSessionsPerOrg"`
	// DefaultTimeoutMinutes bounds a session when Create supplies no
	// override.
	DefaultTimeoutMinutes int `json:"defaultTimeoutMinutes"`
	// SessionDataTTLHours is retention after completion.
	SessionDataTTLHours int `json:"sessionDataTtlHours"`
}

// FleetConfig tunes the fleet manager.
type FleetConfig struct {
	HeartbeatTimeoutMs    int `json:"heartbeatTimeoutMs"`
	HealthCheckIntervalMs int `json:"healthCheckIntervalMs"`
	MaxRunners            int `json:"maxRunners"`
	// LoadFactor in (0,1] scales each runner's usable concurrency during
	// placement.
	LoadFactor float64 `json:"loadFactor"`
}

// UpdatesConfig tunes the update pipeline.
type UpdatesConfig struct {
	AutoCanary  bool `json:"autoCanary"`
	AutoRollout bool `json:"autoRollout"`
	AutoSweep   bool `json:"autoSweep"`

	Watcher  WatcherConfig  `json:"watcher"`
	Canary   CanaryConfig   `json:"canary"`
	Registry RegistryConfig `json:"registry"`
	Rollout  RolloutConfig  `json:"rollout"`
	Sweep    SweepConfig    `json:"sweep"`
}

// WatcherConfig tunes the upstream version watcher.
type WatcherConfig struct {
	DefaultCheckIntervalMs int `json:"defaultCheckIntervalMs"`
	HTTPTimeoutMs          int `json:"httpTimeoutMs"`
}

// CanaryConfig tunes the canary runner.
type CanaryConfig struct {
	MaxConcurrency    int  `json:"maxConcurrency"`
	DefaultTimeoutMs  int  `json:"defaultTimeoutMs"`
	RetryCount        int  `json:"retryCount"`
	ContinueOnFailure bool `json:"continueOnFailure"`
}

// RegistryConfig tunes known-good registry retention.
type RegistryConfig struct {
	MaxVersionsPerProvider int `json:"maxVersionsPerProvider"`
	MaxBuilds              int `json:"maxBuilds"`
	AutoDeprecateDays      int `json:"autoDeprecateDays"`
}

// RollbackThresholds gate automatic rollout progression.
type RollbackThresholds struct {
	MaxFailureRate    float64 `json:"maxFailureRate"`
	MaxDisconnectRate float64 `json:"maxDisconnectRate"`
	MinSessionCount   int     `json:"minSessionCount"`
}

// RolloutConfig tunes the rollout controller.
type RolloutConfig struct {
	MaxConcurrentRollouts int                `json:"maxConcurrentRollouts"`
	CheckIntervalMs       int                `json:"checkIntervalMs"`
	AutoProgress          bool               `json:"autoProgress"`
	RollbackThresholds    RollbackThresholds `json:"rollbackThresholds"`
}

// SweepConfig tunes the sweep manager.
type SweepConfig struct {
	Enabled             bool `json:"enabled"`
	MaxConcurrentSweeps int  `json:"maxConcurrentSweeps"`
	DefaultRateLimit    int  `json:"defaultRateLimit"`
	DefaultMaxRepos     int  `json:"defaultMaxReposPerRun"`
}

// RealtimeConfig tunes the realtime hub.
type RealtimeConfig struct {
	PingIntervalMs        int `json:"pingIntervalMs"`
	ConnectionTimeoutMs   int `json:"connectionTimeoutMs"`
	MaxMessageSize        int `json:"maxMessageSize"`
	MaxConnectionsPerUser int `json:"maxConnectionsPerUser"`
	SendQueueSize         int `json:"sendQueueSize"`
}

// Default returns the configuration with every field at its default.
func Default() Config {
	return Config{
		Sessions: SessionConfig{
			MaxSessionsPerOrg:     10,
			DefaultTimeoutMinutes: 60,
			SessionDataTTLHours:   72,
		},
		Fleet: FleetConfig{
			HeartbeatTimeoutMs:    30000,
			HealthCheckIntervalMs: 10000,
			MaxRunners:            500,
			LoadFactor:            0.9,
		},
		Updates: UpdatesConfig{
			AutoCanary:  true,
			AutoRollout: false,
			AutoSweep:   false,
			Watcher: WatcherConfig{
				DefaultCheckIntervalMs: 300000,
				HTTPTimeoutMs:          10000,
			},
			Canary: CanaryConfig{
				MaxConcurrency:    4,
				DefaultTimeoutMs:  120000,
				RetryCount:        1,
				ContinueOnFailure: true,
			},
			Registry: RegistryConfig{
				MaxVersionsPerProvider: 50,
				MaxBuilds:              200,
				AutoDeprecateDays:      90,
			},
			Rollout: RolloutConfig{
				MaxConcurrentRollouts: 1,
				CheckIntervalMs:       60000,
				AutoProgress:          true,
				RollbackThresholds: RollbackThresholds{
					MaxFailureRate:    0.10,
					MaxDisconnectRate: 0.20,
					MinSessionCount:   100,
				},
			},
			Sweep: SweepConfig{
				Enabled:             true,
				MaxConcurrentSweeps: 2,
				DefaultRateLimit:    6,
				DefaultMaxRepos:     50,
			},
		},
		Realtime: RealtimeConfig{
			PingIntervalMs:        15000,
			ConnectionTimeoutMs:   60000,
			MaxMessageSize:        1 << 20,
			MaxConnectionsPerUser: 5,
			SendQueueSize:         256,
		},
	}
}

// Load reads path, overlays it on the defaults, and validates the result.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range settings.
func (c Config) Validate() error {
	if c.Sessions.MaxSessionsPerOrg < 1 {
		return fmt.Errorf("sessions.maxSessionsPerOrg must be >= 1, got %d", c.Sessions.MaxSessionsPerOrg)
	}
	if c.Fleet.LoadFactor <= 0 || c.Fleet.LoadFactor > 1 {
		return fmt.Errorf("fleet.loadFactor must be in (0,1], got %v", c.Fleet.LoadFactor)
	}
	if c.Fleet.HeartbeatTimeoutMs <= 0 || c.Fleet.HealthCheckIntervalMs <= 0 {
		return fmt.Errorf("fleet heartbeat timeout and health check interval must be positive")
	}
	if c.Updates.Rollout.RollbackThresholds.MaxFailureRate < 0 || c.Updates.Rollout.RollbackThresholds.MaxFailureRate > 1 {
		return fmt.Errorf("updates.rollout.rollbackThresholds.maxFailureRate must be in [0,1]")
	}
	if c.Updates.Sweep.DefaultRateLimit < 1 {
		return fmt.Errorf("updates.sweep.defaultRateLimit must be >= 1, got %d", c.Updates.Sweep.DefaultRateLimit)
	}
	if c.Realtime.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("realtime.maxConnectionsPerUser must be >= 1, got %d", c.Realtime.MaxConnectionsPerUser)
	}
	return nil
}
