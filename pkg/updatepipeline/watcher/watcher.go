// Package watcher polls upstream release sources for new provider CLI
// versions. A discovered version is announced, not acted on: the pipeline
// orchestrator decides whether a canary run follows.
package watcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/support/config"
	"github.com/codefleet/codefleet/support/events"
)

// EventType distinguishes watcher notifications.
type EventType string

const (
	EventVersionDiscovered EventType = "version_discovered"
	EventCheckError        EventType = "check_error"
)

// Event is a watcher notification.
type Event struct {
	Type            EventType
	Provider        v1.ProviderID
	Version         string
	PreviousVersion string
	SourceURL       string
	Err             error
	At              time.Time
}

// Watcher tracks the latest known version per provider and polls each
// configured source at its own interval.
type Watcher struct {
	log     logr.Logger
	clock   clock.PassiveClock
	cfg     config.WatcherConfig
	fetcher Fetcher

	notifier events.Notifier[Event]

	mu      sync.Mutex
	sources []sourceState
	latest  map[v1.ProviderID]string
}

type sourceState struct {
	source      Source
	nextCheckAt time.Time
}

// New builds a watcher over the given sources. A nil fetcher gets the
// default HTTP fetcher.
func New(log logr.Logger, clk clock.PassiveClock, cfg config.WatcherConfig, sources []Source, fetcher Fetcher) *Watcher {
	if fetcher == nil {
		fetcher = NewHTTPFetcher(time.Duration(cfg.HTTPTimeoutMs) * time.Millisecond)
	}
	w := &Watcher{
		log:     log.WithName("watcher"),
		clock:   clk,
		cfg:     cfg,
		fetcher: fetcher,
		latest:  map[v1.ProviderID]string{},
	}
	now := clk.Now()
	for _, s := range sources {
		w.sources = append(w.sources, sourceState{source: s, nextCheckAt: now})
	}
	return w
}

// Subscribe registers a handler for watcher events.
func (w *Watcher) Subscribe(fn events.Handler[Event]) func() {
	return w.notifier.Subscribe(fn)
}

// LatestVersion returns the last recorded version for a provider.
func (w *Watcher) LatestVersion(provider v1.ProviderID) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.latest[provider]
	return v, ok
}

// Start polls due sources until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	interval := time.Duration(w.cfg.DefaultCheckIntervalMs) * time.Millisecond
	// Wake often enough to honor the shortest per-source interval.
	tick := interval / 10
	if tick < time.Second {
		tick = time.Second
	}
	wait.UntilWithContext(ctx, w.CheckDue, tick)
}

// CheckDue polls every source whose interval has elapsed.
func (w *Watcher) CheckDue(ctx context.Context) {
	now := w.clock.Now()

	w.mu.Lock()
	var due []Source
	for i := range w.sources {
		if !now.Before(w.sources[i].nextCheckAt) {
			due = append(due, w.sources[i].source)
			w.sources[i].nextCheckAt = now.Add(w.sourceInterval(w.sources[i].source))
		}
	}
	w.mu.Unlock()

	for _, s := range due {
		w.Check(ctx, s)
	}
}

func (w *Watcher) sourceInterval(s Source) time.Duration {
	ms := s.CheckIntervalMs
	if ms <= 0 {
		ms = w.cfg.DefaultCheckIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Check polls one source. A fetch or parse error is reported as a
// check_error event and leaves the known version unchanged.
func (w *Watcher) Check(ctx context.Context, s Source) {
	raw, err := w.fetcher.LatestVersion(ctx, s)
	if err != nil {
		w.log.V(1).Info("version check failed", "provider", s.Provider, "type", s.Type, "error", err)
		w.notifier.Publish(Event{
			Type:      EventCheckError,
			Provider:  s.Provider,
			SourceURL: s.URL,
			Err:       err,
			At:        w.clock.Now(),
		})
		return
	}
	w.record(s.Provider, raw, s.URL)
}

// RegisterHeartbeatVersion feeds a provider version observed on a runner
// heartbeat into the watcher. Runners in the field sometimes see a release
// before the upstream source check does.
func (w *Watcher) RegisterHeartbeatVersion(provider v1.ProviderID, version string) {
	w.record(provider, version, "runner-heartbeat")
}

func (w *Watcher) record(provider v1.ProviderID, raw, sourceURL string) {
	version, err := normalizeVersion(raw)
	if err != nil {
		w.notifier.Publish(Event{
			Type:      EventCheckError,
			Provider:  provider,
			SourceURL: sourceURL,
			Err:       err,
			At:        w.clock.Now(),
		})
		return
	}

	w.mu.Lock()
	previous := w.latest[provider]
	if version == previous {
		w.mu.Unlock()
		return
	}
	w.latest[provider] = version
	w.mu.Unlock()

	w.log.Info("version discovered", "provider", provider, "version", version, "previous", previous)
	w.notifier.Publish(Event{
		Type:            EventVersionDiscovered,
		Provider:        provider,
		Version:         version,
		PreviousVersion: previous,
		SourceURL:       sourceURL,
		At:              w.clock.Now(),
	})
}

// normalizeVersion parses raw as a semver, tolerating a leading "v" and
// partial versions, and returns the canonical form.
func normalizeVersion(raw string) (string, error) {
	v, err := semver.ParseTolerant(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return v.String(), nil
}
