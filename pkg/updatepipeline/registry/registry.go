// Package registry is the system of record for discovered versions,
// runner builds, and their compatibility verdicts. The rollout controller
// only ships builds the registry recommends.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/support/apiresponse"
	"github.com/codefleet/codefleet/support/config"
	"github.com/codefleet/codefleet/support/events"
	"github.com/codefleet/codefleet/pkg/storage"
)

// EventType distinguishes registry notifications.
type EventType string

const (
	EventBuildRegistered EventType = "build_registered"
	EventBuildPromoted   EventType = "build_promoted"
	EventBuildDeprecated EventType = "build_deprecated"
	EventBuildMarkedBad  EventType = "build_marked_bad"
)

// Event is a registry notification.
type Event struct {
	Type    EventType
	BuildID string
	Reason  string
	At      time.Time
}

// Registry keeps versions, build entries, and compatibility results, and
// derives per-channel build recommendations.
type Registry struct {
	log   logr.Logger
	clock clock.PassiveClock
	cfg   config.RegistryConfig
	store storage.PipelineStore

	notifier events.Notifier[Event]

	mu       sync.Mutex
	versions map[v1.ProviderID][]*v1.Version
	builds   map[string]*v1.BuildEntry
	compat   map[string][]*v1.CompatibilityResult
}

// New builds an empty registry.
func New(log logr.Logger, clk clock.PassiveClock, cfg config.RegistryConfig, store storage.PipelineStore) *Registry {
	return &Registry{
		log:      log.WithName("registry"),
		clock:    clk,
		cfg:      cfg,
		store:    store,
		versions: map[v1.ProviderID][]*v1.Version{},
		builds:   map[string]*v1.BuildEntry{},
		compat:   map[string][]*v1.CompatibilityResult{},
	}
}

// Subscribe registers a handler for registry events.
func (r *Registry) Subscribe(fn events.Handler[Event]) func() {
	return r.notifier.Subscribe(fn)
}

// Restore rehydrates the registry from the store.
func (r *Registry) Restore() error {
	versions, err := r.store.LoadVersions()
	if err != nil {
		return err
	}
	entries, err := r.store.LoadBuildEntries()
	if err != nil {
		return err
	}
	results, err := r.store.LoadCompatResults()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range versions {
		r.versions[v.Provider] = append(r.versions[v.Provider], v.DeepCopy())
	}
	for p := range r.versions {
		sortVersions(r.versions[p])
	}
	for _, e := range entries {
		r.builds[e.BuildID] = e.DeepCopy()
	}
	for _, res := range results {
		c := *res
		r.compat[res.BuildID] = append(r.compat[res.BuildID], &c)
	}
	return nil
}

func sortVersions(vs []*v1.Version) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].ReleasedAt.Before(vs[j].ReleasedAt) })
}

// RegisterVersion records a discovered version. Re-registering the same
// (provider, version) pair is a no-op.
func (r *Registry) RegisterVersion(version *v1.Version) error {
	r.mu.Lock()
	v := version.DeepCopy()
	if v.ReleasedAt.IsZero() {
		v.ReleasedAt = r.clock.Now()
	}
	for _, existing := range r.versions[v.Provider] {
		if existing.Version == v.Version {
			r.mu.Unlock()
			return nil
		}
	}
	r.versions[v.Provider] = append(r.versions[v.Provider], v)
	sortVersions(r.versions[v.Provider])
	r.enforceVersionCapLocked(v.Provider)
	saved := v.DeepCopy()
	r.mu.Unlock()

	return r.store.SaveVersion(saved)
}

// enforceVersionCapLocked evicts the oldest versions beyond the per-provider
// cap, skipping any version still referenced by a build.
func (r *Registry) enforceVersionCapLocked(provider v1.ProviderID) {
	limit := r.cfg.MaxVersionsPerProvider
	if limit <= 0 {
		return
	}
	vs := r.versions[provider]
	for len(vs) > limit {
		idx := -1
		for i, v := range vs {
			if !r.versionReferencedLocked(provider, v.Version) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		vs = append(vs[:idx], vs[idx+1:]...)
	}
	r.versions[provider] = vs
}

func (r *Registry) versionReferencedLocked(provider v1.ProviderID, version string) bool {
	for _, e := range r.builds {
		if e.RuntimeVersions[provider] == version {
			return true
		}
	}
	return false
}

// MarkVersionCanaryPassed stamps a version as canary-verified.
func (r *Registry) MarkVersionCanaryPassed(provider v1.ProviderID, version string) error {
	r.mu.Lock()
	var found *v1.Version
	for _, v := range r.versions[provider] {
		if v.Version == version {
			now := r.clock.Now()
			v.CanaryPassed = true
			v.CanaryPassedAt = &now
			found = v.DeepCopy()
			break
		}
	}
	r.mu.Unlock()
	if found == nil {
		return apiresponse.NotFound(apiresponse.CodeBuildNotFound, "version %s/%s is not registered", provider, version)
	}
	return r.store.SaveVersion(found)
}

// ListVersions returns the known versions for a provider, oldest first.
func (r *Registry) ListVersions(provider v1.ProviderID) []*v1.Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*v1.Version, 0, len(r.versions[provider]))
	for _, v := range r.versions[provider] {
		out = append(out, v.DeepCopy())
	}
	return out
}

// RegisterBuild records a new build. Entries start as testing and
// not_recommended until compatibility results arrive.
func (r *Registry) RegisterBuild(build *v1.Build) (*v1.BuildEntry, error) {
	r.mu.Lock()
	if _, exists := r.builds[build.BuildID]; exists {
		r.mu.Unlock()
		return nil, apiresponse.Conflict(apiresponse.CodeInvalidState, "build %s is already registered", build.BuildID)
	}
	entry := &v1.BuildEntry{
		Build:          *build.DeepCopy(),
		Status:         v1.BuildStatusTesting,
		Recommendation: v1.RecommendationNotRecommended,
	}
	if entry.BuiltAt.IsZero() {
		entry.BuiltAt = r.clock.Now()
	}
	r.builds[entry.BuildID] = entry
	r.enforceBuildCapLocked()
	snapshot := entry.DeepCopy()
	r.mu.Unlock()

	if err := r.store.SaveBuildEntry(snapshot); err != nil {
		return nil, err
	}
	r.notifier.Publish(Event{Type: EventBuildRegistered, BuildID: snapshot.BuildID, At: r.clock.Now()})
	return snapshot, nil
}

// enforceBuildCapLocked evicts the oldest builds beyond the global cap.
// known_good builds are never evicted.
func (r *Registry) enforceBuildCapLocked() {
	limit := r.cfg.MaxBuilds
	if limit <= 0 || len(r.builds) <= limit {
		return
	}
	var candidates []*v1.BuildEntry
	for _, e := range r.builds {
		if e.Status != v1.BuildStatusKnownGood {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].BuiltAt.Before(candidates[j].BuiltAt) })
	for _, e := range candidates {
		if len(r.builds) <= limit {
			break
		}
		delete(r.builds, e.BuildID)
		delete(r.compat, e.BuildID)
		_ = r.store.DeleteBuildEntry(e.BuildID)
		r.log.V(1).Info("evicted build past retention cap", "buildID", e.BuildID)
	}
}

// GetBuild returns a snapshot of one build entry.
func (r *Registry) GetBuild(buildID string) (*v1.BuildEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.builds[buildID]
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeBuildNotFound, "build %s not found", buildID)
	}
	return e.DeepCopy(), nil
}

// ListBuilds returns all build entries, newest builtAt first.
func (r *Registry) ListBuilds() []*v1.BuildEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*v1.BuildEntry, 0, len(r.builds))
	for _, e := range r.builds {
		out = append(out, e.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BuiltAt.After(out[j].BuiltAt) })
	return out
}

// AddCompatibilityResult appends a compatibility result and re-derives the
// build's recommendation. Only PromoteBuild raises a build to recommended.
func (r *Registry) AddCompatibilityResult(buildID string, result *v1.CompatibilityResult) error {
	r.mu.Lock()
	entry, ok := r.builds[buildID]
	if !ok {
		r.mu.Unlock()
		return apiresponse.NotFound(apiresponse.CodeBuildNotFound, "build %s not found", buildID)
	}
	res := *result
	res.BuildID = buildID
	if res.ResultID == "" {
		res.ResultID = uuid.NewString()
	}
	if res.TestedAt.IsZero() {
		res.TestedAt = r.clock.Now()
	}
	r.compat[buildID] = append(r.compat[buildID], &res)
	entry.CompatResultIDs = append(entry.CompatResultIDs, res.ResultID)
	if entry.Recommendation != v1.RecommendationRecommended {
		entry.Recommendation = deriveRecommendation(res.Status)
	}
	entrySnapshot := entry.DeepCopy()
	r.mu.Unlock()

	if err := r.store.SaveCompatResult(&res); err != nil {
		return err
	}
	return r.store.SaveBuildEntry(entrySnapshot)
}

func deriveRecommendation(s v1.CompatStatus) v1.BuildRecommendation {
	switch s {
	case v1.CompatCompatible, v1.CompatPartial:
		return v1.RecommendationAcceptable
	default:
		return v1.RecommendationNotRecommended
	}
}

// CompatibilityResults returns the recorded results for a build.
func (r *Registry) CompatibilityResults(buildID string) []*v1.CompatibilityResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*v1.CompatibilityResult, 0, len(r.compat[buildID]))
	for _, res := range r.compat[buildID] {
		c := *res
		out = append(out, &c)
	}
	return out
}

// PromoteBuild marks a build known_good and recommended. Promotion
// requires at least one compatible result.
func (r *Registry) PromoteBuild(buildID string) error {
	r.mu.Lock()
	entry, ok := r.builds[buildID]
	if !ok {
		r.mu.Unlock()
		return apiresponse.NotFound(apiresponse.CodeBuildNotFound, "build %s not found", buildID)
	}
	compatible := false
	for _, res := range r.compat[buildID] {
		if res.Status == v1.CompatCompatible {
			compatible = true
			break
		}
	}
	if !compatible {
		r.mu.Unlock()
		return apiresponse.Conflict(apiresponse.CodeInvalidState,
			"build %s has no compatible result; cannot promote", buildID)
	}
	now := r.clock.Now()
	entry.Status = v1.BuildStatusKnownGood
	entry.Recommendation = v1.RecommendationRecommended
	entry.PromotedAt = &now
	snapshot := entry.DeepCopy()
	r.mu.Unlock()

	if err := r.store.SaveBuildEntry(snapshot); err != nil {
		return err
	}
	r.log.Info("build promoted", "buildID", buildID)
	r.notifier.Publish(Event{Type: EventBuildPromoted, BuildID: buildID, At: now})
	return nil
}

// DeprecateBuild marks a build deprecated with a reason.
func (r *Registry) DeprecateBuild(buildID, reason string) error {
	return r.demote(buildID, v1.BuildStatusDeprecated, reason, EventBuildDeprecated)
}

// MarkBuildBad marks a build known_bad with a reason. Bad builds are never
// recommended again.
func (r *Registry) MarkBuildBad(buildID, reason string) error {
	return r.demote(buildID, v1.BuildStatusKnownBad, reason, EventBuildMarkedBad)
}

func (r *Registry) demote(buildID string, status v1.BuildStatus, reason string, evType EventType) error {
	r.mu.Lock()
	entry, ok := r.builds[buildID]
	if !ok {
		r.mu.Unlock()
		return apiresponse.NotFound(apiresponse.CodeBuildNotFound, "build %s not found", buildID)
	}
	now := r.clock.Now()
	entry.Status = status
	if status == v1.BuildStatusKnownBad {
		entry.Recommendation = v1.RecommendationBlocked
	} else {
		entry.Recommendation = v1.RecommendationNotRecommended
	}
	entry.DeprecatedAt = &now
	entry.DeprecationReason = reason
	snapshot := entry.DeepCopy()
	r.mu.Unlock()

	if err := r.store.SaveBuildEntry(snapshot); err != nil {
		return err
	}
	r.notifier.Publish(Event{Type: evType, BuildID: buildID, Reason: reason, At: now})
	return nil
}

// GetRecommendedBuild picks the build a channel should ship. Stable takes
// the most recently promoted known_good build; beta accepts testing builds
// with at least an acceptable recommendation, newest builtAt first.
func (r *Registry) GetRecommendedBuild(channel v1.Channel) (*v1.BuildEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *v1.BuildEntry
	switch channel {
	case v1.ChannelStable:
		for _, e := range r.builds {
			if e.Status != v1.BuildStatusKnownGood || e.Recommendation != v1.RecommendationRecommended {
				continue
			}
			if best == nil || later(e.PromotedAt, best.PromotedAt) {
				best = e
			}
		}
	case v1.ChannelBeta:
		for _, e := range r.builds {
			if e.Status != v1.BuildStatusTesting && e.Status != v1.BuildStatusKnownGood {
				continue
			}
			if e.Recommendation != v1.RecommendationRecommended && e.Recommendation != v1.RecommendationAcceptable {
				continue
			}
			if best == nil || e.BuiltAt.After(best.BuiltAt) {
				best = e
			}
		}
	default:
		return nil, apiresponse.Invalid(apiresponse.CodeInvalidState,
			"channel %q has no recommendation policy", channel)
	}
	if best == nil {
		return nil, apiresponse.NotFound(apiresponse.CodeBuildNotFound,
			"no recommendable build for channel %s", channel)
	}
	return best.DeepCopy(), nil
}

func later(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

// AutoDeprecate marks known_good and testing builds older than the
// configured age deprecated. Returns the affected build IDs.
func (r *Registry) AutoDeprecate() []string {
	if r.cfg.AutoDeprecateDays <= 0 {
		return nil
	}
	cutoff := r.clock.Now().AddDate(0, 0, -r.cfg.AutoDeprecateDays)

	r.mu.Lock()
	var stale []string
	for id, e := range r.builds {
		if e.Status != v1.BuildStatusKnownGood && e.Status != v1.BuildStatusTesting {
			continue
		}
		if e.BuiltAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(stale)
	for _, id := range stale {
		if err := r.DeprecateBuild(id, "Auto-deprecated due to age."); err != nil {
			r.log.Error(err, "auto-deprecate failed", "buildID", id)
		}
	}
	return stale
}
