package v1

import "time"

// Version is a discovered upstream release of a provider CLI.
// (Provider, Version) is the primary key.
type Version struct {
	Provider       ProviderID `json:"provider"`
	Version        string     `json:"version"`
	ReleasedAt     time.Time  `json:"releasedAt"`
	SourceURL      string     `json:"sourceUrl,omitempty"`
	Checksum       string     `json:"checksum,omitempty"`
	CanaryPassed   bool       `json:"canaryPassed"`
	CanaryPassedAt *time.Time `json:"canaryPassedAt,omitempty"`
}

// DeepCopy returns a copy of the version record.
func (v *Version) DeepCopy() *Version {
	out := *v
	if v.CanaryPassedAt != nil {
		t := *v.CanaryPassedAt
		out.CanaryPassedAt = &t
	}
	return &out
}

// Build is a versioned bundle of runner software plus the provider CLI
// versions it bundles.
type Build struct {
	BuildID         string                `json:"buildId"`
	RunnerVersion   string                `json:"runnerVersion"`
	Adapters        []string              `json:"adapters,omitempty"`
	RuntimeVersions map[ProviderID]string `json:"runtimeVersions"`
	BuiltAt         time.Time             `json:"builtAt"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
}

// DeepCopy returns a copy of the build with no shared references.
func (b *Build) DeepCopy() *Build {
	out := *b
	out.Adapters = append([]string(nil), b.Adapters...)
	if b.RuntimeVersions != nil {
		out.RuntimeVersions = make(map[ProviderID]string, len(b.RuntimeVersions))
		for k, v := range b.RuntimeVersions {
			out.RuntimeVersions[k] = v
		}
	}
	if b.Metadata != nil {
		out.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// BuildStatus is the registry's verdict on a build.
type BuildStatus string

const (
	BuildStatusTesting    BuildStatus = "testing"
	BuildStatusKnownGood  BuildStatus = "known_good"
	BuildStatusKnownBad   BuildStatus = "known_bad"
	BuildStatusDeprecated BuildStatus = "deprecated"
)

// BuildRecommendation ranks a build for channel selection.
type BuildRecommendation string

const (
	RecommendationRecommended    BuildRecommendation = "recommended"
	RecommendationAcceptable     BuildRecommendation = "acceptable"
	RecommendationNotRecommended BuildRecommendation = "not_recommended"
	RecommendationBlocked        BuildRecommendation = "blocked"
)

// CompatStatus is the outcome of a single compatibility test run.
type CompatStatus string

const (
	CompatCompatible   CompatStatus = "compatible"
	CompatPartial      CompatStatus = "partial"
	CompatIncompatible CompatStatus = "incompatible"
	CompatUnknown      CompatStatus = "unknown"
)

// CompatibilityResult records one compatibility test run against a build.
// Results live in their own table keyed by BuildID; BuildEntry references
// them by ID only.
type CompatibilityResult struct {
	ResultID string       `json:"resultId"`
	BuildID  string       `json:"buildId"`
	Provider ProviderID   `json:"provider"`
	Status   CompatStatus `json:"status"`
	Details  string       `json:"details,omitempty"`
	TestedAt time.Time    `json:"testedAt"`
}

// BuildEntry is a build as tracked by the known-good registry.
type BuildEntry struct {
	Build             `json:",inline"`
	Status            BuildStatus         `json:"status"`
	Recommendation    BuildRecommendation `json:"recommendation"`
	CompatResultIDs   []string            `json:"compatResultIds,omitempty"`
	PromotedAt        *time.Time          `json:"promotedAt,omitempty"`
	DeprecatedAt      *time.Time          `json:"deprecatedAt,omitempty"`
	DeprecationReason string              `json:"deprecationReason,omitempty"`
}

// DeepCopy returns a copy of the entry with no shared references.
func (e *BuildEntry) DeepCopy() *BuildEntry {
	out := *e
	out.Build = *e.Build.DeepCopy()
	out.CompatResultIDs = append([]string(nil), e.CompatResultIDs...)
	if e.PromotedAt != nil {
		t := *e.PromotedAt
		out.PromotedAt = &t
	}
	if e.DeprecatedAt != nil {
		t := *e.DeprecatedAt
		out.DeprecatedAt = &t
	}
	return &out
}
