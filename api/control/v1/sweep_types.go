package v1

import "time"

// SweepType categorizes a post-rollout repository sweep.
type SweepType string

const (
	SweepMaintenance      SweepType = "maintenance"
	SweepLintFix          SweepType = "lint_fix"
	SweepDependencyUpdate SweepType = "dependency_update"
	SweepCustom           SweepType = "custom"
)

// SweepConfig configures a sweep job. Sweeps open pull requests; they never
// merge them: there is deliberately no way to construct a config with
// auto-merge enabled.
type SweepConfig struct {
	Type           SweepType `json:"type"`
	CreatePRs      bool      `json:"createPrs"`
	MaxReposPerRun int       `json:"maxReposPerRun"`
	// RateLimit is repos per minute.
	RateLimit int `json:"rateLimit"`
}

// AutoMerge always reports false. Sweeps never merge.
func (c SweepConfig) AutoMerge() bool {
	return false
}

// RepoTarget is a repository eligible for sweeps.
type RepoTarget struct {
	RepoURL string `json:"repoUrl"`
	OrgID   string `json:"orgId"`
	OptedIn bool   `json:"optedIn"`
}

// SweepResultStatus is the per-repository outcome within a sweep job.
type SweepResultStatus string

const (
	SweepResultSuccess   SweepResultStatus = "success"
	SweepResultFailed    SweepResultStatus = "failed"
	SweepResultSkipped   SweepResultStatus = "skipped"
	SweepResultNoChanges SweepResultStatus = "no_changes"
)

// SweepResult records one repository's outcome within a sweep job.
type SweepResult struct {
	RepoURL    string            `json:"repoUrl"`
	Status     SweepResultStatus `json:"status"`
	PRURL      string            `json:"prUrl,omitempty"`
	Error      string            `json:"error,omitempty"`
	FinishedAt time.Time         `json:"finishedAt"`
}

// SweepJobState is the lifecycle state of a sweep job.
type SweepJobState string

const (
	SweepJobRunning   SweepJobState = "running"
	SweepJobCompleted SweepJobState = "completed"
	SweepJobCancelled SweepJobState = "cancelled"
	SweepJobFailed    SweepJobState = "failed"
)

// SweepJob is one post-rollout batch over opted-in repositories.
type SweepJob struct {
	JobID      string        `json:"jobId"`
	BuildID    string        `json:"buildId"`
	Config     SweepConfig   `json:"config"`
	State      SweepJobState `json:"state"`
	Repos      []string      `json:"repos"`
	Results    []SweepResult `json:"results,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// DeepCopy returns a copy of the job with no shared references.
func (j *SweepJob) DeepCopy() *SweepJob {
	out := *j
	out.Repos = append([]string(nil), j.Repos...)
	out.Results = append([]SweepResult(nil), j.Results...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
