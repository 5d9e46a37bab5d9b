package v1

import "time"

// CanaryStatus is the aggregate outcome of a canary run, ordered by
// severity: timeout > error > failed > passed.
type CanaryStatus string

const (
	CanaryPassed  CanaryStatus = "passed"
	CanaryFailed  CanaryStatus = "failed"
	CanaryErrored CanaryStatus = "error"
	CanaryTimeout CanaryStatus = "timeout"
)

// CanaryMetrics aggregates a canary run's test outcomes.
type CanaryMetrics struct {
	TotalTests             int     `json:"totalTests"`
	Passed                 int     `json:"passed"`
	Failed                 int     `json:"failed"`
	Errored                int     `json:"errored"`
	Skipped                int     `json:"skipped"`
	PassRate               float64 `json:"passRate"`
	AvgSessionStartMs      float64 `json:"avgSessionStartMs"`
	AvgTimeToFirstOutputMs float64 `json:"avgTimeToFirstOutputMs"`
	DisconnectRate         float64 `json:"disconnectRate"`
}

// CanaryResult is the recorded outcome of running the canary suites
// against a candidate build.
type CanaryResult struct {
	ResultID   string        `json:"resultId"`
	BuildID    string        `json:"buildId"`
	Status     CanaryStatus  `json:"status"`
	Metrics    CanaryMetrics `json:"metrics"`
	SuiteNames []string      `json:"suiteNames,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// DeepCopy returns a copy of the result with no shared references.
func (r *CanaryResult) DeepCopy() *CanaryResult {
	out := *r
	out.SuiteNames = append([]string(nil), r.SuiteNames...)
	return &out
}
