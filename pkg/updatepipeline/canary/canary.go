// Package canary runs suites of smoke tests against a candidate build
// before the rollout controller is allowed to ship it.
package canary

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/support/config"
)

// Sample carries the timing observations from one executed case.
type Sample struct {
	SessionStartMs      float64
	TimeToFirstOutputMs float64
	Disconnected        bool
}

// Probe executes one canary case against a build. Implementations talk to
// a real or simulated runner; the canary runner only schedules, retries,
// and aggregates.
type Probe interface {
	Run(ctx context.Context, build *v1.Build, c Case) (Sample, error)
}

// Failure marks a case assertion failure, as opposed to an infrastructure
// error. Failures are never retried.
type Failure struct {
	Msg string
}

func (f *Failure) Error() string { return f.Msg }

// Transient wraps err so the runner will retry the case.
func Transient(err error) error { return &transientError{err} }

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var tr *transientError
	if errors.As(err, &tr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type outcome int

const (
	outcomePassed outcome = iota
	outcomeFailed
	outcomeErrored
	outcomeTimeout
	outcomeSkipped
)

// Runner executes canary suites and aggregates their results.
type Runner struct {
	log    logr.Logger
	clock  clock.PassiveClock
	cfg    config.CanaryConfig
	probe  Probe
	suites []Suite
}

// New builds a canary runner. A nil suites slice gets DefaultSuites.
func New(log logr.Logger, clk clock.PassiveClock, cfg config.CanaryConfig, probe Probe, suites []Suite) *Runner {
	if suites == nil {
		suites = DefaultSuites()
	}
	return &Runner{
		log:    log.WithName("canary"),
		clock:  clk,
		cfg:    cfg,
		probe:  probe,
		suites: suites,
	}
}

type tally struct {
	mu         sync.Mutex
	passed     int
	failed     int
	errored    int
	skipped    int
	timedOut   bool
	executed   int
	samples    []Sample
	disconnect int
}

func (t *tally) record(o outcome, s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomePassed:
		t.passed++
		t.executed++
		t.samples = append(t.samples, s)
		if s.Disconnected {
			t.disconnect++
		}
	case outcomeFailed:
		t.failed++
		t.executed++
	case outcomeErrored:
		t.errored++
		t.executed++
	case outcomeTimeout:
		// Timeouts count as failures in the totals but escalate the
		// overall status.
		t.failed++
		t.timedOut = true
	case outcomeSkipped:
		t.skipped++
	}
}

// Run executes every suite against the build and returns the aggregated
// result. The returned error is reserved for setup problems; test failures
// are reported through the result status.
func (r *Runner) Run(ctx context.Context, build *v1.Build) (*v1.CanaryResult, error) {
	startedAt := r.clock.Now()
	t := &tally{}
	total := 0
	var suiteNames []string

	aborted := false
	for _, suite := range r.suites {
		suiteNames = append(suiteNames, suite.Name)
		total += len(suite.Cases)
		if aborted {
			for range suite.Cases {
				t.record(outcomeSkipped, Sample{})
			}
			continue
		}

		failedBefore := r.runSuite(ctx, build, suite, t)
		if failedBefore && !r.cfg.ContinueOnFailure {
			aborted = true
		}
	}

	metrics := t.metrics(total)
	result := &v1.CanaryResult{
		ResultID:   uuid.NewString(),
		BuildID:    build.BuildID,
		Status:     t.status(),
		Metrics:    metrics,
		SuiteNames: suiteNames,
		StartedAt:  startedAt,
		FinishedAt: r.clock.Now(),
	}
	r.log.Info("canary run finished", "buildID", build.BuildID,
		"status", result.Status, "passRate", metrics.PassRate)
	return result, nil
}

// runSuite executes one suite under its hard deadline and reports whether
// any case failed.
func (r *Runner) runSuite(ctx context.Context, build *v1.Build, suite Suite, t *tally) bool {
	timeout := time.Duration(suite.TimeoutMs) * time.Millisecond
	if suite.TimeoutMs <= 0 {
		timeout = time.Duration(r.cfg.DefaultTimeoutMs) * time.Millisecond
	}
	suiteCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	before := func() (int, int, bool) {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.failed, t.errored, t.timedOut
	}
	failed0, errored0, _ := before()

	grp, grpCtx := errgroup.WithContext(suiteCtx)
	if r.cfg.MaxConcurrency > 0 {
		grp.SetLimit(r.cfg.MaxConcurrency)
	}
	for _, c := range suite.Cases {
		c := c
		if _, ok := build.RuntimeVersions[c.Provider]; !ok {
			t.record(outcomeSkipped, Sample{})
			continue
		}
		grp.Go(func() error {
			// The suite deadline already expired: record the case as a
			// timeout without running it.
			if grpCtx.Err() != nil {
				t.record(outcomeTimeout, Sample{})
				return nil
			}
			o, s := r.runCase(grpCtx, build, c)
			t.record(o, s)
			return nil
		})
	}
	_ = grp.Wait()

	failed1, errored1, timedOut := before()
	return failed1 > failed0 || errored1 > errored0 || timedOut
}

func (r *Runner) runCase(ctx context.Context, build *v1.Build, c Case) (outcome, Sample) {
	attempts := r.cfg.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		sample, err := r.probe.Run(ctx, build, c)
		if err == nil {
			return outcomePassed, sample
		}
		lastErr = err
		var failure *Failure
		if errors.As(err, &failure) {
			return outcomeFailed, Sample{}
		}
		if ctx.Err() != nil {
			return outcomeTimeout, Sample{}
		}
		if !retryable(err) {
			break
		}
		r.log.V(1).Info("retrying canary case", "case", c.Name, "attempt", i+1, "error", err)
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return outcomeTimeout, Sample{}
	}
	return outcomeErrored, Sample{}
}

func (t *tally) status() v1.CanaryStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.timedOut:
		return v1.CanaryTimeout
	case t.errored > 0:
		return v1.CanaryErrored
	case t.failed > 0:
		return v1.CanaryFailed
	default:
		return v1.CanaryPassed
	}
}

func (t *tally) metrics(total int) v1.CanaryMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := v1.CanaryMetrics{
		TotalTests: total,
		Passed:     t.passed,
		Failed:     t.failed,
		Errored:    t.errored,
		Skipped:    t.skipped,
	}
	if ran := total - t.skipped; ran > 0 {
		m.PassRate = float64(t.passed) / float64(ran)
	}
	if len(t.samples) > 0 {
		var start, firstOut float64
		for _, s := range t.samples {
			start += s.SessionStartMs
			firstOut += s.TimeToFirstOutputMs
		}
		m.AvgSessionStartMs = start / float64(len(t.samples))
		m.AvgTimeToFirstOutputMs = firstOut / float64(len(t.samples))
	}
	if t.executed > 0 {
		m.DisconnectRate = float64(t.disconnect) / float64(t.executed)
	}
	return m
}
