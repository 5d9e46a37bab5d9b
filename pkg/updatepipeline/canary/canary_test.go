package canary

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/support/config"
)

// scriptProbe runs a scripted behavior keyed by case name.
type scriptProbe struct {
	mu     sync.Mutex
	calls  map[string]int
	script func(ctx context.Context, c Case, attempt int) (Sample, error)
}

func (p *scriptProbe) Run(ctx context.Context, _ *v1.Build, c Case) (Sample, error) {
	p.mu.Lock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[c.Name]++
	attempt := p.calls[c.Name]
	p.mu.Unlock()
	return p.script(ctx, c, attempt)
}

func (p *scriptProbe) callCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

func testCanaryConfig() config.CanaryConfig {
	return config.CanaryConfig{
		MaxConcurrency:    1,
		DefaultTimeoutMs:  200,
		RetryCount:        1,
		ContinueOnFailure: true,
	}
}

func newTestRunner(cfg config.CanaryConfig, probe Probe, suites []Suite) *Runner {
	clk := clocktesting.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return New(logr.Discard(), clk, cfg, probe, suites)
}

func testBuild() *v1.Build {
	return &v1.Build{
		BuildID:         "build-1",
		RunnerVersion:   "0.5.0",
		RuntimeVersions: map[v1.ProviderID]string{v1.ProviderCodex: "1.0.0"},
	}
}

func pass(_ context.Context, _ Case, _ int) (Sample, error) {
	return Sample{SessionStartMs: 100, TimeToFirstOutputMs: 300}, nil
}

func TestAllCasesPass(t *testing.T) {
	g := NewWithT(t)
	probe := &scriptProbe{script: pass}
	suites := []Suite{{Name: "golden_path", Cases: []Case{
		{Name: "a", Provider: v1.ProviderCodex},
		{Name: "b", Provider: v1.ProviderCodex},
	}}}
	r := newTestRunner(testCanaryConfig(), probe, suites)

	res, err := r.Run(context.Background(), testBuild())

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(res.Status).To(Equal(v1.CanaryPassed))
	g.Expect(res.BuildID).To(Equal("build-1"))
	g.Expect(res.SuiteNames).To(Equal([]string{"golden_path"}))
	g.Expect(res.Metrics.TotalTests).To(Equal(2))
	g.Expect(res.Metrics.Passed).To(Equal(2))
	g.Expect(res.Metrics.PassRate).To(Equal(1.0))
	g.Expect(res.Metrics.AvgSessionStartMs).To(Equal(100.0))
	g.Expect(res.Metrics.AvgTimeToFirstOutputMs).To(Equal(300.0))
}

func TestCasesForUnbundledProvidersAreSkipped(t *testing.T) {
	g := NewWithT(t)
	probe := &scriptProbe{script: pass}
	suites := []Suite{{Name: "adapter_contract", Cases: []Case{
		{Name: "codex", Provider: v1.ProviderCodex},
		{Name: "gemini", Provider: v1.ProviderGeminiCLI},
	}}}
	r := newTestRunner(testCanaryConfig(), probe, suites)

	res, err := r.Run(context.Background(), testBuild())

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(res.Status).To(Equal(v1.CanaryPassed))
	g.Expect(res.Metrics.Skipped).To(Equal(1))
	g.Expect(res.Metrics.Passed).To(Equal(1))
	g.Expect(res.Metrics.PassRate).To(Equal(1.0))
	g.Expect(probe.callCount("gemini")).To(BeZero())
}

func TestAssertionFailureIsNotRetried(t *testing.T) {
	g := NewWithT(t)
	probe := &scriptProbe{script: func(_ context.Context, c Case, _ int) (Sample, error) {
		if c.Name == "bad" {
			return Sample{}, &Failure{Msg: "adapter never produced output"}
		}
		return Sample{}, nil
	}}
	suites := []Suite{{Name: "adapter_contract", Cases: []Case{
		{Name: "good", Provider: v1.ProviderCodex},
		{Name: "bad", Provider: v1.ProviderCodex},
	}}}
	r := newTestRunner(testCanaryConfig(), probe, suites)

	res, err := r.Run(context.Background(), testBuild())

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(res.Status).To(Equal(v1.CanaryFailed))
	g.Expect(res.Metrics.Failed).To(Equal(1))
	g.Expect(probe.callCount("bad")).To(Equal(1))
}

func TestTransientErrorIsRetried(t *testing.T) {
	g := NewWithT(t)
	probe := &scriptProbe{script: func(_ context.Context, _ Case, attempt int) (Sample, error) {
		if attempt == 1 {
			return Sample{}, Transient(errors.New("connection reset"))
		}
		return Sample{}, nil
	}}
	suites := []Suite{{Name: "golden_path", Cases: []Case{{Name: "flaky", Provider: v1.ProviderCodex}}}}
	r := newTestRunner(testCanaryConfig(), probe, suites)

	res, err := r.Run(context.Background(), testBuild())

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(res.Status).To(Equal(v1.CanaryPassed))
	g.Expect(probe.callCount("flaky")).To(Equal(2))
}

func TestPermanentErrorOutranksFailure(t *testing.T) {
	g := NewWithT(t)
	probe := &scriptProbe{script: func(_ context.Context, c Case, _ int) (Sample, error) {
		switch c.Name {
		case "broken":
			return Sample{}, errors.New("probe binary missing")
		case "failing":
			return Sample{}, &Failure{Msg: "wrong exit code"}
		}
		return Sample{}, nil
	}}
	suites := []Suite{{Name: "adapter_contract", Cases: []Case{
		{Name: "broken", Provider: v1.ProviderCodex},
		{Name: "failing", Provider: v1.ProviderCodex},
	}}}
	r := newTestRunner(testCanaryConfig(), probe, suites)

	res, err := r.Run(context.Background(), testBuild())

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(res.Status).To(Equal(v1.CanaryErrored))
	g.Expect(res.Metrics.Errored).To(Equal(1))
	g.Expect(res.Metrics.Failed).To(Equal(1))
	g.Expect(probe.callCount("broken")).To(Equal(1))
}

func TestSuiteDeadlineMarksRemainingCasesTimedOut(t *testing.T) {
	g := NewWithT(t)
	probe := &scriptProbe{script: func(ctx context.Context, c Case, _ int) (Sample, error) {
		if c.Name == "hang" {
			<-ctx.Done()
			return Sample{}, ctx.Err()
		}
		return Sample{}, nil
	}}
	suites := []Suite{{Name: "golden_path", TimeoutMs: 50, Cases: []Case{
		{Name: "hang", Provider: v1.ProviderCodex},
		{Name: "never-ran-1", Provider: v1.ProviderCodex},
		{Name: "never-ran-2", Provider: v1.ProviderCodex},
	}}}
	r := newTestRunner(testCanaryConfig(), probe, suites)

	res, err := r.Run(context.Background(), testBuild())

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(res.Status).To(Equal(v1.CanaryTimeout))
	g.Expect(res.Metrics.Failed).To(Equal(3))
	g.Expect(res.Metrics.Passed).To(BeZero())
}

func TestStopOnFirstFailingSuite(t *testing.T) {
	g := NewWithT(t)
	cfg := testCanaryConfig()
	cfg.ContinueOnFailure = false
	probe := &scriptProbe{script: func(_ context.Context, c Case, _ int) (Sample, error) {
		if c.Name == "first/bad" {
			return Sample{}, &Failure{Msg: "nope"}
		}
		return Sample{}, nil
	}}
	suites := []Suite{
		{Name: "first", Cases: []Case{{Name: "first/bad", Provider: v1.ProviderCodex}}},
		{Name: "second", Cases: []Case{{Name: "second/ok", Provider: v1.ProviderCodex}}},
	}
	r := newTestRunner(cfg, probe, suites)

	res, err := r.Run(context.Background(), testBuild())

	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(res.Status).To(Equal(v1.CanaryFailed))
	g.Expect(res.Metrics.Skipped).To(Equal(1))
	g.Expect(res.SuiteNames).To(Equal([]string{"first", "second"}))
	g.Expect(probe.callCount("second/ok")).To(BeZero())
}

func TestDefaultSuitesCoverAllProviders(t *testing.T) {
	g := NewWithT(t)
	suites := DefaultSuites()

	g.Expect(suites).To(HaveLen(4))
	names := []string{}
	for _, s := range suites {
		names = append(names, s.Name)
		g.Expect(s.Cases).ToNot(BeEmpty())
		seen := map[v1.ProviderID]bool{}
		for _, c := range s.Cases {
			seen[c.Provider] = true
		}
		for _, p := range v1.AllProviders {
			g.Expect(seen).To(HaveKey(p), "suite %s misses provider %s", s.Name, p)
		}
	}
	g.Expect(names).To(Equal([]string{"adapter_contract", "golden_path", "approval_gate", "metering"}))
}
