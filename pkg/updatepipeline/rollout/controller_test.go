package rollout

import (
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/pkg/storage"
	"github.com/codefleet/codefleet/support/apiresponse"
	"github.com/codefleet/codefleet/support/config"
)

type fakeMetrics struct {
	m Metrics
}

func (f *fakeMetrics) RolloutMetrics(*v1.Rollout) Metrics { return f.m }

func testRolloutConfig() config.RolloutConfig {
	return config.RolloutConfig{
		MaxConcurrentRollouts: 1,
		CheckIntervalMs:       60000,
		AutoProgress:          true,
		RollbackThresholds: config.RollbackThresholds{
			MaxFailureRate:    0.05,
			MaxDisconnectRate: 0.10,
			MinSessionCount:   100,
		},
	}
}

func newTestController(cfg config.RolloutConfig, metrics MetricsSource) (*Controller, *clocktesting.FakeClock, *storage.Memory) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := storage.NewMemory()
	return New(logr.Discard(), clk, cfg, store, metrics), clk, store
}

func testBuild(id string) *v1.Build {
	return &v1.Build{
		BuildID:         id,
		RunnerVersion:   "0.5.0",
		RuntimeVersions: map[v1.ProviderID]string{v1.ProviderCodex: "1.0.0"},
	}
}

func passedCanary(passRate float64) *v1.CanaryResult {
	return &v1.CanaryResult{
		ResultID: "canary-1",
		Status:   v1.CanaryPassed,
		Metrics:  v1.CanaryMetrics{PassRate: passRate},
	}
}

// seedOrgs registers n stable-channel orgs named org-000..org-n.
func seedOrgs(t *testing.T, c *Controller, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		cfg := &v1.OrgRuntimeConfig{OrgID: fmt.Sprintf("org-%03d", i), Channel: v1.ChannelStable}
		if err := c.SetOrgConfig(cfg); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCanaryGate(t *testing.T) {
	g := NewWithT(t)
	c, _, _ := newTestController(testRolloutConfig(), nil)

	// Stable requires a passed canary at >= 0.95.
	_, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, nil)
	g.Expect(apiresponse.CodeOf(err)).To(Equal(apiresponse.CodeCanaryGateFailed))

	_, err = c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(0.90))
	g.Expect(apiresponse.CodeOf(err)).To(Equal(apiresponse.CodeCanaryGateFailed))

	failed := passedCanary(1.0)
	failed.Status = v1.CanaryFailed
	_, err = c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, failed)
	g.Expect(apiresponse.CodeOf(err)).To(Equal(apiresponse.CodeCanaryGateFailed))

	// Exactly at the threshold passes.
	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(0.95))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(r.State).To(Equal(v1.RolloutStateRollingOut))
	g.Expect(r.CurrentPercentage).To(Equal(1))
	g.Expect(r.CanaryResultRef).To(Equal("canary-1"))
}

func TestPinnedChannelSkipsCanary(t *testing.T) {
	g := NewWithT(t)
	c, _, _ := newTestController(testRolloutConfig(), nil)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelPinned, nil)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(r.CurrentPercentage).To(Equal(100))
}

func TestConcurrentRolloutLimitPerChannel(t *testing.T) {
	g := NewWithT(t)
	c, _, _ := newTestController(testRolloutConfig(), nil)

	_, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())

	_, err = c.InitiateRollout(testBuild("b-2"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(apiresponse.CodeOf(err)).To(Equal(apiresponse.CodeRolloutLimitExceeded))

	// Another channel is unaffected.
	_, err = c.InitiateRollout(testBuild("b-2"), v1.ChannelPinned, nil)
	g.Expect(err).ToNot(HaveOccurred())
}

func TestStagedOrgAssignment(t *testing.T) {
	g := NewWithT(t)
	c, _, _ := newTestController(testRolloutConfig(), nil)
	seedOrgs(t, c, 200)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())
	// ceil(200 * 1%) = 2 orgs at the first stage, lowest orgIDs first.
	g.Expect(r.AffectedOrgs).To(Equal([]string{"org-000", "org-001"}))

	a, ok := c.Assignment("org-000")
	g.Expect(ok).To(BeTrue())
	g.Expect(a.ToBuildID).To(Equal("b-1"))
	g.Expect(a.FromBuildID).To(BeEmpty())

	r, err = c.AdvanceRollout(r.RolloutID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(r.CurrentPercentage).To(Equal(10))
	g.Expect(r.AffectedOrgs).To(HaveLen(20))

	r, err = c.AdvanceRollout(r.RolloutID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(r.CurrentPercentage).To(Equal(50))
	g.Expect(r.AffectedOrgs).To(HaveLen(100))

	r, err = c.AdvanceRollout(r.RolloutID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(r.CurrentPercentage).To(Equal(100))
	g.Expect(r.AffectedOrgs).To(HaveLen(200))
	g.Expect(r.State).To(Equal(v1.RolloutStateRollingOut))

	// Advancing at 100% completes the rollout.
	r, err = c.AdvanceRollout(r.RolloutID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(r.State).To(Equal(v1.RolloutStateCompleted))

	_, err = c.AdvanceRollout(r.RolloutID)
	g.Expect(apiresponse.CodeOf(err)).To(Equal(apiresponse.CodeInvalidState))
}

func TestEnterpriseApprovalOrgsJoinAtFullRollout(t *testing.T) {
	g := NewWithT(t)
	c, _, _ := newTestController(testRolloutConfig(), nil)
	g.Expect(c.SetOrgConfig(&v1.OrgRuntimeConfig{
		OrgID:      "org-ent",
		Channel:    v1.ChannelStable,
		Enterprise: &v1.EnterpriseConfig{ApprovalRequired: true},
	})).To(Succeed())
	g.Expect(c.SetOrgConfig(&v1.OrgRuntimeConfig{OrgID: "org-std", Channel: v1.ChannelStable})).To(Succeed())

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(r.AffectedOrgs).To(Equal([]string{"org-std"}))

	for r.CurrentPercentage < 100 {
		r, err = c.AdvanceRollout(r.RolloutID)
		g.Expect(err).ToNot(HaveOccurred())
	}
	g.Expect(r.AffectedOrgs).To(ConsistOf("org-std", "org-ent"))
}

func TestPauseResume(t *testing.T) {
	g := NewWithT(t)
	c, _, _ := newTestController(testRolloutConfig(), nil)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())

	g.Expect(c.ResumeRollout(r.RolloutID)).ToNot(Succeed())
	g.Expect(c.PauseRollout(r.RolloutID)).To(Succeed())

	_, err = c.AdvanceRollout(r.RolloutID)
	g.Expect(apiresponse.CodeOf(err)).To(Equal(apiresponse.CodeInvalidState))
	g.Expect(c.PauseRollout(r.RolloutID)).ToNot(Succeed())

	g.Expect(c.ResumeRollout(r.RolloutID)).To(Succeed())
	_, err = c.AdvanceRollout(r.RolloutID)
	g.Expect(err).ToNot(HaveOccurred())
}

func TestRollbackRevertsAssignments(t *testing.T) {
	g := NewWithT(t)
	c, _, _ := newTestController(testRolloutConfig(), nil)
	seedOrgs(t, c, 2)

	// First rollout moves both orgs to b-1 and completes.
	r1, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())
	for r1.State == v1.RolloutStateRollingOut {
		r1, err = c.AdvanceRollout(r1.RolloutID)
		g.Expect(err).ToNot(HaveOccurred())
	}

	// Second rollout moves them to b-2, then rolls back.
	r2, err := c.InitiateRollout(testBuild("b-2"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())
	for r2.CurrentPercentage < 100 {
		r2, err = c.AdvanceRollout(r2.RolloutID)
		g.Expect(err).ToNot(HaveOccurred())
	}

	g.Expect(c.Rollback(r2.RolloutID, "session failures spiked")).To(Succeed())

	got, err := c.Get(r2.RolloutID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got.State).To(Equal(v1.RolloutStateRolledBack))
	g.Expect(got.CurrentPercentage).To(BeZero())
	g.Expect(got.Error).To(Equal("session failures spiked"))

	for _, org := range []string{"org-000", "org-001"} {
		a, ok := c.Assignment(org)
		g.Expect(ok).To(BeTrue(), "org %s should keep its prior assignment", org)
		g.Expect(a.ToBuildID).To(Equal("b-1"))
	}

	g.Expect(c.Rollback(r2.RolloutID, "again")).ToNot(Succeed())
}

func TestRollbackErasesFirstAssignments(t *testing.T) {
	g := NewWithT(t)
	c, _, _ := newTestController(testRolloutConfig(), nil)
	seedOrgs(t, c, 1)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())
	for r.CurrentPercentage < 100 {
		r, err = c.AdvanceRollout(r.RolloutID)
		g.Expect(err).ToNot(HaveOccurred())
	}

	g.Expect(c.Rollback(r.RolloutID, "bad build")).To(Succeed())
	_, ok := c.Assignment("org-000")
	g.Expect(ok).To(BeFalse())
}

func TestEventLog(t *testing.T) {
	g := NewWithT(t)
	c, _, store := newTestController(testRolloutConfig(), nil)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())
	_, err = c.AdvanceRollout(r.RolloutID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(c.PauseRollout(r.RolloutID)).To(Succeed())
	g.Expect(c.Rollback(r.RolloutID, "operator abort")).To(Succeed())

	evs := c.Events(r.RolloutID, 0)
	types := []v1.RolloutEventType{}
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	g.Expect(types).To(Equal([]v1.RolloutEventType{
		v1.RolloutEventStarted,
		v1.RolloutEventStageAdvanced,
		v1.RolloutEventPaused,
		v1.RolloutEventRollbackInitiated,
		v1.RolloutEventRollbackCompleted,
	}))

	// Limit keeps the newest entries.
	tail := c.Events(r.RolloutID, 2)
	g.Expect(tail).To(HaveLen(2))
	g.Expect(tail[1].Type).To(Equal(v1.RolloutEventRollbackCompleted))

	persisted, err := store.LoadRolloutEvents()
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(persisted).To(HaveLen(5))
}

func TestAutoProgressionAdvances(t *testing.T) {
	g := NewWithT(t)
	metrics := &fakeMetrics{m: Metrics{SessionsStarted: 500, FailureRate: 0.01, DisconnectRate: 0.01}}
	c, clk, _ := newTestController(testRolloutConfig(), metrics)
	seedOrgs(t, c, 10)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())

	// Stage delay (24h for stable) has not elapsed.
	clk.Step(time.Hour)
	c.CheckAndProgress()
	got, _ := c.Get(r.RolloutID)
	g.Expect(got.CurrentPercentage).To(Equal(1))

	clk.Step(24 * time.Hour)
	c.CheckAndProgress()
	got, _ = c.Get(r.RolloutID)
	g.Expect(got.CurrentPercentage).To(Equal(10))
}

func TestAutoProgressionWaitsForSessionVolume(t *testing.T) {
	g := NewWithT(t)
	metrics := &fakeMetrics{m: Metrics{SessionsStarted: 10, FailureRate: 0.50}}
	c, clk, _ := newTestController(testRolloutConfig(), metrics)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())

	clk.Step(25 * time.Hour)
	c.CheckAndProgress()

	// Too few sessions to trust the failure rate: neither advanced nor
	// rolled back.
	got, _ := c.Get(r.RolloutID)
	g.Expect(got.State).To(Equal(v1.RolloutStateRollingOut))
	g.Expect(got.CurrentPercentage).To(Equal(1))
}

func TestAutoProgressionRollsBackOnFailures(t *testing.T) {
	g := NewWithT(t)
	metrics := &fakeMetrics{m: Metrics{SessionsStarted: 500, FailureRate: 0.20}}
	c, clk, _ := newTestController(testRolloutConfig(), metrics)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())

	clk.Step(25 * time.Hour)
	c.CheckAndProgress()

	got, _ := c.Get(r.RolloutID)
	g.Expect(got.State).To(Equal(v1.RolloutStateRolledBack))
	g.Expect(got.Error).To(ContainSubstring("failure rate"))
}

func TestAutoProgressionSkipsPaused(t *testing.T) {
	g := NewWithT(t)
	metrics := &fakeMetrics{m: Metrics{SessionsStarted: 500}}
	c, clk, _ := newTestController(testRolloutConfig(), metrics)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(c.PauseRollout(r.RolloutID)).To(Succeed())

	clk.Step(25 * time.Hour)
	c.CheckAndProgress()

	got, _ := c.Get(r.RolloutID)
	g.Expect(got.State).To(Equal(v1.RolloutStatePaused))
	g.Expect(got.CurrentPercentage).To(Equal(1))
}

func TestRestoreRoundTrip(t *testing.T) {
	g := NewWithT(t)
	c, clk, store := newTestController(testRolloutConfig(), nil)
	seedOrgs(t, c, 3)

	r, err := c.InitiateRollout(testBuild("b-1"), v1.ChannelStable, passedCanary(1.0))
	g.Expect(err).ToNot(HaveOccurred())

	restored := New(logr.Discard(), clk, testRolloutConfig(), store, nil)
	g.Expect(restored.Restore()).To(Succeed())

	got, err := restored.Get(r.RolloutID)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got.State).To(Equal(v1.RolloutStateRollingOut))
	g.Expect(restored.ListOrgConfigs()).To(HaveLen(3))
	g.Expect(restored.Events(r.RolloutID, 0)).To(HaveLen(1))
}
