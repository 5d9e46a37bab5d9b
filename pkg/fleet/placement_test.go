package fleet

import (
	"fmt"
	"testing"

	v1 "github.com/codefleet/codefleet/api/control/v1"

	. "github.com/onsi/gomega"
)

func TestSelectPrefersLowestUtilization(t *testing.T) {
	g := NewWithT(t)
	m, _ := newTestManager(testFleetConfig())

	a, _ := m.Register("host-a", v1.RunnerCapabilities{Providers: []v1.ProviderID{v1.ProviderCodex}, MaxConcurrentSessions: 10}, nil)
	b, _ := m.Register("host-b", v1.RunnerCapabilities{Providers: []v1.ProviderID{v1.ProviderCodex}, MaxConcurrentSessions: 2}, nil)

	// a: 2/10 = 0.2, b: 0/2 = 0.0 -> b wins.
	g.Expect(m.Assign(a.RunnerID, "s-1")).To(BeTrue())
	g.Expect(m.Assign(a.RunnerID, "s-2")).To(BeTrue())

	id, ok := m.Select(v1.ProviderCodex)
	g.Expect(ok).To(BeTrue())
	g.Expect(id).To(Equal(b.RunnerID))
}

func TestSelectTieBreaksByHostname(t *testing.T) {
	g := NewWithT(t)
	m, _ := newTestManager(testFleetConfig())

	a, _ := m.Register("host-a", caps(v1.ProviderCodex), nil)
	_, _ = m.Register("host-b", caps(v1.ProviderCodex), nil)

	id, ok := m.Select(v1.ProviderCodex)
	g.Expect(ok).To(BeTrue())
	g.Expect(id).To(Equal(a.RunnerID))
}

func TestSelectSkipsIneligibleRunners(t *testing.T) {
	g := NewWithT(t)
	m, _ := newTestManager(testFleetConfig())

	// Wrong provider.
	_, err := m.Register("host-gem", caps(v1.ProviderGeminiCLI), nil)
	g.Expect(err).NotTo(HaveOccurred())
	// Draining.
	d, _ := m.Register("host-drain", caps(v1.ProviderCodex), nil)
	_, err = m.Drain(d.RunnerID)
	g.Expect(err).NotTo(HaveOccurred())

	_, ok := m.Select(v1.ProviderCodex)
	g.Expect(ok).To(BeFalse())
}

func TestSelectHonorsLoadFactor(t *testing.T) {
	g := NewWithT(t)
	cfg := testFleetConfig()
	cfg.LoadFactor = 0.5
	m, _ := newTestManager(cfg)

	r, _ := m.Register("host-a", v1.RunnerCapabilities{Providers: []v1.ProviderID{v1.ProviderCodex}, MaxConcurrentSessions: 4}, nil)

	// Load factor 0.5 caps usable slots at 2 of 4.
	g.Expect(m.Assign(r.RunnerID, "s-1")).To(BeTrue())
	g.Expect(m.Assign(r.RunnerID, "s-2")).To(BeTrue())

	_, ok := m.Select(v1.ProviderCodex)
	g.Expect(ok).To(BeFalse())
	g.Expect(m.Assign(r.RunnerID, "s-3")).To(BeFalse())
}

func TestAssignIsAuthoritativeAndIdempotent(t *testing.T) {
	g := NewWithT(t)
	m, _ := newTestManager(testFleetConfig())

	r, _ := m.Register("host-a", v1.RunnerCapabilities{Providers: []v1.ProviderID{v1.ProviderCodex}, MaxConcurrentSessions: 1}, nil)

	g.Expect(m.Assign(r.RunnerID, "s-1")).To(BeTrue())
	// Same session again: no-op success, count unchanged.
	g.Expect(m.Assign(r.RunnerID, "s-1")).To(BeTrue())
	snap, _ := m.Get(r.RunnerID)
	g.Expect(snap.Load.ActiveSessions).To(Equal(1))

	// Full runner rejects a different session: the Select winner lost the
	// race.
	g.Expect(m.Assign(r.RunnerID, "s-2")).To(BeFalse())

	g.Expect(m.Release(r.RunnerID, "s-1")).To(BeTrue())
	g.Expect(m.Release(r.RunnerID, "s-1")).To(BeFalse())
	g.Expect(m.Assign(r.RunnerID, "s-2")).To(BeTrue())
}

func TestCapacityAggregates(t *testing.T) {
	g := NewWithT(t)
	m, _ := newTestManager(testFleetConfig())

	a, _ := m.Register("host-a", v1.RunnerCapabilities{Providers: []v1.ProviderID{v1.ProviderCodex}, MaxConcurrentSessions: 3}, nil)
	_, _ = m.Register("host-b", v1.RunnerCapabilities{Providers: []v1.ProviderID{v1.ProviderCodex, v1.ProviderOmnara}, MaxConcurrentSessions: 2}, nil)
	g.Expect(m.Assign(a.RunnerID, "s-1")).To(BeTrue())

	cap := m.Capacity()
	g.Expect(cap.OnlineCount).To(Equal(2))
	g.Expect(cap.TotalSlots).To(Equal(5))
	g.Expect(cap.UsedSlots).To(Equal(1))
	g.Expect(cap.ByProvider[v1.ProviderCodex]).To(Equal(4))
	g.Expect(cap.ByProvider[v1.ProviderOmnara]).To(Equal(2))
}

func TestCountsByStatusCoversWholeFleet(t *testing.T) {
	g := NewWithT(t)
	cfg := testFleetConfig()
	cfg.MaxRunners = 150
	m, _ := newTestManager(cfg)

	// More runners than one List page can hold.
	var last *v1.Runner
	for i := 0; i < 120; i++ {
		r, err := m.Register(fmt.Sprintf("host-%03d", i), caps(v1.ProviderCodex), nil)
		g.Expect(err).NotTo(HaveOccurred())
		last = r
	}
	_, err := m.Drain(last.RunnerID)
	g.Expect(err).NotTo(HaveOccurred())

	counts := m.CountsByStatus()
	g.Expect(counts[v1.RunnerStatusOnline]).To(Equal(119))
	g.Expect(counts[v1.RunnerStatusDraining]).To(Equal(1))
	g.Expect(counts[v1.RunnerStatusOffline]).To(BeZero())
}
