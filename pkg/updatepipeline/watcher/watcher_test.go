package watcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/support/config"
)

type fakeFetcher struct {
	versions map[v1.ProviderID]string
	err      error
	calls    int
}

func (f *fakeFetcher) LatestVersion(_ context.Context, s Source) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.versions[s.Provider], nil
}

func testWatcherConfig() config.WatcherConfig {
	return config.WatcherConfig{DefaultCheckIntervalMs: 300000, HTTPTimeoutMs: 10000}
}

func newTestWatcher(sources []Source, f Fetcher) (*Watcher, *clocktesting.FakeClock, *[]Event) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	w := New(logr.Discard(), clk, testWatcherConfig(), sources, f)
	var got []Event
	w.Subscribe(func(ev Event) { got = append(got, ev) })
	return w, clk, &got
}

func TestDiscoverNewVersion(t *testing.T) {
	g := NewWithT(t)
	f := &fakeFetcher{versions: map[v1.ProviderID]string{v1.ProviderCodex: "v1.2.3"}}
	src := Source{Provider: v1.ProviderCodex, Type: SourceNPM, Package: "codex", URL: "http://example.test"}
	w, _, got := newTestWatcher([]Source{src}, f)

	w.Check(context.Background(), src)

	g.Expect(*got).To(HaveLen(1))
	g.Expect((*got)[0].Type).To(Equal(EventVersionDiscovered))
	g.Expect((*got)[0].Version).To(Equal("1.2.3"))
	g.Expect((*got)[0].PreviousVersion).To(BeEmpty())

	latest, ok := w.LatestVersion(v1.ProviderCodex)
	g.Expect(ok).To(BeTrue())
	g.Expect(latest).To(Equal("1.2.3"))

	// Same version again is silent.
	w.Check(context.Background(), src)
	g.Expect(*got).To(HaveLen(1))

	// A newer release carries the previous version.
	f.versions[v1.ProviderCodex] = "1.3.0"
	w.Check(context.Background(), src)
	g.Expect(*got).To(HaveLen(2))
	g.Expect((*got)[1].Version).To(Equal("1.3.0"))
	g.Expect((*got)[1].PreviousVersion).To(Equal("1.2.3"))
}

func TestCheckErrorLeavesVersionUnchanged(t *testing.T) {
	g := NewWithT(t)
	f := &fakeFetcher{versions: map[v1.ProviderID]string{v1.ProviderCodex: "1.0.0"}}
	src := Source{Provider: v1.ProviderCodex, Type: SourceCustom, URL: "http://example.test"}
	w, _, got := newTestWatcher([]Source{src}, f)

	w.Check(context.Background(), src)
	g.Expect(*got).To(HaveLen(1))

	f.err = errors.New("connection refused")
	w.Check(context.Background(), src)

	g.Expect(*got).To(HaveLen(2))
	g.Expect((*got)[1].Type).To(Equal(EventCheckError))
	g.Expect((*got)[1].Err).To(HaveOccurred())
	latest, _ := w.LatestVersion(v1.ProviderCodex)
	g.Expect(latest).To(Equal("1.0.0"))
}

func TestUnparsableVersionIsCheckError(t *testing.T) {
	g := NewWithT(t)
	f := &fakeFetcher{versions: map[v1.ProviderID]string{v1.ProviderCodex: "latest-build"}}
	src := Source{Provider: v1.ProviderCodex, Type: SourceCustom, URL: "http://example.test"}
	w, _, got := newTestWatcher([]Source{src}, f)

	w.Check(context.Background(), src)

	g.Expect(*got).To(HaveLen(1))
	g.Expect((*got)[0].Type).To(Equal(EventCheckError))
	_, ok := w.LatestVersion(v1.ProviderCodex)
	g.Expect(ok).To(BeFalse())
}

func TestCheckDueHonorsPerSourceInterval(t *testing.T) {
	g := NewWithT(t)
	f := &fakeFetcher{versions: map[v1.ProviderID]string{v1.ProviderCodex: "1.0.0"}}
	src := Source{Provider: v1.ProviderCodex, Type: SourceCustom, URL: "http://example.test", CheckIntervalMs: 60000}
	w, clk, _ := newTestWatcher([]Source{src}, f)

	w.CheckDue(context.Background())
	g.Expect(f.calls).To(Equal(1))

	// Not due yet.
	clk.Step(30 * time.Second)
	w.CheckDue(context.Background())
	g.Expect(f.calls).To(Equal(1))

	clk.Step(31 * time.Second)
	w.CheckDue(context.Background())
	g.Expect(f.calls).To(Equal(2))
}

func TestRegisterHeartbeatVersion(t *testing.T) {
	g := NewWithT(t)
	w, _, got := newTestWatcher(nil, &fakeFetcher{})

	w.RegisterHeartbeatVersion(v1.ProviderClaudeCode, "2.1.0")

	g.Expect(*got).To(HaveLen(1))
	g.Expect((*got)[0].Type).To(Equal(EventVersionDiscovered))
	g.Expect((*got)[0].Provider).To(Equal(v1.ProviderClaudeCode))
	g.Expect((*got)[0].SourceURL).To(Equal("runner-heartbeat"))

	// Heartbeats for the already-known version are silent.
	w.RegisterHeartbeatVersion(v1.ProviderClaudeCode, "v2.1.0")
	g.Expect(*got).To(HaveLen(1))
}

func TestHTTPFetcherParsesSources(t *testing.T) {
	g := NewWithT(t)

	bodies := map[string]string{
		"/npm":      `{"name":"codex","version":"3.4.5"}`,
		"/github":   `{"tag_name":"v0.9.1"}`,
		"/homebrew": `{"versions":{"stable":"1.1.2","head":"HEAD"}}`,
		"/custom":   "2.0.0\n",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = rw.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	cases := []struct {
		name string
		src  Source
		want string
	}{
		{"npm", Source{Type: SourceNPM, URL: srv.URL + "/npm"}, "3.4.5"},
		{"github", Source{Type: SourceGitHubReleases, URL: srv.URL + "/github"}, "v0.9.1"},
		{"homebrew", Source{Type: SourceHomebrew, URL: srv.URL + "/homebrew"}, "1.1.2"},
		{"custom", Source{Type: SourceCustom, URL: srv.URL + "/custom"}, "2.0.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.LatestVersion(context.Background(), tc.src)
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(got).To(Equal(tc.want))
		})
	}

	_, err := f.LatestVersion(context.Background(), Source{Type: SourceCustom, URL: srv.URL + "/missing"})
	g.Expect(err).To(HaveOccurred())
}
