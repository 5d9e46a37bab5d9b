package config

import (
	"os"
	"path/filepath"
	"testing"

	gomega "github.com/onsi/gomega"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	g := gomega.NewWithT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
sessions:
  maxSessionsPerOrg: 3
fleet:
  loadFactor: 0.5
`
	g.Expect(os.WriteFile(path, []byte(doc), 0o644)).To(gomega.Succeed())

	cfg, err := Load(path)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(cfg.Sessions.MaxSessionsPerOrg).To(gomega.Equal(3))
	g.Expect(cfg.Fleet.LoadFactor).To(gomega.Equal(0.5))
	// Untouched sections keep defaults.
	g.Expect(cfg.Sessions.DefaultTimeoutMinutes).To(gomega.Equal(60))
	g.Expect(cfg.Realtime.PingIntervalMs).To(gomega.Equal(15000))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "zero load factor",
			mutate:  func(c *Config) { c.Fleet.LoadFactor = 0 },
			wantErr: "loadFactor",
		},
		{
			name:    "load factor above one",
			mutate:  func(c *Config) { c.Fleet.LoadFactor = 1.5 },
			wantErr: "loadFactor",
		},
		{
			name:    "zero sessions per org",
			mutate:  func(c *Config) { c.Sessions.MaxSessionsPerOrg = 0 },
			wantErr: "maxSessionsPerOrg",
		},
		{
			name:    "zero sweep rate limit",
			mutate:  func(c *Config) { c.Updates.Sweep.DefaultRateLimit = 0 },
			wantErr: "defaultRateLimit",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := gomega.NewWithT(t)
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				g.Expect(err).NotTo(gomega.HaveOccurred())
			} else {
				g.Expect(err).To(gomega.MatchError(gomega.ContainSubstring(tc.wantErr)))
			}
		})
	}
}
