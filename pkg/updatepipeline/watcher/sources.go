package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	v1 "github.com/codefleet/codefleet/api/control/v1"
)

// SourceType names an upstream release channel kind.
type SourceType string

const (
	SourceNPM            SourceType = "npm"
	SourceGitHubReleases SourceType = "github_releases"
	SourceHomebrew       SourceType = "homebrew"
	SourceCustom         SourceType = "custom"
)

// Source describes one upstream location to poll for a provider's latest
// release. URL overrides the default endpoint derived from Package.
type Source struct {
	Provider v1.ProviderID `json:"provider"`
	Type     SourceType    `json:"type"`
	// Package is the npm package, "owner/repo", or homebrew formula name.
	Package         string `json:"package,omitempty"`
	URL             string `json:"url,omitempty"`
	CheckIntervalMs int    `json:"checkIntervalMs,omitempty"`
}

// Fetcher retrieves the latest published version string for a source.
type Fetcher interface {
	LatestVersion(ctx context.Context, s Source) (string, error)
}

// HTTPFetcher resolves versions from the public npm registry, the GitHub
// releases API, the homebrew formula API, or a custom URL returning the
// version as its body.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

const maxResponseBytes = 1 << 20

func (f *HTTPFetcher) LatestVersion(ctx context.Context, s Source) (string, error) {
	url := s.URL
	if url == "" {
		switch s.Type {
		case SourceNPM:
			url = fmt.Sprintf("https://registry.npmjs.org/%s/latest", s.Package)
		case SourceGitHubReleases:
			url = fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", s.Package)
		case SourceHomebrew:
			url = fmt.Sprintf("https://formulae.brew.sh/api/formula/%s.json", s.Package)
		default:
			return "", fmt.Errorf("source for provider %s has no URL", s.Provider)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	return extractVersion(s.Type, body)
}

func extractVersion(t SourceType, body []byte) (string, error) {
	switch t {
	case SourceNPM:
		var pkg struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(body, &pkg); err != nil {
			return "", fmt.Errorf("decoding npm response: %w", err)
		}
		return pkg.Version, nil
	case SourceGitHubReleases:
		var release struct {
			TagName string `json:"tag_name"`
		}
		if err := json.Unmarshal(body, &release); err != nil {
			return "", fmt.Errorf("decoding github release: %w", err)
		}
		return release.TagName, nil
	case SourceHomebrew:
		var formula struct {
			Versions struct {
				Stable string `json:"stable"`
			} `json:"versions"`
		}
		if err := json.Unmarshal(body, &formula); err != nil {
			return "", fmt.Errorf("decoding homebrew formula: %w", err)
		}
		return formula.Versions.Stable, nil
	case SourceCustom:
		return strings.TrimSpace(string(body)), nil
	}
	return "", fmt.Errorf("unknown source type %q", t)
}
