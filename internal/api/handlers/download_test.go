package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nukemymac/nukemymac-server/internal/releases"
)

type stubReleases struct {
	info   *releases.Info
	source releases.Source
	err    error
}

func (s *stubReleases) Latest(context.Context) (*releases.Info, releases.Source, error) {
	return s.info, s.source, s.err
}

func (s *stubReleases) TTL() time.Duration { return 5 * time.Minute }

func newDownloadRouter(src ReleaseSource) *gin.Engine {
	r, api := newTestRouter()
	NewDownloadHandler(src, zerolog.Nop()).RegisterRoutes(api)
	return r
}

func TestDownloadLatest(t *testing.T) {
	url := "https://example.com/NukeMyMac-1.4.2.dmg"
	size := "15.2 MB"
	info := &releases.Info{
		Version:       "1.4.2",
		Name:          "NukeMyMac 1.4.2",
		PublishedAt:   "2025-02-20T10:00:00Z",
		ReleaseURL:    "https://github.com/bumahkib7/NukeMyMac/releases/tag/v1.4.2",
		Changelog:     "- Faster scans",
		DownloadURL:   &url,
		DownloadSize:  &size,
		DownloadCount: 42,
	}

	tests := []struct {
		name         string
		source       releases.Source
		cacheControl string
	}{
		{"upstream", releases.SourceUpstream, "public, max-age=300"},
		{"cache", releases.SourceCache, "public, max-age=300"},
		{"stale", releases.SourceStale, "no-store"},
		{"placeholder", releases.SourcePlaceholder, "no-store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newDownloadRouter(&stubReleases{info: info, source: tt.source})

			w := doJSON(r, "GET", "/api/download", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", w.Code)
			}
			if got := w.Header().Get("Cache-Control"); got != tt.cacheControl {
				t.Fatalf("expected Cache-Control %q, got %q", tt.cacheControl, got)
			}

			var resp map[string]any
			decode(t, w, &resp)
			if resp["version"] != "1.4.2" || resp["downloadUrl"] != url || resp["downloadSize"] != size {
				t.Fatalf("unexpected response %v", resp)
			}
			if resp["downloadCount"] != float64(42) {
				t.Fatalf("unexpected downloadCount %v", resp["downloadCount"])
			}
		})
	}
}

func TestDownloadLatest_NoAsset(t *testing.T) {
	r := newDownloadRouter(&stubReleases{
		info:   &releases.Info{Version: "1.0.0", Changelog: "Initial release"},
		source: releases.SourcePlaceholder,
	})

	w := doJSON(r, "GET", "/api/download", nil)
	var resp map[string]any
	decode(t, w, &resp)
	if v, ok := resp["downloadUrl"]; !ok || v != nil {
		t.Fatalf("expected downloadUrl null, got %v", resp)
	}
}

func TestDownloadLatest_Error(t *testing.T) {
	r := newDownloadRouter(&stubReleases{err: errors.New("fetch latest release: GitHub API error: HTTP 502")})

	w := doJSON(r, "GET", "/api/download", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["error"] != "Failed to fetch release information" {
		t.Fatalf("unexpected error %q", resp["error"])
	}
}
