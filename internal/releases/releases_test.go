package releases

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sampleRelease() githubRelease {
	return githubRelease{
		TagName:     "v1.4.2",
		Name:        "NukeMyMac 1.4.2",
		Body:        "- Faster scans",
		HTMLURL:     "https://github.com/bumahkib7/NukeMyMac/releases/tag/v1.4.2",
		PublishedAt: "2025-02-20T10:00:00Z",
		Assets: []githubAsset{
			{Name: "checksums.txt", BrowserDownloadURL: "https://example.com/checksums.txt", Size: 120},
			{Name: "NukeMyMac-1.4.2.dmg", BrowserDownloadURL: "https://example.com/NukeMyMac-1.4.2.dmg", Size: 15938355, DownloadCount: 42},
		},
	}
}

// newTestCache serves the handler as the GitHub API.
func newTestCache(t *testing.T, handler http.HandlerFunc) (*Cache, *fakeClock) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.APIBaseURL = srv.URL
	return NewCache(cfg, zerolog.Nop(), WithClock(clock.Now)), clock
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 Bytes"},
		{500, "500 Bytes"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{1048576, "1 MB"},
		{15938355, "15.2 MB"},
		{3 * 1024 * 1024 * 1024, "3 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatBytes(tt.input); got != tt.expected {
				t.Errorf("formatBytes(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Repo != DefaultRepo {
		t.Errorf("Repo = %q, want %q", cfg.Repo, DefaultRepo)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
}

func TestLatest_FetchesAndMaps(t *testing.T) {
	var gotPath, gotAccept string
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		_ = json.NewEncoder(w).Encode(sampleRelease())
	})

	info, source, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if source != SourceUpstream {
		t.Errorf("source = %q, want upstream", source)
	}
	if gotPath != "/repos/bumahkib7/NukeMyMac/releases/latest" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotAccept != "application/vnd.github.v3+json" {
		t.Errorf("unexpected Accept %q", gotAccept)
	}
	if info.Version != "1.4.2" {
		t.Errorf("Version = %q, want 1.4.2", info.Version)
	}
	if info.DownloadURL == nil || *info.DownloadURL != "https://example.com/NukeMyMac-1.4.2.dmg" {
		t.Errorf("unexpected DownloadURL %v", info.DownloadURL)
	}
	if info.DownloadSize == nil || *info.DownloadSize != "15.2 MB" {
		t.Errorf("unexpected DownloadSize %v", info.DownloadSize)
	}
	if info.DownloadCount != 42 {
		t.Errorf("DownloadCount = %d, want 42", info.DownloadCount)
	}
	if info.Changelog != "- Faster scans" {
		t.Errorf("unexpected Changelog %q", info.Changelog)
	}
}

func TestLatest_NoDMGAsset(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		rel := sampleRelease()
		rel.Assets = rel.Assets[:1]
		rel.Body = ""
		_ = json.NewEncoder(w).Encode(rel)
	})

	info, _, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if info.DownloadURL != nil || info.DownloadSize != nil {
		t.Error("expected no download without a .dmg asset")
	}
	if info.Changelog != "No changelog available" {
		t.Errorf("unexpected Changelog %q", info.Changelog)
	}
}

func TestLatest_CachesForTTL(t *testing.T) {
	var calls atomic.Int32
	c, clock := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(sampleRelease())
	})
	ctx := context.Background()

	if _, _, err := c.Latest(ctx); err != nil {
		t.Fatalf("Latest() error: %v", err)
	}

	clock.Advance(4 * time.Minute)
	_, source, _ := c.Latest(ctx)
	if source != SourceCache {
		t.Errorf("source = %q, want cache", source)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call within TTL, got %d", calls.Load())
	}

	clock.Advance(2 * time.Minute)
	_, source, _ = c.Latest(ctx)
	if source != SourceUpstream {
		t.Errorf("source = %q, want upstream after TTL", source)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls after TTL, got %d", calls.Load())
	}
}

func TestLatest_PlaceholderOn404(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	info, source, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if source != SourcePlaceholder {
		t.Errorf("source = %q, want placeholder", source)
	}
	if info.Version != "1.0.0" || info.Changelog != "Initial release" {
		t.Errorf("unexpected placeholder %+v", info)
	}
	if info.ReleaseURL != "https://github.com/bumahkib7/NukeMyMac/releases" {
		t.Errorf("unexpected ReleaseURL %q", info.ReleaseURL)
	}
	if info.DownloadURL != nil || info.DownloadCount != 0 {
		t.Error("placeholder has no download")
	}
	if source.Cacheable() {
		t.Error("placeholder should not be cacheable")
	}
}

func TestLatest_StaleOnError(t *testing.T) {
	var fail atomic.Bool
	c, clock := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(sampleRelease())
	})
	ctx := context.Background()

	if _, _, err := c.Latest(ctx); err != nil {
		t.Fatalf("Latest() error: %v", err)
	}

	fail.Store(true)
	clock.Advance(10 * time.Minute)

	info, source, err := c.Latest(ctx)
	if err != nil {
		t.Fatalf("expected stale value, got error: %v", err)
	}
	if source != SourceStale {
		t.Errorf("source = %q, want stale", source)
	}
	if info.Version != "1.4.2" {
		t.Errorf("Version = %q, want cached 1.4.2", info.Version)
	}
}

func TestLatest_ErrorWithoutCache(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, _, err := c.Latest(context.Background()); err == nil {
		t.Fatal("expected error with empty cache")
	}
}

func TestLatest_ReturnsCopies(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sampleRelease())
	})
	ctx := context.Background()

	first, _, _ := c.Latest(ctx)
	first.Version = "tampered"

	second, _, _ := c.Latest(ctx)
	if second.Version != "1.4.2" {
		t.Errorf("cache was mutated through a returned value: %q", second.Version)
	}
}
