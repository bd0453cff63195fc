// Package releases serves information about the latest downloadable build
// of the app, cached from the GitHub releases API.
package releases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRepo is the GitHub repository that publishes the app.
	DefaultRepo = "bumahkib7/NukeMyMac"
	// DefaultAPIBaseURL is the GitHub REST API root.
	DefaultAPIBaseURL = "https://api.github.com"
	// DefaultCacheTTL is how long a fetched release is served without refetching.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultHTTPTimeout is the default HTTP timeout for API calls.
	DefaultHTTPTimeout = 10 * time.Second

	placeholderVersion = "1.0.0"
)

// errNoReleases is returned by fetch when the repository has no release yet.
var errNoReleases = errors.New("no releases found")

// Source tells where an Info came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceUpstream    Source = "upstream"
	SourceStale       Source = "stale"
	SourcePlaceholder Source = "placeholder"
)

// Cacheable reports whether a response from this source may be cached by
// clients.
func (s Source) Cacheable() bool {
	return s == SourceCache || s == SourceUpstream
}

// Info is the public description of the latest release.
type Info struct {
	Version       string  `json:"version"`
	Name          string  `json:"name"`
	PublishedAt   string  `json:"publishedAt"`
	ReleaseURL    string  `json:"releaseUrl"`
	Changelog     string  `json:"changelog"`
	DownloadURL   *string `json:"downloadUrl"`
	DownloadSize  *string `json:"downloadSize"`
	DownloadCount int     `json:"downloadCount"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
	DownloadCount      int    `json:"download_count"`
}

type githubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	Body        string        `json:"body"`
	HTMLURL     string        `json:"html_url"`
	PublishedAt string        `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

// Config holds configuration for the release cache.
type Config struct {
	// Repo is "owner/name".
	Repo        string
	APIBaseURL  string
	CacheTTL    time.Duration
	HTTPTimeout time.Duration
	UserAgent   string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Repo:        DefaultRepo,
		APIBaseURL:  DefaultAPIBaseURL,
		CacheTTL:    DefaultCacheTTL,
		HTTPTimeout: DefaultHTTPTimeout,
		UserAgent:   "NukeMyMac-Website",
	}
}

// Recorder counts where answers came from.
type Recorder interface {
	RecordReleaseFetch(source string)
}

type nopRecorder struct{}

func (nopRecorder) RecordReleaseFetch(string) {}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.httpClient = client }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

// Cache holds the most recent release and refreshes it after the TTL.
type Cache struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
	recorder   Recorder
	group      singleflight.Group

	mu        sync.RWMutex
	cached    *Info
	fetchedAt time.Time
}

// NewCache creates a new release Cache.
func NewCache(config Config, logger zerolog.Logger, opts ...Option) *Cache {
	def := DefaultConfig()
	if config.Repo == "" {
		config.Repo = def.Repo
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = def.APIBaseURL
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = def.HTTPTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}

	c := &Cache{
		config:     config,
		httpClient: &http.Client{Timeout: config.HTTPTimeout},
		logger:     logger.With().Str("component", "release_cache").Logger(),
		now:        time.Now,
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the cache lifetime, which is also the client max-age.
func (c *Cache) TTL() time.Duration {
	return c.config.CacheTTL
}

// Latest returns the latest release. A fresh cached value is returned
// without a network call. When GitHub has no release a placeholder is
// returned. When the fetch fails the last cached value is returned if any.
func (c *Cache) Latest(ctx context.Context) (*Info, Source, error) {
	if info, ok := c.fresh(); ok {
		c.recorder.RecordReleaseFetch(string(SourceCache))
		return info, SourceCache, nil
	}

	v, err, _ := c.group.Do("latest", func() (any, error) {
		return c.refresh(ctx)
	})
	if err == nil {
		info := *v.(*Info)
		c.recorder.RecordReleaseFetch(string(SourceUpstream))
		return &info, SourceUpstream, nil
	}

	if errors.Is(err, errNoReleases) {
		c.recorder.RecordReleaseFetch(string(SourcePlaceholder))
		return c.placeholder(), SourcePlaceholder, nil
	}

	c.logger.Warn().Err(err).Msg("failed to fetch latest release")

	c.mu.RLock()
	stale := c.cached
	c.mu.RUnlock()
	if stale != nil {
		info := *stale
		c.recorder.RecordReleaseFetch(string(SourceStale))
		return &info, SourceStale, nil
	}

	return nil, "", fmt.Errorf("fetch latest release: %w", err)
}

func (c *Cache) fresh() (*Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cached == nil || c.now().Sub(c.fetchedAt) >= c.config.CacheTTL {
		return nil, false
	}
	info := *c.cached
	return &info, true
}

func (c *Cache) refresh(ctx context.Context) (*Info, error) {
	release, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	info := toInfo(release)

	c.mu.Lock()
	c.cached = info
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.logger.Debug().Str("version", info.Version).Msg("refreshed latest release")
	return info, nil
}

func (c *Cache) fetch(ctx context.Context) (*githubRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(c.config.APIBaseURL, "/"), c.config.Repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNoReleases
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API error: HTTP %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	return &release, nil
}

func (c *Cache) placeholder() *Info {
	return &Info{
		Version:     placeholderVersion,
		Name:        "NukeMyMac v" + placeholderVersion,
		PublishedAt: c.now().UTC().Format(time.RFC3339),
		ReleaseURL:  fmt.Sprintf("https://github.com/%s/releases", c.config.Repo),
		Changelog:   "Initial release",
	}
}

func toInfo(r *githubRelease) *Info {
	info := &Info{
		Version:     strings.TrimPrefix(r.TagName, "v"),
		Name:        r.Name,
		PublishedAt: r.PublishedAt,
		ReleaseURL:  r.HTMLURL,
		Changelog:   r.Body,
	}
	if info.Changelog == "" {
		info.Changelog = "No changelog available"
	}

	for _, a := range r.Assets {
		if !strings.HasSuffix(a.Name, ".dmg") {
			continue
		}
		url := a.BrowserDownloadURL
		size := formatBytes(a.Size)
		info.DownloadURL = &url
		info.DownloadSize = &size
		info.DownloadCount = a.DownloadCount
		break
	}
	return info
}

// formatBytes renders a size with one decimal in 1024-based units,
// dropping a trailing ".0".
func formatBytes(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB"}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(units) {
		i = len(units) - 1
	}
	v := math.Round(float64(n)/math.Pow(1024, float64(i))*10) / 10
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + units[i]
}
