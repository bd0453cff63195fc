package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nukemymac/nukemymac-server/internal/releases"
)

// ReleaseSource returns the latest published build.
type ReleaseSource interface {
	Latest(ctx context.Context) (*releases.Info, releases.Source, error)
	TTL() time.Duration
}

// DownloadHandler serves the latest release for the download page.
type DownloadHandler struct {
	releases ReleaseSource
	logger   zerolog.Logger
}

// NewDownloadHandler creates a new DownloadHandler.
func NewDownloadHandler(src ReleaseSource, logger zerolog.Logger) *DownloadHandler {
	return &DownloadHandler{
		releases: src,
		logger:   logger.With().Str("component", "download_handler").Logger(),
	}
}

// RegisterRoutes registers GET /download on the /api group.
func (h *DownloadHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/download", h.Latest)
}

// Latest returns the latest release. Fresh answers may be cached by clients
// for the cache TTL; stale and placeholder answers may not.
// GET /api/download
func (h *DownloadHandler) Latest(c *gin.Context) {
	info, source, err := h.releases.Latest(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to fetch release information")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch release information"})
		return
	}

	if source.Cacheable() {
		c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.releases.TTL().Seconds())))
	} else {
		c.Header("Cache-Control", "no-store")
	}
	c.JSON(http.StatusOK, info)
}
