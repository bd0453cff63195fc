package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/nukemymac/nukemymac-server/internal/license"
)

// LicenseAdmin is the operator view of the license service.
type LicenseAdmin interface {
	Lookup(ctx context.Context, key string) (*license.License, error)
	Revoke(ctx context.Context, key string) (bool, error)
}

// AdminHandler serves operator endpoints guarded by a bearer token whose
// bcrypt hash is configured in ADMIN_TOKEN_HASH.
type AdminHandler struct {
	licenses  LicenseAdmin
	tokenHash []byte
	logger    zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(licenses LicenseAdmin, tokenHash string, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		licenses:  licenses,
		tokenHash: []byte(tokenHash),
		logger:    logger.With().Str("component", "admin_handler").Logger(),
	}
}

// RegisterRoutes registers admin routes on the /api group.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin/licenses", h.requireToken)
	{
		admin.GET("/:key", h.Get)
		admin.POST("/:key/revoke", h.Revoke)
	}
}

func (h *AdminHandler) requireToken(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" || len(h.tokenHash) == 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(h.tokenHash, []byte(token)); err != nil {
		h.logger.Warn().Str("client_ip", c.ClientIP()).Msg("rejected admin token")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	c.Next()
}

// Get returns the full stored record for a key.
// GET /api/admin/licenses/:key
func (h *AdminHandler) Get(c *gin.Context) {
	lic, err := h.licenses.Lookup(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.respondError(c, err, "lookup")
		return
	}
	c.JSON(http.StatusOK, lic)
}

// Revoke revokes a license. Revoking an already revoked license succeeds.
// POST /api/admin/licenses/:key/revoke
func (h *AdminHandler) Revoke(c *gin.Context) {
	key := license.NormalizeKey(c.Param("key"))

	ok, err := h.licenses.Revoke(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, err, "revoke")
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "License not found"})
		return
	}

	h.logger.Info().Str("client_ip", c.ClientIP()).Msg("license revoked by operator")
	c.JSON(http.StatusOK, gin.H{"key": key, "status": license.StatusRevoked})
}

func (h *AdminHandler) respondError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, license.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "License not found"})
	case errors.Is(err, license.ErrUnavailable):
		h.logger.Error().Err(err).Str("op", op).Msg("license store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "License store unavailable"})
	default:
		h.logger.Error().Err(err).Str("op", op).Msg("admin operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
