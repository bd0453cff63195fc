package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nukemymac/nukemymac-server/internal/license"
)

// LicenseService is the part of license.Service used by the public license
// endpoints.
type LicenseService interface {
	CheckValidity(ctx context.Context, key string) (license.Result, error)
	Activate(ctx context.Context, key, machineID string) (license.Result, error)
	LicenseForSession(ctx context.Context, sessionID string) (*license.License, error)
}

// ValidateRequest is the body of POST /api/validate.
type ValidateRequest struct {
	Key       string `json:"key"`
	Activate  bool   `json:"activate"`
	MachineID string `json:"machineId"`
}

// ValidateResponse is the body returned by POST /api/validate. Business
// rejections are reported with Valid=false and a Code.
type ValidateResponse struct {
	Valid     bool              `json:"valid"`
	Tier      license.Tier      `json:"tier,omitempty"`
	Activated *bool             `json:"activated,omitempty"`
	ExpiresAt *string           `json:"expiresAt,omitempty"`
	CreatedAt *string           `json:"createdAt,omitempty"`
	Error     string            `json:"error,omitempty"`
	Code      license.ErrorKind `json:"code,omitempty"`
}

// LicenseSummary is the subset of a license shown on the checkout success page.
type LicenseSummary struct {
	Key   string       `json:"key"`
	Tier  license.Tier `json:"tier"`
	Email string       `json:"email"`
}

// LicenseHandler serves license validation and post-checkout lookup.
type LicenseHandler struct {
	licenses LicenseService
	logger   zerolog.Logger
}

// NewLicenseHandler creates a new LicenseHandler.
func NewLicenseHandler(licenses LicenseService, logger zerolog.Logger) *LicenseHandler {
	return &LicenseHandler{
		licenses: licenses,
		logger:   logger.With().Str("component", "license_handler").Logger(),
	}
}

// RegisterRoutes registers license routes on the /api group.
func (h *LicenseHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/validate", h.Validate)
	r.GET("/license", h.GetBySession)
}

// Validate checks a license key and optionally activates it.
// POST /api/validate
func (h *LicenseHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ValidateResponse{Error: "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		c.JSON(http.StatusBadRequest, ValidateResponse{Error: "License key is required"})
		return
	}

	var (
		res license.Result
		err error
	)
	if req.Activate {
		res, err = h.licenses.Activate(c.Request.Context(), req.Key, req.MachineID)
	} else {
		res, err = h.licenses.CheckValidity(c.Request.Context(), req.Key)
	}
	if err != nil {
		if errors.Is(err, license.ErrUnavailable) {
			h.logger.Error().Err(err).Msg("license store unavailable during validation")
			c.JSON(http.StatusServiceUnavailable, ValidateResponse{Error: "License service temporarily unavailable"})
			return
		}
		h.logger.Error().Err(err).Msg("license validation failed")
		c.JSON(http.StatusInternalServerError, ValidateResponse{Error: "Validation failed"})
		return
	}

	c.JSON(http.StatusOK, toValidateResponse(res))
}

func toValidateResponse(res license.Result) ValidateResponse {
	if !res.Valid {
		resp := ValidateResponse{Error: res.Kind.Message(), Code: res.Kind}
		if res.Kind == license.KindActivationLimit {
			resp.Tier = res.Tier
		}
		return resp
	}

	lic := res.License
	activated := lic.ActivatedAt != nil || lic.ActivationCount > 0
	createdAt := lic.CreatedAt.UTC().Format(time.RFC3339)
	resp := ValidateResponse{
		Valid:     true,
		Tier:      lic.Tier,
		Activated: &activated,
		CreatedAt: &createdAt,
	}
	if lic.ExpiresAt != nil {
		expiresAt := lic.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &expiresAt
	}
	return resp
}

// GetBySession returns the license issued for a checkout session, or null
// while the payment webhook has not been processed yet.
// GET /api/license?session_id=
func (h *LicenseHandler) GetBySession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session ID is required"})
		return
	}

	lic, err := h.licenses.LicenseForSession(c.Request.Context(), sessionID)
	switch {
	case errors.Is(err, license.ErrNotFound):
		c.JSON(http.StatusOK, gin.H{"license": nil})
		return
	case errors.Is(err, license.ErrUnavailable):
		h.logger.Error().Err(err).Msg("license store unavailable during session lookup")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to fetch license"})
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("failed to fetch license by session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch license"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"license": LicenseSummary{
		Key:   lic.Key,
		Tier:  lic.Tier,
		Email: lic.Email,
	}})
}
