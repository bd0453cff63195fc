// Package api provides the HTTP API for the NukeMyMac server.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nukemymac/nukemymac-server/internal/api/handlers"
	"github.com/nukemymac/nukemymac-server/internal/api/middleware"
	"github.com/nukemymac/nukemymac-server/internal/license"
	"github.com/nukemymac/nukemymac-server/internal/metrics"
)

// Config holds configuration for the API router.
type Config struct {
	// AllowedOrigins for CORS. Empty allows every origin.
	AllowedOrigins []string
	// RateLimitRequests per RateLimitPeriod per client IP on /api routes.
	RateLimitRequests int64
	RateLimitPeriod   time.Duration
	// Redis, when set, shares rate limit counters between replicas.
	Redis *redis.Client
	// AdminTokenHash enables the admin routes when set.
	AdminTokenHash string
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		RateLimitRequests: 60,
		RateLimitPeriod:   time.Minute,
		Version:           "dev",
	}
}

// Licenses is everything the HTTP layer needs from the license service.
type Licenses interface {
	handlers.LicenseService
	handlers.LicenseAdmin
}

var _ Licenses = (*license.Service)(nil)

// Deps are the collaborators served by the router.
type Deps struct {
	Database handlers.DatabaseHealthChecker
	Licenses Licenses
	Checkout handlers.CheckoutCreator
	Webhooks handlers.WebhookProcessor
	Feedback handlers.FeedbackSubmitter
	Releases handlers.ReleaseSource
	// Metrics is optional. When nil no /metrics route is registered.
	Metrics *metrics.PrometheusMetrics
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Deps, logger zerolog.Logger) (*Router, error) {
	if deps.Licenses == nil || deps.Webhooks == nil {
		return nil, errors.New("license service and webhook processor are required")
	}

	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestID())
	r.Engine.Use(middleware.RequestLogger(logger))
	if deps.Metrics != nil {
		r.Engine.Use(deps.Metrics.Middleware())
	}
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins, logger))

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod, cfg.Redis)
	if err != nil {
		return nil, err
	}

	// Operational endpoints (no rate limit)
	var healthDeps []handlers.DependencyCheck
	if cfg.Redis != nil {
		healthDeps = append(healthDeps, handlers.DependencyCheck{
			Name: "redis",
			Probe: func(ctx context.Context) error {
				return cfg.Redis.Ping(ctx).Err()
			},
		})
	}
	handlers.NewHealthHandler(deps.Database, logger, healthDeps...).RegisterPublicRoutes(r.Engine)
	handlers.NewVersionHandler(cfg.Version, cfg.Commit, cfg.BuildDate).RegisterPublicRoutes(r.Engine)
	if deps.Metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := r.Engine.Group("/api")

	// Webhooks are not rate limited and accept full event objects.
	payments := handlers.NewPaymentsHandler(deps.Checkout, deps.Webhooks, logger)
	payments.RegisterWebhookRoutes(api.Group("", middleware.BodyLimitMiddleware(middleware.WebhookBodyLimit)))

	public := api.Group("", rateLimiter, middleware.BodyLimitMiddleware(middleware.DefaultBodyLimit))

	handlers.NewLicenseHandler(deps.Licenses, logger).RegisterRoutes(public)
	if deps.Checkout != nil {
		payments.RegisterRoutes(public)
	}
	if deps.Feedback != nil {
		handlers.NewContactHandler(deps.Feedback, logger).RegisterRoutes(public)
	}
	if deps.Releases != nil {
		handlers.NewDownloadHandler(deps.Releases, logger).RegisterRoutes(public)
	}

	if cfg.AdminTokenHash != "" {
		handlers.NewAdminHandler(deps.Licenses, cfg.AdminTokenHash, logger).RegisterRoutes(public)
		r.logger.Info().Msg("admin routes enabled")
	}

	return r, nil
}
