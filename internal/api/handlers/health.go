package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const healthCheckTimeout = 5 * time.Second

// HealthStatus is the state reported for the service or one dependency.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the outcome of probing one dependency.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health and GET /health/db.
type HealthResponse struct {
	Status HealthStatus                  `json:"status"`
	Checks map[string]*HealthCheckResult `json:"checks,omitempty"`
	Error  string                        `json:"error,omitempty"`
}

// DatabaseHealthChecker is implemented by both license stores.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// DependencyCheck is an extra named probe reported by GET /health, such as
// the shared rate limit store.
type DependencyCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HealthHandler reports whether the license store and optional
// dependencies are reachable.
type HealthHandler struct {
	db     DatabaseHealthChecker
	deps   []DependencyCheck
	logger zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db DatabaseHealthChecker, logger zerolog.Logger, deps ...DependencyCheck) *HealthHandler {
	return &HealthHandler{
		db:     db,
		deps:   deps,
		logger: logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers /health and /health/db on the engine root.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Overall)
	r.GET("/health/db", h.Database)
}

// Overall probes the store and every dependency concurrently.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]*HealthCheckResult, len(h.deps)+1)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(name string, result *HealthCheckResult) {
		mu.Lock()
		checks[name] = result
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		record("database", h.checkDatabase(ctx))
	}()
	for _, dep := range h.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(dep.Name, h.checkDependency(ctx, dep))
		}()
	}
	wg.Wait()

	h.respond(c, &HealthResponse{Status: worst(checks), Checks: checks})
}

// Database probes only the license store.
// GET /health/db
func (h *HealthHandler) Database(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	result := h.checkDatabase(ctx)
	h.respond(c, &HealthResponse{
		Status: result.Status,
		Checks: map[string]*HealthCheckResult{"database": result},
		Error:  result.Error,
	})
}

func (h *HealthHandler) respond(c *gin.Context, resp *HealthResponse) {
	code := http.StatusOK
	if resp.Status != HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func worst(checks map[string]*HealthCheckResult) HealthStatus {
	for _, r := range checks {
		if r.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy
		}
	}
	return HealthStatusHealthy
}

func (h *HealthHandler) checkDatabase(ctx context.Context) *HealthCheckResult {
	if h.db == nil {
		return &HealthCheckResult{Status: HealthStatusUnhealthy, Error: "database not configured"}
	}

	result := timed(ctx, h.db.Ping)
	if result.Status == HealthStatusUnhealthy {
		h.logger.Warn().Str("error", result.Error).Msg("database health check failed")
		result.Error = "database ping failed"
		return result
	}
	result.Details = h.db.Health()
	return result
}

func (h *HealthHandler) checkDependency(ctx context.Context, dep DependencyCheck) *HealthCheckResult {
	result := timed(ctx, dep.Probe)
	if result.Status == HealthStatusUnhealthy {
		h.logger.Warn().Str("dependency", dep.Name).Str("error", result.Error).Msg("health check failed")
		result.Error = dep.Name + " unreachable"
	}
	return result
}

// timed runs probe and records how long it took. Error holds the raw probe
// error until the caller replaces it with a client-safe message.
func timed(ctx context.Context, probe func(context.Context) error) *HealthCheckResult {
	start := time.Now()
	err := probe(ctx)
	result := &HealthCheckResult{
		Status:   HealthStatusHealthy,
		Duration: time.Since(start).String(),
	}
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = err.Error()
	}
	return result
}
