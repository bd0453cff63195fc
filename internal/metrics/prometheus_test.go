package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	m, err := NewPrometheusMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m
}

func TestNewPrometheusMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(reg); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewPrometheusMetrics(reg); err == nil {
		t.Fatal("expected error registering the same collectors twice")
	}
}

func TestPrometheus_LicenseCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.IncLicensesIssued("yearly")
	m.IncLicensesIssued("yearly")
	m.IncLicensesIssued("lifetime")
	m.IncValidations("valid")
	m.IncActivations("activation_limit")
	m.AddStatusChanges("expired", 5)

	if v := testutil.ToFloat64(m.LicensesIssued.WithLabelValues("yearly")); v != 2 {
		t.Errorf("expected 2 yearly, got %f", v)
	}
	if v := testutil.ToFloat64(m.LicensesIssued.WithLabelValues("lifetime")); v != 1 {
		t.Errorf("expected 1 lifetime, got %f", v)
	}
	if v := testutil.ToFloat64(m.Validations.WithLabelValues("valid")); v != 1 {
		t.Errorf("expected 1 validation, got %f", v)
	}
	if v := testutil.ToFloat64(m.Activations.WithLabelValues("activation_limit")); v != 1 {
		t.Errorf("expected 1 limited activation, got %f", v)
	}
	if v := testutil.ToFloat64(m.StatusChanges.WithLabelValues("expired")); v != 5 {
		t.Errorf("expected 5 expirations, got %f", v)
	}
}

func TestPrometheus_OperationalCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordWebhookEvent("checkout.session.completed", "created")
	m.RecordEmail("license_key", "sent")
	m.RecordReleaseFetch("cache")
	m.SetEmailQueueDepth(7)

	if v := testutil.ToFloat64(m.WebhookEvents.WithLabelValues("checkout.session.completed", "created")); v != 1 {
		t.Errorf("expected 1 webhook event, got %f", v)
	}
	if v := testutil.ToFloat64(m.EmailsSent.WithLabelValues("license_key", "sent")); v != 1 {
		t.Errorf("expected 1 email, got %f", v)
	}
	if v := testutil.ToFloat64(m.ReleaseFetches.WithLabelValues("cache")); v != 1 {
		t.Errorf("expected 1 release fetch, got %f", v)
	}
	if v := testutil.ToFloat64(m.EmailQueueDepth); v != 7 {
		t.Errorf("expected queue depth 7, got %f", v)
	}
}

func TestPrometheus_MiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMetrics(t)

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/api/download", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/download", nil))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if v := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/download", "200")); v != 1 {
		t.Errorf("expected 1 request for route, got %f", v)
	}
	if v := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")); v != 1 {
		t.Errorf("expected 1 unmatched request, got %f", v)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "nukemymac_http_requests_total") {
		t.Error("expected http request counter in exposition output")
	}
}
