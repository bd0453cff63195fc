// Package metrics provides Prometheus metrics for the NukeMyMac server.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nukemymac"

// PrometheusMetrics holds every collector the server exports.
type PrometheusMetrics struct {
	LicensesIssued  *prometheus.CounterVec
	Validations     *prometheus.CounterVec
	Activations     *prometheus.CounterVec
	StatusChanges   *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
	EmailsSent      *prometheus.CounterVec
	ReleaseFetches  *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	EmailQueueDepth prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to keep them isolated.
func NewPrometheusMetrics(reg *prometheus.Registry) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		LicensesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "licenses_issued_total",
			Help:      "Licenses created from completed checkouts, by tier.",
		}, []string{"tier"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_validations_total",
			Help:      "License validity checks by result.",
		}, []string{"result"}),
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_activations_total",
			Help:      "License activation attempts by result.",
		}, []string{"result"}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_status_changes_total",
			Help:      "License status transitions by target status.",
		}, []string{"status"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_events_total",
			Help:      "Payment webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		EmailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_sent_total",
			Help:      "Outbound emails by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ReleaseFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_fetches_total",
			Help:      "Latest-release lookups by source.",
		}, []string{"source"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		EmailQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "email_queue_depth",
			Help:      "Emails waiting in the dispatch queue.",
		}),
		gatherer: reg,
	}

	collectors := []prometheus.Collector{
		m.LicensesIssued, m.Validations, m.Activations, m.StatusChanges,
		m.WebhookEvents, m.EmailsSent, m.ReleaseFetches,
		m.HTTPRequests, m.HTTPDuration, m.EmailQueueDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return m, nil
}

func (m *PrometheusMetrics) IncLicensesIssued(tier string) {
	m.LicensesIssued.WithLabelValues(tier).Inc()
}

func (m *PrometheusMetrics) IncValidations(result string) {
	m.Validations.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) IncActivations(result string) {
	m.Activations.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) AddStatusChanges(status string, n int64) {
	m.StatusChanges.WithLabelValues(status).Add(float64(n))
}

// RecordWebhookEvent counts one payment webhook delivery.
func (m *PrometheusMetrics) RecordWebhookEvent(eventType, outcome string) {
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordEmail counts one email delivery attempt outcome.
func (m *PrometheusMetrics) RecordEmail(kind, outcome string) {
	m.EmailsSent.WithLabelValues(kind, outcome).Inc()
}

// SetEmailQueueDepth reports the number of queued emails.
func (m *PrometheusMetrics) SetEmailQueueDepth(n int) {
	m.EmailQueueDepth.Set(float64(n))
}

// RecordReleaseFetch counts where a release answer came from: cache,
// upstream, stale or placeholder.
func (m *PrometheusMetrics) RecordReleaseFetch(source string) {
	m.ReleaseFetches.WithLabelValues(source).Inc()
}

// Middleware records request counts and latency by matched route.
func (m *PrometheusMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
