package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthzDecisionsTotal *prometheus.CounterVec

	// Credential issuance metrics
	ArtifactFetchesTotal    *prometheus.CounterVec
	IssuanceDuration        *prometheus.HistogramVec
	BindTokensIssuedTotal   prometheus.Counter
	BindTokensConsumedTotal prometheus.Counter
	LoginAttemptsTotal      *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permitd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_authz_decisions_total",
				Help: "Authorization decisions by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		ArtifactFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_artifact_fetches_total",
				Help: "Credential artifact fetches by kind and cache outcome",
			},
			[]string{"kind", "outcome"},
		),
		IssuanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permitd_issuance_duration_seconds",
				Help:    "Credential issuance duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		BindTokensIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permitd_bind_tokens_issued_total",
				Help: "Total number of bind tokens issued",
			},
		),
		BindTokensConsumedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permitd_bind_tokens_consumed_total",
				Help: "Total number of bind tokens consumed by a first grant",
			},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_login_attempts_total",
				Help: "Application login attempts by outcome",
			},
			[]string{"outcome"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permitd_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "permitd_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.ArtifactFetchesTotal,
		m.IssuanceDuration,
		m.BindTokensIssuedTotal,
		m.BindTokensConsumedTotal,
		m.LoginAttemptsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records a completed HTTP request
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveAuthzDecision records an authorization decision
func (m *Metrics) ObserveAuthzDecision(operation string, allowed bool) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.AuthzDecisionsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveArtifactFetch records a conditional artifact fetch
func (m *Metrics) ObserveArtifactFetch(kind string, notModified bool) {
	outcome := "regenerated"
	if notModified {
		outcome = "not_modified"
	}
	m.ArtifactFetchesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveLogin records an application login attempt
func (m *Metrics) ObserveLogin(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
}
