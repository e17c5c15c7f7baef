package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	LoginAttemptsTotal          *prometheus.CounterVec
	RateLimitDecisionsTotal     *prometheus.CounterVec
	TokenVerificationsTotal     *prometheus.CounterVec
	SignatureVerificationsTotal *prometheus.CounterVec
	RefreshReuseTotal           prometheus.Counter
	CleanupDeletedTotal         *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors and registers them on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_http_requests_total",
				Help: "HTTP requests by method, route pattern and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authgate_http_request_duration_seconds",
				Help:    "HTTP request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_login_attempts_total",
				Help: "Login attempts by outcome.",
			},
			[]string{"outcome"},
		),
		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_rate_limit_decisions_total",
				Help: "Rate limiter decisions by scope.",
			},
			[]string{"scope", "decision"},
		),
		TokenVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_token_verifications_total",
				Help: "Access token verifications by result.",
			},
			[]string{"result"},
		),
		SignatureVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_signature_verifications_total",
				Help: "Signed request verifications by result.",
			},
			[]string{"result"},
		),
		RefreshReuseTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authgate_refresh_reuse_detected_total",
				Help: "Revoked refresh tokens presented again.",
			},
		),
		CleanupDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_cleanup_deleted_total",
				Help: "Records removed by cleanup runs.",
			},
			[]string{"kind"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.RateLimitDecisionsTotal,
		m.TokenVerificationsTotal,
		m.SignatureVerificationsTotal,
		m.RefreshReuseTotal,
		m.CleanupDeletedTotal,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency. The route label is the
// matched ServeMux pattern so ids in paths do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
