package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported by the HTTP layer.
const (
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
	MetricRateLimitDecisions    = "rate_limit_decisions_total"
	MetricRateLimitStoreErrors  = "rate_limit_store_errors_total"
)

// Rate limit decision outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeBlocked = "blocked"
)

var requestLabels = []string{"method", "route", "status"}

// Latency buckets stretch to 10s because POST /rank ranks inline.
var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.5, 2.5, 10}

// Ranking payloads run from a few hundred bytes to a few megabytes.
var sizeBuckets = prometheus.ExponentialBuckets(256, 4, 8)

// Metrics holds the HTTP layer's collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	requestSize  *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec
	rateLimit    *prometheus.CounterVec
	storeErrors  prometheus.Counter
}

// NewMetrics builds unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests served, by route and status.",
		}, requestLabels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "Time to serve an HTTP request.",
			Buckets: latencyBuckets,
		}, requestLabels),
		requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestSizeBytes,
			Help:    "Declared size of HTTP request bodies.",
			Buckets: sizeBuckets,
		}, requestLabels),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPResponseSizeBytes,
			Help:    "Bytes written in HTTP response bodies.",
			Buckets: sizeBuckets,
		}, requestLabels),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitDecisions,
			Help: "Rate limit decisions, by route and outcome.",
		}, []string{"route", "outcome"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitStoreErrors,
			Help: "Rate limit store failures; each one let a request through unchecked.",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests,
		m.duration,
		m.requestSize,
		m.responseSize,
		m.rateLimit,
		m.storeErrors,
	}
}

func (m *Metrics) observeRequest(method, route string, status int, elapsed time.Duration, in, out int64) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	m.requests.With(labels).Inc()
	m.duration.With(labels).Observe(elapsed.Seconds())
	m.requestSize.With(labels).Observe(float64(in))
	m.responseSize.With(labels).Observe(float64(out))
}

func (m *Metrics) observeRateLimit(route string, allowed bool) {
	if m == nil {
		return
	}
	outcome := OutcomeBlocked
	if allowed {
		outcome = OutcomeAllowed
	}
	m.rateLimit.WithLabelValues(route, outcome).Inc()
}

func (m *Metrics) incStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}
