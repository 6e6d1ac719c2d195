package telemetry

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// durationBuckets covers sub-millisecond cache hits up to slow upstreams.
var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "http_requests_total",
		Help:      "Total number of proxied HTTP requests.",
	},
	[]string{"tenant_id", "method", "route", "status_code"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "End-to-end request duration in seconds.",
		Buckets:   durationBuckets,
	},
	[]string{"tenant_id", "method", "route"},
)

var ActiveConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_connections",
		Help:      "Number of requests currently in flight.",
	},
)

var UpstreamRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "upstream_requests_total",
		Help:      "Total number of upstream request attempts.",
	},
	[]string{"tenant_id", "upstream", "method", "status_code"},
)

var UpstreamRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upstream_request_duration_seconds",
		Help:      "Upstream request attempt duration in seconds.",
		Buckets:   durationBuckets,
	},
	[]string{"tenant_id", "upstream", "method"},
)

// CircuitBreakerState encodes CLOSED=0, OPEN=1, HALF_OPEN=2.
var CircuitBreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per upstream (0=closed, 1=open, 2=half-open).",
	},
	[]string{"tenant_id", "route_id", "upstream"},
)

var CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "circuit_breaker_transitions_total",
		Help:      "Total number of circuit breaker state transitions.",
	},
	[]string{"tenant_id", "route_id", "upstream", "from_state", "to_state"},
)

var RateLimitHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "rate_limit_hits_total",
		Help:      "Total number of rate-limited requests.",
	},
	[]string{"tenant_id"},
)

var RateLimitRemaining = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "rate_limit_remaining",
		Help:      "Remaining requests in the current rate-limit window.",
	},
	[]string{"tenant_id"},
)

// HealthCheckStatus encodes 0=unhealthy, 1=healthy.
var HealthCheckStatus = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "health_check_status",
		Help:      "Upstream health check status (0=unhealthy, 1=healthy).",
	},
	[]string{"tenant_id", "route_id", "upstream"},
)

var RetryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "retry_attempts_total",
		Help:      "Total number of retry attempts by attempt number.",
	},
	[]string{"tenant_id", "route_id", "attempt"},
)

// All returns all gateway metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveConnections,
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		CircuitBreakerState,
		CircuitBreakerTransitionsTotal,
		RateLimitHitsTotal,
		RateLimitRemaining,
		HealthCheckStatus,
		RetryAttemptsTotal,
	}
}

// NewMetricsRegistry creates a registry holding only the given application
// collectors; no Go runtime or process collectors are registered.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors...)
	return reg
}

// NormalizeUpstream strips the scheme and any trailing slash from an upstream
// URL so metric labels stay stable across equivalent spellings.
func NormalizeUpstream(url string) string {
	s := strings.TrimPrefix(url, "https://")
	s = strings.TrimPrefix(s, "http://")
	return strings.TrimSuffix(s, "/")
}
