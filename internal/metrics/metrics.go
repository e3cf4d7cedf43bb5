// Package metrics provides Prometheus instrumentation for the WebQx gateway.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by route tag, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webqx_gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route tag and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webqx_gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveConnections tracks the number of in-flight requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webqx_gateway_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webqx_gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// ExchangeFailures counts downstream credential exchange failures.
	ExchangeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webqx_gateway_credential_exchange_failures_total",
			Help: "Total credential exchange failures against the token endpoint",
		},
	)

	// CredentialCacheHits counts credential cache lookups by result.
	CredentialCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webqx_gateway_credential_cache_lookups_total",
			Help: "Total credential cache lookups by result (hit, miss, expired)",
		},
		[]string{"result"},
	)

	// BreakerState reports the current circuit breaker state per group
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webqx_gateway_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"group"},
	)

	// BreakerTransitions counts state transitions per group.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webqx_gateway_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"group", "from", "to"},
	)

	// BreakerShortCircuits counts calls rejected without a downstream attempt.
	BreakerShortCircuits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webqx_gateway_breaker_short_circuits_total",
			Help: "Total calls short-circuited by an open breaker",
		},
		[]string{"group"},
	)

	// BreakerThreshold reports the current adaptive failure threshold per group.
	BreakerThreshold = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webqx_gateway_breaker_failure_threshold",
			Help: "Current adaptive consecutive-failure threshold",
		},
		[]string{"group"},
	)

	// DetectorClassifications counts pattern classifications by error code and class.
	DetectorClassifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webqx_gateway_error_pattern_classifications_total",
			Help: "Total error pattern classifications by code and class",
		},
		[]string{"code", "classification"},
	)

	// DownstreamErrors counts failed downstream calls by route tag and error code.
	DownstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webqx_gateway_downstream_errors_total",
			Help: "Total downstream call failures by classified error code",
		},
		[]string{"route", "code"},
	)

	// AuditDropped counts audit events dropped because the sink buffer was full.
	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webqx_gateway_audit_events_dropped_total",
			Help: "Total audit events dropped due to a full sink buffer",
		},
	)

	// RateLimitHits counts rate limit rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webqx_gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		AuthFailures,
		ExchangeFailures,
		CredentialCacheHits,
		BreakerState,
		BreakerTransitions,
		BreakerShortCircuits,
		BreakerThreshold,
		DetectorClassifications,
		DownstreamErrors,
		AuditDropped,
		RateLimitHits,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
