package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "seed"

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)

	// ResourceOps counts resource handler operations by resource, operation
	// and outcome ("ok", "not_found", "client_error", "error").
	ResourceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "resource_operations_total", Help: "Resource operations by outcome."},
		[]string{"resource", "op", "outcome"},
	)
	ResourceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "resource_operation_duration_seconds", Help: "Duration of resource operations.", Buckets: prometheus.DefBuckets},
		[]string{"resource", "op"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total number of HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "Duration of HTTP requests in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
	HTTPInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "http_requests_inflight", Help: "Current number of in-flight HTTP requests."},
	)

	// AdminRuns counts administrative commands (init, migrate, drop, dump).
	AdminRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "admin_runs_total", Help: "Administrative command runs by outcome."},
		[]string{"command", "outcome"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(ResourceOps)
	reg.MustRegister(ResourceLatency)
	reg.MustRegister(HTTPRequests)
	reg.MustRegister(HTTPLatency)
	reg.MustRegister(HTTPInflight)
	reg.MustRegister(AdminRuns)
}
