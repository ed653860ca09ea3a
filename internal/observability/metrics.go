package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Kazi.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox pool metrics.
	EnvironmentsCreatedTotal *prometheus.CounterVec
	EnvironmentsReusedTotal  *prometheus.CounterVec
	EnvironmentsExpiredTotal *prometheus.CounterVec
	PooledEnvironments       *prometheus.GaugeVec

	// Tool execution metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Context resolution metrics.
	ContextResolutionsTotal   *prometheus.CounterVec
	ContextResolutionDuration *prometheus.HistogramVec
	ContextDefinitionsTotal   *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		EnvironmentsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "environments_created_total",
			Help:      "Total execution environments created.",
		}, []string{"provider"}),

		EnvironmentsReusedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "environments_reused_total",
			Help:      "Total invocations served by a pooled environment.",
		}, []string{"provider"}),

		EnvironmentsExpiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "environments_expired_total",
			Help:      "Total pooled environments retired, by expiry reason.",
		}, []string{"provider", "reason"}),

		PooledEnvironments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "sandbox",
			Name:      "pooled_environments",
			Help:      "Execution environments currently held in the pool.",
		}, []string{"provider"}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total function tool executions.",
		}, []string{"provider", "runtime", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Function tool execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"provider", "runtime"}),

		ContextResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "context",
			Name:      "resolutions_total",
			Help:      "Total context resolution passes.",
		}, []string{"trigger"}),

		ContextResolutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "context",
			Name:      "resolution_duration_seconds",
			Help:      "Context resolution pass duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),

		ContextDefinitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "context",
			Name:      "definitions_total",
			Help:      "Context variable definitions by resolution outcome.",
		}, []string{"outcome"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.EnvironmentsCreatedTotal,
		m.EnvironmentsReusedTotal,
		m.EnvironmentsExpiredTotal,
		m.PooledEnvironments,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.ContextResolutionsTotal,
		m.ContextResolutionDuration,
		m.ContextDefinitionsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
