package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/executor"
	"github.com/jkaninda/kazi/internal/resolver"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// --- PoolRecorder ---

// PoolRecorder feeds sandbox pool lifecycle events into Prometheus.
type PoolRecorder struct {
	metrics *MetricsCollector
}

// NewPoolRecorder creates a PoolRecorder over the collector.
func NewPoolRecorder(metrics *MetricsCollector) *PoolRecorder {
	return &PoolRecorder{metrics: metrics}
}

func (r *PoolRecorder) EnvironmentCreated(provider string) {
	r.metrics.EnvironmentsCreatedTotal.WithLabelValues(provider).Inc()
}

func (r *PoolRecorder) EnvironmentReused(provider string) {
	r.metrics.EnvironmentsReusedTotal.WithLabelValues(provider).Inc()
}

func (r *PoolRecorder) EnvironmentExpired(provider, reason string) {
	r.metrics.EnvironmentsExpiredTotal.WithLabelValues(provider, reason).Inc()
}

func (r *PoolRecorder) PooledEnvironments(provider string, n int) {
	r.metrics.PooledEnvironments.WithLabelValues(provider).Set(float64(n))
}

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps an executor.Executor with metrics and tracing.
type InstrumentedExecutor struct {
	inner    executor.Executor
	provider string
	metrics  *MetricsCollector
	tracer   trace.Tracer
}

// NewInstrumentedExecutor wraps a tool executor with observability.
func NewInstrumentedExecutor(inner executor.Executor, provider string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:    inner,
		provider: provider,
		metrics:  metrics,
		tracer:   tracer,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, tool *domain.FunctionTool, args map[string]any) (*executor.Result, error) {
	runtime := string(tool.Sandbox.Runtime)
	if runtime == "" {
		runtime = string(domain.RuntimeNode)
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(
				attribute.String("tool.name", tool.Name),
				attribute.String("tool.provider", e.provider),
				attribute.String("tool.runtime", runtime),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := e.inner.Execute(ctx, tool, args)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && !result.Success:
		// The tool ran but reported failure. Infrastructure is healthy.
		status = "tool_error"
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.String("tool.error", result.Error))
		}
	}

	if e.metrics != nil {
		e.metrics.ToolExecutionsTotal.WithLabelValues(e.provider, runtime, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(e.provider, runtime).Observe(duration)
	}

	return result, err
}

func (e *InstrumentedExecutor) Shutdown(ctx context.Context) error {
	return e.inner.Shutdown(ctx)
}

// --- Resolution recording ---

// RecordResolution feeds one resolution pass's partition counts into Prometheus.
func (m *MetricsCollector) RecordResolution(trigger string, res *resolver.Resolution, duration time.Duration) {
	if m == nil || res == nil {
		return
	}
	m.ContextResolutionsTotal.WithLabelValues(trigger).Inc()
	m.ContextResolutionDuration.WithLabelValues(trigger).Observe(duration.Seconds())
	m.ContextDefinitionsTotal.WithLabelValues("fetched").Add(float64(len(res.Fetched)))
	m.ContextDefinitionsTotal.WithLabelValues("cache_hit").Add(float64(len(res.CacheHits)))
	m.ContextDefinitionsTotal.WithLabelValues("cache_miss").Add(float64(len(res.CacheMisses)))
	m.ContextDefinitionsTotal.WithLabelValues("skipped").Add(float64(len(res.Skipped)))
	m.ContextDefinitionsTotal.WithLabelValues("errored").Add(float64(len(res.Errored)))
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Recorder  = (*PoolRecorder)(nil)
	_ executor.Executor = (*InstrumentedExecutor)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
