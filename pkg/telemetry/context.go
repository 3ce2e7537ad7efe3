package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines tracing and metrics for a test run.
type Telemetry struct {
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, telemetryContextKey{}, t)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops the tracer and the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.Metrics.Shutdown(ctx))
}

// Flush forces all pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// scope is the span and timer of a run or a test, kept in the context.
type scope struct {
	span  trace.Span
	timer *Timer
}

type runScopeKey struct{}

type testScopeKey struct{}

// WithRunContext tags the context logger with the run ID, opens the run span
// and counts the run as started. Without telemetry in ctx only the logger is
// tagged.
func WithRunContext(ctx context.Context, runID string) context.Context {
	logger := FromContext(ctx).WithRunID(runID)
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return logger.WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted()

	return context.WithValue(spanCtx, runScopeKey{}, &scope{span: span, timer: NewTimer()})
}

// EndRunContext closes the run span and records the run outcome.
func EndRunContext(ctx context.Context, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if s, ok := ctx.Value(runScopeKey{}).(*scope); ok {
		duration = s.timer.Duration()
		s.span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(s.span, err)
		} else {
			RecordSuccess(s.span)
		}
		s.span.End()
	}

	tel.Metrics.RecordRunCompleted(status, duration)
}

// WithTestContext tags the context logger with the test identity and opens
// the span of one test execution.
func WithTestContext(ctx context.Context, project, module, test string) context.Context {
	logger := FromContext(ctx).WithTest(project, module, test)
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return logger.WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartTestSpan(ctx, project, module, test)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordTestStarted()

	return context.WithValue(spanCtx, testScopeKey{}, &scope{span: span, timer: NewTimer()})
}

// EndTestContext closes the test span and records the test outcome.
func EndTestContext(ctx context.Context, project, module, status string, duration time.Duration, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if s, ok := ctx.Value(testScopeKey{}).(*scope); ok {
		s.span.SetAttributes(AttrTestStatus.String(status))
		if err != nil {
			RecordError(s.span, err)
		} else {
			RecordSuccess(s.span)
		}
		s.span.End()
	}

	tel.Metrics.RecordTestExecution(project, module, status, duration)
}

// RecordTestRetry counts one retry and marks it on the test span.
func RecordTestRetry(ctx context.Context, project, module string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	if s, ok := ctx.Value(testScopeKey{}).(*scope); ok {
		s.span.AddEvent("test.retry")
	}
	tel.Metrics.RecordTestRetry(project, module)
}

// RecordCall counts one captured outbound call.
func RecordCall(ctx context.Context, protocol string) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordCall(protocol)
	}
}

// SetQueuedTests publishes the number of tests selected for the current run.
func SetQueuedTests(ctx context.Context, n int) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.SetQueuedTests(float64(n))
	}
}
