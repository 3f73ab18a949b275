package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandstorm/internal/sandbox"
)

// InstrumentedProvider wraps a sandbox.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   sandbox.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps a sandbox provider with observability.
func NewInstrumentedProvider(inner sandbox.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Sandbox, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox.create",
			trace.WithAttributes(
				attribute.String("sandbox.template", opts.Template),
				attribute.Int("sandbox.timeout_s", opts.TimeoutSeconds),
			))
		defer span.End()
	}

	start := time.Now()
	sbx, err := p.inner.Create(ctx, opts)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if p.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("sandbox.id", sbx.ID()))
	}

	if p.metrics != nil {
		p.metrics.SandboxCreationsTotal.WithLabelValues(opts.Template, status).Inc()
		p.metrics.SandboxCreationDuration.WithLabelValues(opts.Template).Observe(duration)
	}

	return sbx, err
}

func (p *InstrumentedProvider) Connect(ctx context.Context, id, apiKey string) (sandbox.Sandbox, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox.connect",
			trace.WithAttributes(
				attribute.String("sandbox.id", id),
			))
		defer span.End()
	}

	sbx, err := p.inner.Connect(ctx, id, apiKey)

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.SandboxReconnectsTotal.WithLabelValues(status).Inc()
	}

	return sbx, err
}

// Compile-time interface check.
var _ sandbox.Provider = (*InstrumentedProvider)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
