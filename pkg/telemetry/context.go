package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/livegraph/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  Config
}

type telemetryContextKey struct{}

// NewTelemetry builds every component from cfg. Components already started
// are shut down again if a later one fails.
func NewTelemetry(cfg Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.Service())
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("metrics: %w", err)
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("events: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Instrument returns opts with the status sink, recorder and tracer pointed
// at this instance. Fields already set are left alone.
func (t *Telemetry) Instrument(opts engine.Options) engine.Options {
	if opts.Sink == nil {
		opts.Sink = t.Events
	}
	if opts.Recorder == nil {
		opts.Recorder = t.Metrics
	}
	if opts.Tracer == nil {
		opts.Tracer = t.Tracer.Tracer()
	}
	return opts
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains events and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span named operation when ctx carries a Telemetry,
// and always returns a logger tagged with the operation name.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	ic := &InstrumentedContext{Ctx: ctx, Timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		ic.Logger = FromContext(ctx).WithField("operation", operation)
		return ic
	}

	ic.Ctx, ic.Span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	ic.Logger = tel.Logger.WithField("operation", operation)
	if sc := ic.Span.SpanContext(); sc.IsValid() {
		ic.Logger = ic.Logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	return ic
}

// End closes the span and logs the outcome with the elapsed time.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
	l := ic.Logger.WithField("duration", ic.Timer.Duration().String())
	if err != nil {
		l.WithError(err).Error("Operation failed")
		return
	}
	l.Debug("Operation completed")
}
