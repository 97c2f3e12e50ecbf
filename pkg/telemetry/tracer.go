package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Attribute keys shared by CLI operations and engine spans.
const (
	// AttrOperation names the CLI or engine operation a span covers.
	AttrOperation = attribute.Key("operation")

	// AttrRole tells a front process from a peer or host daemon.
	AttrRole = attribute.Key("livegraph.role")
)

// ServiceInfo identifies the process in exported spans.
type ServiceInfo struct {
	Name        string
	Version     string
	Environment string
	Role        string
}

// Tracer owns the span pipeline of one process. The engine only sees the
// trace.Tracer returned by Tracer; spans named "reconcile", "topology.update"
// and "remote.<op>" come from there.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the exporter named in cfg and installs the provider as the
// global one. A disabled config yields a no-op tracer.
func NewTracer(cfg TracingConfig, svc ServiceInfo) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(svc.Name)}, nil
	}

	exporter, err := newExporter(cfg, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.MaxExportBatchSize > 0 {
		batch = append(batch, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
	}
	if cfg.ExportTimeout > 0 {
		batch = append(batch, sdktrace.WithExportTimeout(cfg.ExportTimeout))
	}

	var processor sdktrace.TracerProviderOption
	if exporter != nil {
		processor = sdktrace.WithBatcher(exporter, batch...)
	}
	t, err := newTracer(cfg, svc, processor)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// NewTracerWithExporter exports every span synchronously to exporter and leaves
// the global provider alone. Used to inspect engine spans.
func NewTracerWithExporter(cfg TracingConfig, svc ServiceInfo, exporter sdktrace.SpanExporter) (*Tracer, error) {
	return newTracer(cfg, svc, sdktrace.WithSyncer(exporter))
}

func newTracer(cfg TracingConfig, svc ServiceInfo, processor sdktrace.TracerProviderOption) (*Tracer, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", svc.Name),
		attribute.String("service.version", svc.Version),
	}
	if svc.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", svc.Environment))
	}
	if svc.Role != "" {
		attrs = append(attrs, AttrRole.String(svc.Role))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if processor != nil {
		opts = append(opts, processor)
	}
	provider := sdktrace.NewTracerProvider(opts...)
	return &Tracer{provider: provider, tracer: provider.Tracer(svc.Name)}, nil
}

// newExporter returns nil for "none": spans are sampled but go nowhere. The
// stdout exporter writes to w because a peer's stdout carries protocol frames.
func newExporter(cfg TracingConfig, w io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// Tracer returns the trace.Tracer handed to the engine.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// StartSpan starts a span with attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
