package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/runtime"
)

type localProvider struct{}

func (localProvider) Attach(_ context.Context, key engine.EnvironmentKey) (engine.Environment, error) {
	return runtime.NewLocal(key.String(), runtime.DefaultRegistry(), zerolog.Nop()), nil
}

func (localProvider) ProbeHost(context.Context, string) error { return nil }

func TestNewTracer_Exporters(t *testing.T) {
	tests := []struct {
		name     string
		cfg      TracingConfig
		wantErr  bool
		exported bool
	}{
		{name: "disabled", cfg: TracingConfig{Exporter: "otlp"}},
		{name: "none", cfg: TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}},
		{name: "stdout", cfg: TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, exported: true},
		{name: "unknown", cfg: TracingConfig{Enabled: true, Exporter: "zipkin"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTracer(tt.cfg, ServiceInfo{Name: "livegraph", Version: "test", Role: "front"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTracer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer tr.Shutdown(context.Background())

			ctx, span := tr.StartSpan(context.Background(), "reconcile")
			span.End()
			if got := TraceID(ctx) != ""; got != tt.cfg.Enabled {
				t.Errorf("sampled = %v, want %v", got, tt.cfg.Enabled)
			}
		})
	}
}

func TestTracer_EngineSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tr, err := NewTracerWithExporter(TracingConfig{Enabled: true, SamplingRate: 1}, ServiceInfo{Name: "livegraph", Role: "front"}, exporter)
	if err != nil {
		t.Fatalf("NewTracerWithExporter() error = %v", err)
	}
	defer tr.Shutdown(context.Background())

	eng, err := engine.New(engine.Options{
		Provider:          localProvider{},
		Logger:            zerolog.Nop(),
		Tracer:            tr.Tracer(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	eng.Start(context.Background())
	defer eng.Close()

	block := engine.BlockSnapshot{
		UID:       "src",
		DisplayID: "src",
		Desc:      engine.BlockDesc{Path: runtime.SourcePath},
		Enabled:   true,
	}
	if err := eng.SubmitTopology([]engine.BlockSnapshot{block}, nil); err != nil {
		t.Fatalf("SubmitTopology() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	var reconcile, construct int
	var cycleTrace string
	for _, s := range exporter.GetSpans() {
		if s.Name == "reconcile" {
			reconcile++
			cycleTrace = s.SpanContext.TraceID().String()
		}
	}
	for _, s := range exporter.GetSpans() {
		if s.Name != "remote.construct" {
			continue
		}
		for _, kv := range s.Attributes {
			if kv.Key == "target" && kv.Value.AsString() == runtime.SourcePath {
				construct++
				if s.SpanContext.TraceID().String() != cycleTrace {
					t.Error("block construct span is not part of the reconcile trace")
				}
			}
		}
	}
	if reconcile != 1 {
		t.Errorf("reconcile spans = %d, want 1", reconcile)
	}
	if construct != 1 {
		t.Errorf("construct spans for %s = %d, want 1", runtime.SourcePath, construct)
	}
}
