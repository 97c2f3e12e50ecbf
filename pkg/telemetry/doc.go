// Package telemetry provides observability for livegraph processes.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and status event publishing.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng, err := engine.New(engine.Options{
//	    Provider: provider,
//	    Logger:   tel.Logger.Zerolog(),
//	    Recorder: tel.Metrics,
//	    Sink:     tel.Events,
//	    Tracer:   tel.Tracer.Tracer(),
//	})
//
// # Metrics
//
// Metrics implements engine.Recorder and exposes, under the configured
// namespace: cycles_total, cycle_duration_seconds, blocks, ready_blocks,
// remote_calls_total{environment,method,status},
// remote_call_duration_seconds{environment,method},
// environment_healthy{environment}, environment_failures_total{environment},
// topology_failures_total and lockups_total.
//
// # Events
//
// EventPublisher implements engine.StatusSink. Every block and zone status
// record becomes an Event delivered to subscribers in publish order. In async
// mode a full buffer drops events rather than stalling the engine worker.
//
// # Tracing
//
// Exporters are otlp (gRPC), stdout (written to stderr) and none. The engine
// opens one span per reconciliation cycle and one per remote call.
package telemetry
