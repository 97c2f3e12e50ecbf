package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
)

// Metrics provides Prometheus metrics for the engine. It implements
// engine.Recorder; a disabled instance records nothing.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	blocks        prometheus.Gauge
	readyBlocks   prometheus.Gauge

	// Remote call metrics
	remoteCalls        *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec

	// Environment metrics
	environmentHealthy  *prometheus.GaugeVec
	environmentFailures *prometheus.CounterVec

	// Failure metrics
	topologyFailures prometheus.Counter
	lockups          prometheus.Counter

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of reconciliation cycles",
			},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles in seconds",
				Buckets:   buckets,
			},
		),
		blocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocks",
				Help:      "Number of blocks in the last cycle",
			},
		),
		readyBlocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ready_blocks",
				Help:      "Number of ready blocks in the last cycle",
			},
		),

		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of remote calls",
			},
			[]string{"environment", "method", "status"},
		),
		remoteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of remote calls in seconds",
				Buckets:   buckets,
			},
			[]string{"environment", "method"},
		),

		environmentHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "environment_healthy",
				Help:      "Environment health (1=healthy, 0=failed)",
			},
			[]string{"environment"},
		),
		environmentFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "environment_failures_total",
				Help:      "Total number of environment failures",
			},
			[]string{"environment"},
		),

		topologyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "topology_failures_total",
				Help:      "Total number of topology reconciliation failures",
			},
		),
		lockups: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lockups_total",
				Help:      "Total number of detected worker lock-ups",
			},
		),
	}

	registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.blocks,
		m.readyBlocks,
		m.remoteCalls,
		m.remoteCallDuration,
		m.environmentHealthy,
		m.environmentFailures,
		m.topologyFailures,
		m.lockups,
	)

	return m, nil
}

// Registry returns the registry holding the engine metrics, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCycle implements engine.Recorder.
func (m *Metrics) RecordCycle(d time.Duration, blocks, ready int) {
	if m.cycles == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.blocks.Set(float64(blocks))
	m.readyBlocks.Set(float64(ready))
}

// RecordRemoteCall implements engine.Recorder.
func (m *Metrics) RecordRemoteCall(env, method string, d time.Duration, err error) {
	if m.remoteCalls == nil {
		return
	}
	status := "ok"
	switch {
	case engine.IsNotImplemented(err):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	m.remoteCalls.WithLabelValues(env, method, status).Inc()
	m.remoteCallDuration.WithLabelValues(env, method).Observe(d.Seconds())
}

// RecordEnvironmentState implements engine.Recorder.
func (m *Metrics) RecordEnvironmentState(env string, healthy bool) {
	if m.environmentHealthy == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	} else {
		m.environmentFailures.WithLabelValues(env).Inc()
	}
	m.environmentHealthy.WithLabelValues(env).Set(value)
}

// RecordTopologyFailure implements engine.Recorder.
func (m *Metrics) RecordTopologyFailure() {
	if m.topologyFailures == nil {
		return
	}
	m.topologyFailures.Inc()
}

// RecordLockup implements engine.Recorder.
func (m *Metrics) RecordLockup() {
	if m.lockups == nil {
		return
	}
	m.lockups.Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done. It returns
// the bound address, which differs from the configured one for port 0.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) (string, error) {
	if !m.config.Enabled {
		return "", nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", err
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	logger.Info().Str("address", ln.Addr().String()).Str("path", path).Msg("Metrics server listening")
	return ln.Addr().String(), nil
}
