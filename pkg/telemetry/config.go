package telemetry

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration for livegraph processes.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `yaml:"service_name" validate:"required"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version" validate:"required"`

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment,omitempty"`

	// Role is exported with spans to tell front, host and peer processes apart.
	Role string `yaml:"role,omitempty" validate:"omitempty,oneof=front host peer"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Events contains status event publishing configuration.
	Events EventsConfig `yaml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	// Peer processes own stdout for protocol frames and always log to stderr.
	Output string `yaml:"output" validate:"required"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller,omitempty"`

	// EnableSampling enables log sampling for high-frequency logs.
	EnableSampling bool `yaml:"enable_sampling,omitempty"`

	// SamplingInitial is the number of messages logged per second initially.
	SamplingInitial int `yaml:"sampling_initial,omitempty" validate:"gte=0"`

	// SamplingThereafter logs every Nth message after the initial sample.
	SamplingThereafter int `yaml:"sampling_thereafter,omitempty" validate:"gte=0"`

	// TimeFormat specifies the timestamp format (unix, unixms, unixmicro, rfc3339).
	TimeFormat string `yaml:"time_format,omitempty" validate:"omitempty,oneof=unix unixms unixmicro rfc3339"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	Endpoint string `yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// MaxExportBatchSize is the maximum batch size for export.
	MaxExportBatchSize int `yaml:"max_export_batch_size,omitempty" validate:"gte=0"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `yaml:"export_timeout,omitempty"`

	// Headers are additional headers for OTLP exporter.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure,omitempty"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path,omitempty"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace,omitempty"`

	// DefaultHistogramBuckets are the default latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets,omitempty"`
}

// EventsConfig configures the status event publisher.
type EventsConfig struct {
	// Enabled controls whether event publishing is active.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the size of the event buffer.
	BufferSize int `yaml:"buffer_size" validate:"required_if=Enabled true,gte=0"`

	// EnableAsync delivers events from a background goroutine. Publish never
	// blocks the engine worker in that mode; a full buffer drops the event.
	EnableAsync bool `yaml:"enable_async"`
}

var validate = validator.New()

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "livegraph",
		Role:           "front",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: "localhost:9464",
			Path:          "/metrics",
			Namespace:     "livegraph",
			DefaultHistogramBuckets: []float64{
				0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1024,
			EnableAsync: true,
		},
	}
}

// Service returns the identity exported with spans.
func (c Config) Service() ServiceInfo {
	return ServiceInfo{
		Name:        c.ServiceName,
		Version:     c.ServiceVersion,
		Environment: c.Environment,
		Role:        c.Role,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	return validate.Struct(c)
}
