package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. Engine components take the zerolog.Logger
// from Zerolog; CLI wiring and peers use the helpers below.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

type loggerContextKey struct{}

// NewLogger opens cfg.Output ("stdout", "stderr" or a file path) and builds a
// logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "stderr", "":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
	}
	return NewLoggerWithWriter(cfg, w), nil
}

// NewLoggerWithWriter builds a logger on w. With the json format w receives
// one JSON record per line, which is what a peer's LogForwarder expects.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	case "unixmicro":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		consoleTime := time.RFC3339
		if cfg.TimeFormat != "" && cfg.TimeFormat != "rfc3339" {
			consoleTime = time.StampMilli
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTime}
	}

	zlog := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}
	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog, config: cfg}
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// SetGlobal makes l the logger behind the zerolog/log package.
func (l *Logger) SetGlobal() {
	log.Logger = l.zlog
}

func (l *Logger) derive(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog, config: l.config}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.WithField("component", component)
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a JSON logger on stderr.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(l.zlog.With().Fields(fields).Logger())
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(l.zlog.With().Interface(key, value).Logger())
}

// WithEnvironment tags records with an environment key ("host/process").
func (l *Logger) WithEnvironment(env string) *Logger {
	return l.derive(l.zlog.With().Str("environment", env).Logger())
}

// WithZone tags records with an affinity zone.
func (l *Logger) WithZone(zone string) *Logger {
	return l.derive(l.zlog.With().Str("zone", zone).Logger())
}

// WithBlock tags records with a block UID.
func (l *Logger) WithBlock(uid string) *Logger {
	return l.derive(l.zlog.With().Str("block", uid).Logger())
}

func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.zlog.With().Err(err).Logger())
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }

func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }

func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
