package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/config"
	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/remote"
	"github.com/openfroyo/livegraph/pkg/runtime"
	"github.com/openfroyo/livegraph/pkg/stores"
	"github.com/openfroyo/livegraph/pkg/telemetry"
)

// stack is everything a running engine is wired to.
type stack struct {
	cfg    *config.EngineConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	store  *stores.SQLiteStore
	engine *engine.Engine
}

type stackOptions struct {
	// Metrics starts the /metrics listener when enabled in config.
	Metrics bool

	// Journal opens the SQLite store when a path is configured.
	Journal bool
}

// newStack loads configuration and assembles telemetry, the journal, the
// environment provider and the engine. The engine is started.
func newStack(ctx context.Context, opts stackOptions) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !opts.Metrics {
		cfg.Telemetry.Metrics.Enabled = false
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Logger.SetGlobal()
	s := &stack{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}

	if opts.Metrics {
		addr, err := tel.Metrics.StartMetricsServer(ctx, s.logger)
		if err != nil {
			s.close()
			return nil, err
		}
		if addr != "" {
			s.logger.Info().Str("address", addr).Str("path", cfg.Telemetry.Metrics.Path).Msg("Metrics endpoint listening")
		}
	}

	journal := journalTee{pub: tel.Events}
	if opts.Journal && cfg.Store.Path != "" {
		store, err := stores.Open(ctx, cfg.Store.Path)
		if err != nil {
			s.close()
			return nil, err
		}
		s.store = store
		journal.store = store
	}

	popts := cfg.ProviderOptions()
	popts.Registry = runtime.DefaultRegistry()
	popts.Logger = s.logger

	eopts := tel.Instrument(cfg.EngineOptions())
	eopts.Provider = remote.NewProvider(popts)
	eopts.Logger = s.logger
	eopts.Journal = journal

	eng, err := engine.New(eopts)
	if err != nil {
		s.close()
		return nil, err
	}
	eng.Start(ctx)
	s.engine = eng
	return s, nil
}

// close releases everything in reverse order of construction.
func (s *stack) close() error {
	var errs []error
	if s.engine != nil {
		errs = append(errs, s.engine.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, s.tel.Shutdown(ctx))
	return errors.Join(errs...)
}
