package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Defaults for Options.
const (
	DefaultHeartbeatInterval = time.Second
	DefaultLockupThreshold   = 10 * time.Second
	DefaultOverlayExpiry     = 5 * time.Second
	DefaultQueueSize         = 64
)

// Options configures an Engine. Provider is required; everything else has a default.
type Options struct {
	// Provider attaches environments.
	Provider EnvironmentProvider

	// Sink receives status records.
	Sink StatusSink

	// GUI runs widget construction on the front-end thread. Defaults to InlineGUI.
	GUI GUIExecutor

	// Logger is the base logger; components derive children from it.
	Logger zerolog.Logger

	// Recorder collects metrics.
	Recorder Recorder

	// Journal persists engine events.
	Journal Journal

	// Tracer creates spans for cycles and remote calls.
	Tracer trace.Tracer

	// Clock is the time source; tests substitute their own.
	Clock Clock

	HeartbeatInterval time.Duration
	LockupThreshold   time.Duration
	OverlayExpiry     time.Duration
	QueueSize         int
}

func (o Options) withDefaults() Options {
	if o.Sink == nil {
		o.Sink = nopSink{}
	}
	if o.GUI == nil {
		o.GUI = InlineGUI{}
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Journal == nil {
		o.Journal = nopJournal{}
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("livegraph/engine")
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.LockupThreshold <= 0 {
		o.LockupThreshold = DefaultLockupThreshold
	}
	if o.OverlayExpiry <= 0 {
		o.OverlayExpiry = DefaultOverlayExpiry
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	return o
}

// deps is the set of collaborators shared by the worker-owned components.
type deps struct {
	provider      EnvironmentProvider
	logger        zerolog.Logger
	recorder      Recorder
	journal       Journal
	tracer        trace.Tracer
	tracker       *ActionTracker
	cache         *Cache
	gui           GUIExecutor
	clock         Clock
	overlayExpiry time.Duration
}

func newDeps(o Options, tracker *ActionTracker, cache *Cache) *deps {
	return &deps{
		provider:      o.Provider,
		logger:        o.Logger,
		recorder:      o.Recorder,
		journal:       o.Journal,
		tracer:        o.Tracer,
		tracker:       tracker,
		cache:         cache,
		gui:           o.GUI,
		clock:         o.Clock,
		overlayExpiry: o.OverlayExpiry,
	}
}

// journalEvent appends ev to the journal, stamping it with the engine clock. A
// failed write is logged and otherwise ignored.
func (d *deps) journalEvent(ctx context.Context, log zerolog.Logger, ev JournalEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.clock.Now()
	}
	if err := d.journal.RecordEvent(ctx, ev); err != nil {
		log.Debug().Err(err).Str("kind", ev.Kind).Msg("Error writing journal event")
	}
}
