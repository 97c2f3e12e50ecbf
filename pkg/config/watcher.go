package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
)

// DefaultZoneDebounce is how long the watcher waits for writes to settle.
const DefaultZoneDebounce = 250 * time.Millisecond

// ZoneSubmitter receives reloaded zone snapshots. *engine.Engine implements it.
type ZoneSubmitter interface {
	SubmitZones(zones engine.ZoneSnapshot) error
}

// ZoneWatcher reloads a zone file whenever it changes and submits the result.
// A file that fails to parse is logged and the previous snapshot stays active.
type ZoneWatcher struct {
	parser   *ZoneParser
	path     string
	debounce time.Duration
	logger   zerolog.Logger
}

// NewZoneWatcher creates a watcher for path. A zero debounce uses DefaultZoneDebounce.
func NewZoneWatcher(parser *ZoneParser, path string, debounce time.Duration, logger zerolog.Logger) *ZoneWatcher {
	if debounce <= 0 {
		debounce = DefaultZoneDebounce
	}
	return &ZoneWatcher{
		parser:   parser,
		path:     filepath.Clean(path),
		debounce: debounce,
		logger:   logger.With().Str("component", "zone-watcher").Str("file", path).Logger(),
	}
}

// Watch starts watching in the background until ctx is done. The parent
// directory is watched so editors that replace the file are followed.
func (w *ZoneWatcher) Watch(ctx context.Context, sink ZoneSubmitter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	go w.processEvents(ctx, watcher, sink)
	return nil
}

func (w *ZoneWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, sink ZoneSubmitter) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || filepath.Clean(event.Name) != w.path {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("Zone file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.debounce, func() {
				w.reload(ctx, sink)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *ZoneWatcher) reload(ctx context.Context, sink ZoneSubmitter) {
	if ctx.Err() != nil {
		return
	}
	zones, err := w.parser.LoadFile(ctx, w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload zones, keeping previous configuration")
		return
	}
	if err := sink.SubmitZones(zones); err != nil {
		w.logger.Error().Err(err).Msg("Failed to submit zones")
		return
	}
	w.logger.Info().Int("zones", len(zones)).Msg("Zones reloaded")
}
