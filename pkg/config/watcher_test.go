package config

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	calls []engine.ZoneSnapshot
}

func (r *recordingSubmitter) SubmitZones(zones engine.ZoneSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, zones)
	return nil
}

func (r *recordingSubmitter) snapshots() []engine.ZoneSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.ZoneSnapshot(nil), r.calls...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestZoneWatcher(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "zones.cue", `worker1: {processName: "w1"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSubmitter{}
	watcher := NewZoneWatcher(NewZoneParser(), path, 100*time.Millisecond, zerolog.Nop())
	if err := watcher.Watch(ctx, sink); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// Other files in the directory are ignored.
	writeFile(t, dir, "notes.txt", "hello")

	writeFile(t, dir, "zones.cue", `worker1: {processName: "w1", threadCount: 8}`)
	waitFor(t, "first reload", func() bool { return len(sink.snapshots()) == 1 })
	if got := sink.snapshots()[0]["worker1"].ThreadCount; got != 8 {
		t.Errorf("threadCount = %d, want 8", got)
	}

	// An invalid revision is not submitted.
	writeFile(t, dir, "zones.cue", `worker1: {threadCount: -8}`)
	time.Sleep(400 * time.Millisecond)
	if n := len(sink.snapshots()); n != 1 {
		t.Fatalf("invalid revision submitted, %d snapshots", n)
	}

	writeFile(t, dir, "zones.cue", `worker2: {processName: "w2"}`)
	waitFor(t, "second reload", func() bool { return len(sink.snapshots()) == 2 })
	if _, ok := sink.snapshots()[1]["worker2"]; !ok {
		t.Errorf("second snapshot = %v", sink.snapshots()[1])
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "zones.cue", `worker3: {}`)
	time.Sleep(400 * time.Millisecond)
	if n := len(sink.snapshots()); n != 2 {
		t.Errorf("reloaded after cancel, %d snapshots", n)
	}
}

func TestZoneWatcher_MissingDirectory(t *testing.T) {
	watcher := NewZoneWatcher(NewZoneParser(), "/nonexistent/dir/zones.cue", 0, zerolog.Nop())
	if err := watcher.Watch(context.Background(), &recordingSubmitter{}); err == nil {
		t.Error("expected error watching a missing directory")
	}
}
