package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/livegraph/pkg/engine"
)

// setupTestStore creates a migrated SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Fatal("expected migrate to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	for _, table := range []string{"events", "commits"} {
		var name string
		err := store.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenInMemory(t *testing.T) {
	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	if err := store.RecordEvent(context.Background(), engine.JournalEvent{Kind: engine.EventLockup}); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	events, err := store.ListEvents(context.Background(), EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Level != EventLevelError {
		t.Fatalf("events = %+v", events)
	}
}

func TestLevelForKind(t *testing.T) {
	tests := []struct {
		kind string
		want EventLevel
	}{
		{engine.EventEnvironmentFailed, EventLevelError},
		{engine.EventThreadPoolFailed, EventLevelError},
		{engine.EventTopologyFailed, EventLevelError},
		{engine.EventLockup, EventLevelError},
		{engine.EventEnvironmentRecovered, EventLevelInfo},
		{engine.EventTopologyCommitted, EventLevelInfo},
		{"custom", EventLevelInfo},
	}

	for _, tt := range tests {
		if got := LevelForKind(tt.kind); got != tt.want {
			t.Errorf("LevelForKind(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	journal := []engine.JournalEvent{
		{Kind: engine.EventEnvironmentFailed, Subject: "lab/w1", Message: "connection reset", Timestamp: base},
		{Kind: engine.EventEnvironmentRecovered, Subject: "lab/w1", Timestamp: base.Add(time.Minute)},
		{Kind: engine.EventTopologyCommitted, Subject: "topology", Message: "3 connections", Timestamp: base.Add(2 * time.Minute)},
		{Kind: engine.EventThreadPoolFailed, Subject: "lab/w2", Message: "spawn denied", Timestamp: base.Add(3 * time.Minute)},
	}
	for _, ev := range journal {
		if err := store.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("RecordEvent(%s) error = %v", ev.Kind, err)
		}
	}

	tests := []struct {
		name   string
		filter EventFilter
		want   []string
	}{
		{
			name: "all newest first",
			want: []string{
				engine.EventThreadPoolFailed,
				engine.EventTopologyCommitted,
				engine.EventEnvironmentRecovered,
				engine.EventEnvironmentFailed,
			},
		},
		{
			name:   "by subject",
			filter: EventFilter{Subject: "lab/w1"},
			want:   []string{engine.EventEnvironmentRecovered, engine.EventEnvironmentFailed},
		},
		{
			name:   "by kind",
			filter: EventFilter{Kind: engine.EventTopologyCommitted},
			want:   []string{engine.EventTopologyCommitted},
		},
		{
			name:   "by level",
			filter: EventFilter{Level: EventLevelError},
			want:   []string{engine.EventThreadPoolFailed, engine.EventEnvironmentFailed},
		},
		{
			name:   "since",
			filter: EventFilter{Since: base.Add(2 * time.Minute)},
			want:   []string{engine.EventThreadPoolFailed, engine.EventTopologyCommitted},
		},
		{
			name:   "limit and offset",
			filter: EventFilter{Limit: 2, Offset: 1},
			want:   []string{engine.EventTopologyCommitted, engine.EventEnvironmentRecovered},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.ListEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListEvents() error = %v", err)
			}
			if len(events) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(events), len(tt.want))
			}
			for i, ev := range events {
				if ev.Kind != tt.want[i] {
					t.Errorf("events[%d].Kind = %q, want %q", i, ev.Kind, tt.want[i])
				}
			}
		})
	}

	events, err := store.ListEvents(ctx, EventFilter{Kind: engine.EventEnvironmentFailed})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	got := events[0]
	if got.Message != "connection reset" || got.Subject != "lab/w1" || got.Level != EventLevelError {
		t.Errorf("unexpected event: %+v", got)
	}
	if !got.Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, base)
	}

	removed, err := store.PruneEvents(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("PruneEvents() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("PruneEvents() removed %d, want 2", removed)
	}
	events, _ = store.ListEvents(ctx, EventFilter{})
	if len(events) != 2 {
		t.Errorf("got %d events after prune, want 2", len(events))
	}
}

func TestAppendEventRejectsUnknownLevel(t *testing.T) {
	store := setupTestStore(t)

	err := store.AppendEvent(context.Background(), &Event{
		Kind:      "custom",
		Level:     "fatal",
		Timestamp: time.Now(),
	})
	if err == nil {
		t.Fatal("expected CHECK constraint to reject level")
	}
}

func TestCommitOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.LatestCommit(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestCommit() on empty store error = %v, want ErrNotFound", err)
	}

	first := []engine.ConnectionSnapshot{
		{SrcUID: "a", SrcPort: "out", DstUID: "b", DstPort: "in"},
	}
	second := []engine.ConnectionSnapshot{
		{SrcUID: "a", SrcPort: "out", DstUID: "b", DstPort: "in"},
		{SrcUID: "b", SrcPort: "out", DstUID: "c", DstPort: "in"},
	}

	if err := store.RecordCommit(ctx, first); err != nil {
		t.Fatalf("RecordCommit() error = %v", err)
	}
	if err := store.RecordCommit(ctx, second); err != nil {
		t.Fatalf("RecordCommit() error = %v", err)
	}
	if err := store.RecordCommit(ctx, nil); err != nil {
		t.Fatalf("RecordCommit(nil) error = %v", err)
	}

	latest, err := store.LatestCommit(ctx)
	if err != nil {
		t.Fatalf("LatestCommit() error = %v", err)
	}
	if len(latest.Connections) != 0 {
		t.Errorf("latest commit has %d connections, want 0", len(latest.Connections))
	}

	commits, err := store.ListCommits(ctx, 0, 1)
	if err != nil {
		t.Fatalf("ListCommits() error = %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("got %d commits, want 2", len(commits))
	}
	if len(commits[0].Connections) != 2 || commits[0].Connections[1] != second[1] {
		t.Errorf("commits[0] = %+v", commits[0])
	}
	if commits[1].Connections[0] != first[0] {
		t.Errorf("commits[1] = %+v", commits[1])
	}
	if commits[0].ID <= commits[1].ID {
		t.Errorf("commits not ordered newest first: %d, %d", commits[0].ID, commits[1].ID)
	}
}

func TestStoreSatisfiesJournal(t *testing.T) {
	var journal engine.Journal = setupTestStore(t)
	err := journal.RecordEvent(context.Background(), engine.JournalEvent{
		Kind:    engine.EventTopologyFailed,
		Subject: "topology",
		Message: "cycle detected",
	})
	if err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
}
