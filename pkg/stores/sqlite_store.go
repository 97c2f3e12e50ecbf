package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/livegraph/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordEvent implements engine.Journal.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event engine.JournalEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.AppendEvent(ctx, &Event{
		Kind:      event.Kind,
		Subject:   event.Subject,
		Level:     LevelForKind(event.Kind),
		Message:   event.Message,
		Timestamp: ts,
	})
}

// RecordCommit implements engine.Journal.
func (s *SQLiteStore) RecordCommit(ctx context.Context, connections []engine.ConnectionSnapshot) error {
	return s.CreateCommit(ctx, &Commit{
		Connections: connections,
		CommittedAt: time.Now(),
	})
}

// AppendEvent appends an event and sets its ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (kind, subject, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if event.Level == "" {
		event.Level = LevelForKind(event.Kind)
	}

	result, err := s.db.ExecContext(ctx, query,
		event.Kind,
		event.Subject,
		event.Level,
		event.Message,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents returns events matching filter, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.Level != "" {
		where = append(where, "level = ?")
		args = append(args, filter.Level)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT id, kind, subject, level, message, timestamp FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.Kind,
			&event.Subject,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// PruneEvents deletes events older than before and returns how many were removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}

// CreateCommit stores a committed topology and sets its ID.
func (s *SQLiteStore) CreateCommit(ctx context.Context, commit *Commit) error {
	connections := commit.Connections
	if connections == nil {
		connections = []engine.ConnectionSnapshot{}
	}
	data, err := json.Marshal(connections)
	if err != nil {
		return fmt.Errorf("failed to encode connections: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO commits (connection_count, connections, committed_at)
		VALUES (?, ?, ?)
	`, len(connections), string(data), commit.CommittedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create commit: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get commit ID: %w", err)
	}

	commit.ID = id
	return nil
}

// LatestCommit returns the most recent committed topology.
func (s *SQLiteStore) LatestCommit(ctx context.Context) (*Commit, error) {
	commits, err := s.ListCommits(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("commit %w", ErrNotFound)
	}
	return commits[0], nil
}

// ListCommits returns committed topologies, newest first.
func (s *SQLiteStore) ListCommits(ctx context.Context, limit, offset int) ([]*Commit, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connections, committed_at
		FROM commits
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	defer rows.Close()

	commits := []*Commit{}
	for rows.Next() {
		var (
			commit = &Commit{}
			data   string
		)
		if err := rows.Scan(&commit.ID, &data, &commit.CommittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &commit.Connections); err != nil {
			return nil, fmt.Errorf("failed to decode commit %d: %w", commit.ID, err)
		}
		commits = append(commits, commit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commits: %w", err)
	}

	return commits, nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
