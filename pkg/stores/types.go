package stores

import (
	"context"
	"strings"
	"time"

	"github.com/openfroyo/livegraph/pkg/engine"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// LevelForKind classifies a journal event kind.
func LevelForKind(kind string) EventLevel {
	switch {
	case kind == engine.EventLockup, strings.HasSuffix(kind, ".failed"):
		return EventLevelError
	default:
		return EventLevelInfo
	}
}

// Event represents an append-only journal event
type Event struct {
	ID        int64      `json:"id"`
	Kind      string     `json:"kind"`
	Subject   string     `json:"subject"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Commit is one committed topology: the full connection set after a
// successful reconciliation.
type Commit struct {
	ID          int64                       `json:"id"`
	Connections []engine.ConnectionSnapshot `json:"connections"`
	CommittedAt time.Time                   `json:"committed_at"`
}

// EventFilter selects events. Zero fields do not filter.
type EventFilter struct {
	Kind    string
	Subject string
	Level   EventLevel
	Since   time.Time
	Limit   int
	Offset  int
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.Journal

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Commit operations
	CreateCommit(ctx context.Context, commit *Commit) error
	LatestCommit(ctx context.Context) (*Commit, error)
	ListCommits(ctx context.Context, limit, offset int) ([]*Commit, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
