package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ActionTracker is a stack of markers naming what the worker is currently doing.
// It only feeds lock-up diagnostics.
type ActionTracker struct {
	mu    sync.Mutex
	clock Clock
	stack []actionMark
	next  uint64
}

type actionMark struct {
	id    uint64
	name  string
	start time.Time
}

// NewActionTracker creates an empty tracker.
func NewActionTracker(clock Clock) *ActionTracker {
	if clock == nil {
		clock = systemClock{}
	}
	return &ActionTracker{clock: clock}
}

// Push records the start of an action and returns the function that ends it.
func (t *ActionTracker) Push(name string) func() {
	t.mu.Lock()
	t.next++
	id := t.next
	t.stack = append(t.stack, actionMark{id: id, name: name, start: t.clock.Now()})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i := len(t.stack) - 1; i >= 0; i-- {
			if t.stack[i].id == id {
				t.stack = append(t.stack[:i], t.stack[i+1:]...)
				return
			}
		}
	}
}

// Depth returns the number of open actions.
func (t *ActionTracker) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stack)
}

// Dump renders the open actions outermost first.
func (t *ActionTracker) Dump() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.stack) == 0 {
		return "(no actions in progress)"
	}
	now := t.clock.Now()
	var sb strings.Builder
	for i, m := range t.stack {
		fmt.Fprintf(&sb, "%s%s (%s)\n", strings.Repeat("  ", i), m.name, now.Sub(m.start).Round(time.Millisecond))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// HeartbeatMonitor declares a lock-up when the worker stops beating.
type HeartbeatMonitor struct {
	interval  time.Duration
	threshold time.Duration
	clock     Clock
	tracker   *ActionTracker
	logger    zerolog.Logger

	// poke asks the worker for a heartbeat without blocking.
	poke     func()
	onLockup func(dump string)

	last     atomic.Int64
	lockedUp atomic.Bool
}

// NewHeartbeatMonitor creates a monitor. The clock starts at creation time.
func NewHeartbeatMonitor(interval, threshold time.Duration, clock Clock, tracker *ActionTracker, logger zerolog.Logger) *HeartbeatMonitor {
	if clock == nil {
		clock = systemClock{}
	}
	m := &HeartbeatMonitor{
		interval:  interval,
		threshold: threshold,
		clock:     clock,
		tracker:   tracker,
		logger:    logger.With().Str("component", "monitor").Logger(),
		poke:      func() {},
		onLockup:  func(string) {},
	}
	m.Beat()
	return m
}

// Beat records that the worker finished a unit of work.
func (m *HeartbeatMonitor) Beat() {
	m.last.Store(m.clock.Now().UnixNano())
}

// LockedUp reports whether a lock-up has been declared.
func (m *HeartbeatMonitor) LockedUp() bool {
	return m.lockedUp.Load()
}

// Check compares now against the last heartbeat and declares a lock-up once the
// threshold is exceeded. It returns true when polling should stop.
func (m *HeartbeatMonitor) Check(now time.Time) bool {
	if m.lockedUp.Load() {
		return true
	}
	elapsed := now.Sub(time.Unix(0, m.last.Load()))
	if elapsed <= m.threshold {
		return false
	}

	m.lockedUp.Store(true)
	dump := m.tracker.Dump()
	m.logger.Error().
		Dur("since_heartbeat", elapsed).
		Str("actions", dump).
		Msg("Evaluation worker locked up")
	m.onLockup(dump)
	return true
}

// Run polls until the context ends or a lock-up is declared.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Check(m.clock.Now()) {
				return
			}
			m.poke()
		}
	}
}
