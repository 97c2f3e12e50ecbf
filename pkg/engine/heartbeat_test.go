package engine

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestActionTracker(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	tr := NewActionTracker(clock)

	if got := tr.Dump(); got != "(no actions in progress)" {
		t.Errorf("empty Dump() = %q", got)
	}

	popEval := tr.Push("evaluate")
	clock.advance(2 * time.Second)
	popBlock := tr.Push("block A")
	clock.advance(500 * time.Millisecond)
	popCall := tr.Push("remote.call setRate")

	if tr.Depth() != 3 {
		t.Fatalf("Depth() = %d, want 3", tr.Depth())
	}
	want := "evaluate (2.5s)\n  block A (500ms)\n    remote.call setRate (0s)"
	if got := tr.Dump(); got != want {
		t.Errorf("Dump() =\n%s\nwant\n%s", got, want)
	}

	// out of order pops remove the right marker
	popBlock()
	if got := tr.Dump(); strings.Contains(got, "block A") {
		t.Errorf("popped action still listed:\n%s", got)
	}
	popCall()
	popEval()
	if tr.Depth() != 0 {
		t.Errorf("Depth() = %d after popping all, want 0", tr.Depth())
	}
}

func TestHeartbeatMonitor_Check(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	tr := NewActionTracker(clock)
	m := NewHeartbeatMonitor(time.Second, 10*time.Second, clock, tr, zerolog.Nop())

	var dumps []string
	m.onLockup = func(dump string) { dumps = append(dumps, dump) }

	start := clock.Now()
	if m.Check(start.Add(5 * time.Second)) {
		t.Fatal("lock-up declared before threshold")
	}

	clock.advance(8 * time.Second)
	m.Beat()
	if m.Check(start.Add(15 * time.Second)) {
		t.Fatal("lock-up declared although a beat arrived")
	}

	pop := tr.Push("remote.call overlay")
	defer pop()
	if !m.Check(start.Add(30 * time.Second)) {
		t.Fatal("lock-up not declared after threshold")
	}
	if !m.LockedUp() {
		t.Error("LockedUp() = false after declaration")
	}
	if !m.Check(start.Add(40 * time.Second)) {
		t.Error("Check() after lock-up should keep returning true")
	}

	if len(dumps) != 1 {
		t.Fatalf("onLockup called %d times, want 1", len(dumps))
	}
	if !strings.Contains(dumps[0], "remote.call overlay") {
		t.Errorf("lock-up dump = %q, want open action", dumps[0])
	}
}
