package engine_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIdleCrashDetected(t *testing.T) {
	h := newHarness(t, func(o *engine.Options) { o.HeartbeatInterval = 20 * time.Millisecond })

	key := engine.EnvironmentKey{HostURI: "tcp://node:17653", ProcessName: "p"}
	h.submitZones(engine.ZoneSnapshot{"z": {HostURI: key.HostURI, ProcessName: key.ProcessName}})
	a := source("A")
	a.Zone = "z"
	h.submit([]engine.BlockSnapshot{a}, nil)
	if st := h.sink.block("A"); !st.Ready {
		t.Fatalf("A not ready: %+v", st)
	}

	h.prov.setAttachFails(key, true)
	h.prov.crash(key)

	waitFor(t, "zone failure without a new submission", func() bool {
		return !h.sink.zone("z").Healthy
	})
	st := h.sink.block("A")
	if st.Ready {
		t.Error("A still ready after its process crashed")
	}
	if len(st.BlockErrors) != 1 || !strings.HasPrefix(st.BlockErrors[0], "process crashed") {
		t.Errorf("block errors = %v, want process crashed", st.BlockErrors)
	}

	h.prov.setAttachFails(key, false)
	waitFor(t, "recovery without a new submission", func() bool {
		return h.sink.zone("z").Healthy && h.sink.block("A").Ready
	})
}

func TestIdleTickBeforeFirstSubmission(t *testing.T) {
	h := newHarness(t, func(o *engine.Options) { o.HeartbeatInterval = 10 * time.Millisecond })

	time.Sleep(100 * time.Millisecond)
	h.flush()
	if n := h.prov.attachCount(engine.LocalKey); n != 0 {
		t.Errorf("attaches before any submission = %d, want 0", n)
	}
}

type failingJournal struct{}

func (failingJournal) RecordEvent(context.Context, engine.JournalEvent) error {
	return errors.New("disk full")
}

func (failingJournal) RecordCommit(context.Context, []engine.ConnectionSnapshot) error {
	return errors.New("disk full")
}

func TestJournalErrorsAreLogged(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t, func(o *engine.Options) {
		o.Journal = failingJournal{}
		o.Logger = zerolog.New(&logs).Level(zerolog.DebugLevel)
	})

	h.submit([]engine.BlockSnapshot{source("A"), sink("B")}, []engine.ConnectionSnapshot{conn("A", "B")})

	if st := h.sink.block("B"); !st.Ready {
		t.Fatalf("B not ready with a failing journal: %+v", st)
	}
	out := logs.String()
	for _, want := range []string{"Error writing commit to journal", "Error writing journal event", "disk full"} {
		if !strings.Contains(out, want) {
			t.Errorf("logs missing %q:\n%s", want, out)
		}
	}
}
