package server_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/policy"
	"github.com/openfroyo/livegraph/pkg/remote/client"
	"github.com/openfroyo/livegraph/pkg/remote/protocol"
	"github.com/openfroyo/livegraph/pkg/remote/server"
)

type fakeProcess struct {
	name    string
	address string
	done    chan struct{}
	once    sync.Once
}

func (p *fakeProcess) Name() string          { return p.name }
func (p *fakeProcess) Address() string       { return p.address }
func (p *fakeProcess) PID() int              { return 4242 }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Stop() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	spawned []*fakeProcess
	fail    error
}

func (s *fakeSpawner) Spawn(_ context.Context, name string) (server.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p := &fakeProcess{name: name, address: "0.0.0.0:4000", done: make(chan struct{})}
	s.spawned = append(s.spawned, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func startDaemon(t *testing.T, spawner server.Spawner, maxPeers int) string {
	t.Helper()
	pol, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("policy.NewEngine() error = %v", err)
	}
	d, err := server.NewHostDaemon(server.DaemonConfig{
		Host:     "lab1",
		MaxPeers: maxPeers,
		Spawner:  spawner,
		Policy:   pol,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewHostDaemon() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestHostDaemon_SpawnAndReuse(t *testing.T) {
	ctx := context.Background()
	spawner := &fakeSpawner{}
	addr := startDaemon(t, spawner, 0)

	first, err := client.RequestSpawn(ctx, addr, "worker1")
	if err != nil {
		t.Fatalf("RequestSpawn() error = %v", err)
	}
	if first.Address != "127.0.0.1:4000" {
		t.Errorf("Address = %q, want wildcard rewritten to 127.0.0.1:4000", first.Address)
	}
	if first.Reused || first.ProcessName != "worker1" || first.ID == "" {
		t.Errorf("unexpected first reply %+v", first)
	}

	second, err := client.RequestSpawn(ctx, addr, "worker1")
	if err != nil {
		t.Fatalf("RequestSpawn() error = %v", err)
	}
	if !second.Reused {
		t.Error("second spawn did not reuse the running peer")
	}
	if spawner.count() != 1 {
		t.Errorf("spawned %d processes, want 1", spawner.count())
	}

	// A crashed peer is started again.
	_ = spawner.spawned[0].Stop()
	third, err := client.RequestSpawn(ctx, addr, "worker1")
	if err != nil {
		t.Fatalf("RequestSpawn() error = %v", err)
	}
	if third.Reused || spawner.count() != 2 {
		t.Errorf("dead peer not respawned: reused=%v spawned=%d", third.Reused, spawner.count())
	}
}

func TestHostDaemon_Denied(t *testing.T) {
	tests := []struct {
		name     string
		maxPeers int
		process  string
		wantCode string
	}{
		{name: "reserved name", process: "gui", wantCode: protocol.CodeSpawnDenied},
		{name: "path in name", process: "../bin/sh", wantCode: protocol.CodeSpawnDenied},
		{name: "over limit", maxPeers: 1, process: "worker2", wantCode: protocol.CodeSpawnDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			spawner := &fakeSpawner{}
			addr := startDaemon(t, spawner, tt.maxPeers)
			if tt.maxPeers > 0 {
				if _, err := client.RequestSpawn(ctx, addr, "worker1"); err != nil {
					t.Fatalf("RequestSpawn() error = %v", err)
				}
			}

			_, err := client.RequestSpawn(ctx, addr, tt.process)
			var ce *protocol.CallError
			if !errors.As(err, &ce) || ce.Code != tt.wantCode {
				t.Fatalf("RequestSpawn() error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestHostDaemon_SpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{fail: errors.New("exec: no such file")}
	addr := startDaemon(t, spawner, 0)

	_, err := client.RequestSpawn(context.Background(), addr, "worker1")
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Code != protocol.CodeSpawnFailed {
		t.Fatalf("RequestSpawn() error = %v, want SPAWN_FAILED", err)
	}
	if ce.Message != "exec: no such file" {
		t.Errorf("Message = %q", ce.Message)
	}
}

func TestHostDaemon_Running(t *testing.T) {
	spawner := &fakeSpawner{}
	d, err := server.NewHostDaemon(server.DaemonConfig{Host: "lab1", Spawner: spawner, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewHostDaemon() error = %v", err)
	}
	ctx := context.Background()
	for _, name := range []string{"b", "a"} {
		if _, err := d.Spawn(ctx, policy.SpawnRequest{ProcessName: name}); err != nil {
			t.Fatalf("Spawn(%s) error = %v", name, err)
		}
	}
	if got := d.Running(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Running() = %v", got)
	}

	d.StopAll()
	if got := d.Running(); len(got) != 0 {
		t.Errorf("Running() after StopAll = %v", got)
	}
}

func TestNewHostDaemon_RequiresSpawner(t *testing.T) {
	if _, err := server.NewHostDaemon(server.DaemonConfig{}); err == nil {
		t.Error("expected error without a spawner")
	}
}
