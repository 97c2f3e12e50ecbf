package remote

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/remote/client"
	"github.com/openfroyo/livegraph/pkg/remote/server"
	"github.com/openfroyo/livegraph/pkg/runtime"
)

// inProcessSpawner starts peers as goroutines listening on loopback.
type inProcessSpawner struct {
	mu    sync.Mutex
	peers []*inProcessPeer
}

type inProcessPeer struct {
	name    string
	address string
	cancel  context.CancelFunc
	done    chan struct{}
}

func (p *inProcessPeer) Name() string          { return p.name }
func (p *inProcessPeer) Address() string       { return p.address }
func (p *inProcessPeer) PID() int              { return 1 }
func (p *inProcessPeer) Done() <-chan struct{} { return p.done }
func (p *inProcessPeer) Stop() error {
	p.cancel()
	<-p.done
	return nil
}

func (s *inProcessSpawner) Spawn(_ context.Context, name string) (server.Process, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	env := runtime.NewLocal(name, nil, zerolog.Nop())
	peer := server.NewPeer(env, server.PeerConfig{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	p := &inProcessPeer{name: name, address: ln.Addr().String(), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		_ = peer.Serve(ctx, ln)
	}()

	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()
	return p, nil
}

func startDaemon(t *testing.T) (string, *inProcessSpawner) {
	t.Helper()
	spawner := &inProcessSpawner{}
	d, err := server.NewHostDaemon(server.DaemonConfig{Host: "lab1", Spawner: spawner, Logger: zerolog.Nop()})
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
	return ln.Addr().String(), spawner
}

func TestProvider_AttachInProcess(t *testing.T) {
	p := NewProvider(ProviderOptions{Logger: zerolog.Nop()})

	for _, key := range []engine.EnvironmentKey{engine.LocalKey, engine.GUIKey} {
		env, err := p.Attach(context.Background(), key)
		if err != nil {
			t.Fatalf("Attach(%s) error = %v", key, err)
		}
		if env.Name() != key.String() {
			t.Errorf("Name() = %q, want %q", env.Name(), key.String())
		}
		if _, ok := env.(*runtime.Local); !ok {
			t.Errorf("Attach(%s) returned %T, want *runtime.Local", key, env)
		}
	}
}

func TestProvider_AttachThroughDaemon(t *testing.T) {
	ctx := context.Background()
	addr, spawner := startDaemon(t)
	p := NewProvider(ProviderOptions{Logger: zerolog.Nop()})

	key := engine.EnvironmentKey{HostURI: "tcp://" + addr, ProcessName: "worker1"}
	env, err := p.Attach(ctx, key)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer env.Close()

	if _, ok := env.(*client.Client); !ok {
		t.Fatalf("Attach() returned %T, want *client.Client", env)
	}
	ref, err := env.Construct(ctx, runtime.SourcePath, "float32")
	if err != nil {
		t.Fatalf("Construct() error = %v", err)
	}
	if ref.Env != key.String() {
		t.Errorf("ref.Env = %q, want %q", ref.Env, key.String())
	}
	raw, err := env.Call(ctx, ref, "outputPorts")
	if err != nil {
		t.Fatalf("outputPorts error = %v", err)
	}
	var ports []engine.PortDesc
	if err := json.Unmarshal(raw, &ports); err != nil || len(ports) != 1 {
		t.Errorf("outputPorts = %s, %v", raw, err)
	}

	// A second attach reuses the running peer.
	again, err := p.Attach(ctx, key)
	if err != nil {
		t.Fatalf("second Attach() error = %v", err)
	}
	defer again.Close()
	if len(spawner.peers) != 1 {
		t.Errorf("spawned %d peers, want 1", len(spawner.peers))
	}
}

func TestProvider_ProbeHost(t *testing.T) {
	addr, _ := startDaemon(t)
	p := NewProvider(ProviderOptions{Logger: zerolog.Nop()})
	ctx := context.Background()

	if err := p.ProbeHost(ctx, "tcp://"+addr); err != nil {
		t.Errorf("ProbeHost(live) error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	ln.Close()
	if err := p.ProbeHost(ctx, "tcp://"+dead); err == nil {
		t.Error("ProbeHost(dead) succeeded")
	}
}

func TestProvider_AttachErrors(t *testing.T) {
	p := NewProvider(ProviderOptions{Logger: zerolog.Nop()})
	ctx := context.Background()

	_, err := p.Attach(ctx, engine.EnvironmentKey{HostURI: "udp://lab1", ProcessName: "w"})
	if err == nil || !strings.Contains(err.Error(), "unsupported host uri scheme") {
		t.Errorf("unsupported scheme error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	ln.Close()
	if _, err := p.Attach(ctx, engine.EnvironmentKey{HostURI: "tcp://" + dead, ProcessName: "w"}); err == nil {
		t.Error("attach to a dead daemon succeeded")
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		uri  string
		port int
		want string
	}{
		{"tcp://lab1", 17653, "lab1:17653"},
		{"tcp://lab1:9000", 17653, "lab1:9000"},
		{"ssh://ops@lab1", 22, "lab1:22"},
		{"tcp://[::1]:9000", 17653, "[::1]:9000"},
	}
	for _, tt := range tests {
		u := mustParse(t, tt.uri)
		if got := hostPort(u, tt.port); got != tt.want {
			t.Errorf("hostPort(%s) = %s, want %s", tt.uri, got, tt.want)
		}
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}
