package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	goruntime "runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/policy"
	"github.com/openfroyo/livegraph/pkg/remote/protocol"
)

// DefaultDaemonPort is the port a host daemon listens on unless configured.
const DefaultDaemonPort = 17653

// DaemonConfig contains host daemon options.
type DaemonConfig struct {
	// Host names this machine in READY and policy input.
	Host string

	// MaxPeers limits the number of distinct running peers; zero means no limit.
	MaxPeers int

	Spawner Spawner

	// Policy admits or denies SPAWN requests. Nil admits everything.
	Policy *policy.Engine

	Logger zerolog.Logger
}

// HostDaemon spawns peers on request and reuses the ones still running.
type HostDaemon struct {
	cfg    DaemonConfig
	logger zerolog.Logger

	mu    sync.Mutex
	peers map[string]Process

	// spawnMu serializes spawns so two engines asking for the same process
	// get one peer.
	spawnMu sync.Mutex
	conns   sync.WaitGroup
}

// NewHostDaemon creates a daemon.
func NewHostDaemon(cfg DaemonConfig) (*HostDaemon, error) {
	if cfg.Spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	return &HostDaemon{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "host-daemon").Logger(),
		peers:  make(map[string]Process),
	}, nil
}

// Running returns the names of peers whose process is alive, sorted.
func (d *HostDaemon) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reapLocked()

	names := make([]string, 0, len(d.peers))
	for name := range d.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *HostDaemon) reapLocked() {
	for name, proc := range d.peers {
		select {
		case <-proc.Done():
			delete(d.peers, name)
		default:
		}
	}
}

// Spawn returns a running peer for the request, starting one if needed.
// Denied requests fail with a *protocol.CallError carrying CodeSpawnDenied.
func (d *HostDaemon) Spawn(ctx context.Context, req policy.SpawnRequest) (*protocol.SpawnedMessage, error) {
	d.spawnMu.Lock()
	defer d.spawnMu.Unlock()

	running := d.Running()
	if d.cfg.Policy != nil {
		decision, err := d.cfg.Policy.Evaluate(ctx, &policy.SpawnInput{
			Request: req,
			Daemon:  policy.DaemonState{Host: d.cfg.Host, Running: running, MaxPeers: d.cfg.MaxPeers},
		})
		if err != nil {
			return nil, &protocol.CallError{Code: protocol.CodeSpawnFailed, Message: fmt.Sprintf("policy evaluation failed: %v", err)}
		}
		for _, w := range decision.Warnings {
			d.logger.Warn().Str("policy", w.Policy).Str("process", req.ProcessName).Msg(w.Message)
		}
		if !decision.Allowed {
			d.logger.Warn().Str("process", req.ProcessName).Str("remote", req.Remote).Str("reason", decision.Reason()).Msg("Spawn denied")
			return nil, &protocol.CallError{Code: protocol.CodeSpawnDenied, Message: "spawn denied: " + decision.Reason()}
		}
	}

	d.mu.Lock()
	proc, ok := d.peers[req.ProcessName]
	d.mu.Unlock()
	if ok {
		select {
		case <-proc.Done():
		default:
			return &protocol.SpawnedMessage{ProcessName: proc.Name(), Address: proc.Address(), PID: proc.PID(), Reused: true}, nil
		}
	}

	proc, err := d.cfg.Spawner.Spawn(ctx, req.ProcessName)
	if err != nil {
		return nil, &protocol.CallError{Code: protocol.CodeSpawnFailed, Message: err.Error()}
	}
	d.mu.Lock()
	d.peers[req.ProcessName] = proc
	d.mu.Unlock()

	return &protocol.SpawnedMessage{ProcessName: proc.Name(), Address: proc.Address(), PID: proc.PID()}, nil
}

// Serve accepts engine connections on ln until ctx ends. Running peers are
// stopped before it returns.
func (d *HostDaemon) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	d.logger.Info().Str("address", ln.Addr().String()).Str("host", d.cfg.Host).Msg("Host daemon listening")
	var err error
	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("accept: %w", acceptErr)
			}
			break
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			if err := d.ServeConn(ctx, conn); err != nil {
				d.logger.Warn().Err(err).Msg("Daemon session ended with error")
			}
		}()
	}

	cancel()
	d.conns.Wait()
	d.StopAll()
	return err
}

// ServeConn answers SPAWN frames on conn until the engine disconnects.
func (d *HostDaemon) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:      protocol.Version,
		Name:         d.cfg.Host,
		Platform:     goruntime.GOOS,
		Arch:         goruntime.GOARCH,
		PID:          os.Getpid(),
		Address:      conn.LocalAddr().String(),
		Capabilities: []string{"spawn"},
	}); err != nil {
		return fmt.Errorf("failed to send READY: %w", err)
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Type != protocol.MessageTypeSpawn {
			if err := enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: fmt.Sprintf("unexpected %s frame", msg.Type)}); err != nil {
				return err
			}
			continue
		}

		var req protocol.SpawnMessage
		err = protocol.ParseData(msg.Data, &req)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			if err := enc.EncodeError(&protocol.ErrorMessage{ID: req.ID, Code: protocol.CodeBadRequest, Message: err.Error()}); err != nil {
				return err
			}
			continue
		}

		spawned, err := d.Spawn(ctx, policy.SpawnRequest{ProcessName: req.ProcessName, Remote: conn.RemoteAddr().String()})
		if err != nil {
			var ce *protocol.CallError
			if !errors.As(err, &ce) {
				ce = &protocol.CallError{Code: protocol.CodeSpawnFailed, Message: err.Error()}
			}
			if err := enc.EncodeError(&protocol.ErrorMessage{ID: req.ID, Code: ce.Code, Message: ce.Message}); err != nil {
				return err
			}
			continue
		}

		spawned.ID = req.ID
		spawned.Address = reachableAddress(conn, spawned.Address)
		if err := enc.EncodeSpawned(spawned); err != nil {
			return err
		}
	}
}

// reachableAddress rewrites a wildcard peer address to the interface the engine
// reached the daemon on.
func reachableAddress(conn net.Conn, address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsUnspecified() {
		return address
	}
	local, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return address
	}
	return net.JoinHostPort(local, port)
}

// StopAll terminates every spawned peer.
func (d *HostDaemon) StopAll() {
	d.mu.Lock()
	peers := d.peers
	d.peers = make(map[string]Process)
	d.mu.Unlock()

	for name, proc := range peers {
		if err := proc.Stop(); err != nil {
			d.logger.Warn().Err(err).Str("process", name).Msg("Failed to stop peer")
		}
	}
}
