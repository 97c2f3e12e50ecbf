// Package server exposes in-process environments to remote engines.
//
// A Peer serves one runtime.Local over the JSON-lines protocol: it announces
// itself with READY and then executes CALL frames in the order they arrive.
// Objects constructed through a connection are released when it closes, so an
// engine that detaches leaves nothing behind.
//
// A HostDaemon runs on every remote host. It answers SPAWN requests by starting
// (or reusing) a peer process and replying with the address it listens on.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/remote/protocol"
	"github.com/openfroyo/livegraph/pkg/runtime"
)

// PeerConfig contains peer options.
type PeerConfig struct {
	// Logger receives the peer's own records.
	Logger zerolog.Logger

	// Forwarder, when set, streams the environment's log records to every
	// connected engine.
	Forwarder *LogForwarder

	// IdleTimeout stops Serve once no session has been open for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

// Peer serves a runtime.Local over the remote protocol.
type Peer struct {
	env       *runtime.Local
	logger    zerolog.Logger
	forwarder *LogForwarder
	idle      time.Duration

	calls    atomic.Int64
	sessions sync.WaitGroup

	mu      sync.Mutex
	active  int
	address string
	idleC   chan struct{}
}

// NewPeer creates a peer serving env.
func NewPeer(env *runtime.Local, cfg PeerConfig) *Peer {
	return &Peer{
		env:       env,
		logger:    cfg.Logger.With().Str("component", "peer").Str("environment", env.Name()).Logger(),
		forwarder: cfg.Forwarder,
		idle:      cfg.IdleTimeout,
		idleC:     make(chan struct{}, 1),
	}
}

// Calls returns the number of CALL frames handled so far.
func (p *Peer) Calls() int { return int(p.calls.Load()) }

// Ready builds the READY frame this peer announces.
func (p *Peer) Ready() *protocol.ReadyMessage {
	p.mu.Lock()
	address := p.address
	p.mu.Unlock()

	return &protocol.ReadyMessage{
		Version:      protocol.Version,
		Name:         p.env.Name(),
		Platform:     goruntime.GOOS,
		Arch:         goruntime.GOARCH,
		PID:          os.Getpid(),
		Address:      address,
		Capabilities: p.env.Capabilities(),
	}
}

// Serve accepts connections on ln until ctx ends, the listener fails, or the
// idle timeout expires. Open sessions are closed before it returns.
func (p *Peer) Serve(ctx context.Context, ln net.Listener) error {
	p.mu.Lock()
	p.address = ln.Addr().String()
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	if p.idle > 0 {
		go p.watchIdle(ctx, cancel)
	}

	p.logger.Info().Str("address", ln.Addr().String()).Msg("Peer listening")
	var err error
	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("accept: %w", acceptErr)
			}
			break
		}
		p.sessions.Add(1)
		go func() {
			defer p.sessions.Done()
			if err := p.ServeConn(ctx, conn); err != nil {
				p.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Session ended with error")
			}
		}()
	}

	cancel()
	p.sessions.Wait()
	return err
}

func (p *Peer) watchIdle(ctx context.Context, stop context.CancelFunc) {
	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.idleC:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idle)
		case <-timer.C:
			p.mu.Lock()
			active := p.active
			p.mu.Unlock()
			if active > 0 {
				timer.Reset(p.idle)
				continue
			}
			p.logger.Info().Dur("idle", p.idle).Msg("Peer idle, shutting down")
			stop()
			return
		}
	}
}

func (p *Peer) touch(delta int) {
	p.mu.Lock()
	p.active += delta
	p.mu.Unlock()
	select {
	case p.idleC <- struct{}{}:
	default:
	}
}

// session is one engine connection.
type session struct {
	peer    *Peer
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	logger  zerolog.Logger
	owned   map[string]struct{}
}

// ServeConn runs one session on conn until the engine disconnects or ctx ends.
// It owns conn and closes it before returning.
func (p *Peer) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	p.touch(1)
	defer p.touch(-1)

	s := &session{
		peer:    p,
		encoder: protocol.NewEncoder(conn),
		decoder: protocol.NewDecoder(conn),
		logger:  p.logger,
		owned:   make(map[string]struct{}),
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.encoder.EncodeExit(&protocol.ExitMessage{Reason: "shutdown", Calls: p.Calls()})
		_ = conn.Close()
	})
	defer stop()
	defer conn.Close()
	defer s.releaseOwned()

	if err := s.encoder.EncodeReady(p.Ready()); err != nil {
		return fmt.Errorf("failed to send READY: %w", err)
	}
	if p.forwarder != nil {
		p.forwarder.attach(s.encoder)
		defer p.forwarder.detach(s.encoder)
	}

	for {
		msg, err := s.decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Type != protocol.MessageTypeCall {
			_ = s.encoder.EncodeError(&protocol.ErrorMessage{
				Code:    protocol.CodeBadRequest,
				Message: fmt.Sprintf("unexpected %s frame", msg.Type),
			})
			continue
		}

		var call protocol.CallMessage
		if err := protocol.ParseData(msg.Data, &call); err != nil {
			_ = s.encoder.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: err.Error()})
			continue
		}
		if err := s.handle(ctx, &call); err != nil {
			return err
		}
	}
}

// handle executes one call and writes its answer. Only a failed write is
// returned.
func (s *session) handle(ctx context.Context, call *protocol.CallMessage) error {
	s.peer.calls.Add(1)
	if err := call.Validate(); err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{ID: call.ID, Code: protocol.CodeBadRequest, Message: err.Error()})
	}

	start := time.Now()
	value, err := s.execute(ctx, call)
	if err != nil {
		s.logger.Debug().Err(err).Str("op", string(call.Op)).Str("method", call.Method).Msg("Call failed")
		return s.encoder.EncodeError(&protocol.ErrorMessage{ID: call.ID, Code: errorCode(err), Message: err.Error()})
	}
	return s.encoder.EncodeResult(&protocol.ResultMessage{
		ID:       call.ID,
		Value:    value,
		Duration: time.Since(start).Seconds(),
	})
}

func (s *session) execute(ctx context.Context, call *protocol.CallMessage) (json.RawMessage, error) {
	env := s.peer.env
	switch call.Op {
	case protocol.OpPing:
		return nil, env.Ping(ctx)

	case protocol.OpConstruct:
		ref, err := env.ConstructRaw(ctx, call.Path, call.Args)
		if err != nil {
			return nil, err
		}
		s.owned[ref.ID] = struct{}{}
		return json.Marshal(ref.ID)

	case protocol.OpCall:
		return env.CallRaw(ctx, s.ref(call.Object), call.Method, call.Args)

	case protocol.OpRelease:
		delete(s.owned, call.Object)
		return nil, env.Release(ctx, s.ref(call.Object))

	default:
		return nil, fmt.Errorf("unsupported op %s", call.Op)
	}
}

func (s *session) ref(id string) engine.ObjectRef {
	return engine.ObjectRef{Env: s.peer.env.Name(), ID: id}
}

func (s *session) releaseOwned() {
	if len(s.owned) == 0 {
		return
	}
	ctx := context.Background()
	for id := range s.owned {
		if err := s.peer.env.Release(ctx, s.ref(id)); err != nil {
			s.logger.Debug().Err(err).Str("object", id).Msg("Release on disconnect failed")
		}
	}
	s.logger.Info().Int("objects", len(s.owned)).Msg("Released objects of closed session")
	s.owned = make(map[string]struct{})
}

func errorCode(err error) string {
	if errors.Is(err, runtime.ErrMethodNotFound) {
		return protocol.CodeMethodNotFound
	}
	return protocol.CodeCallFailed
}
