// Package client attaches to a peer process over the remote protocol and exposes
// it as an engine.Environment.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/remote/protocol"
	"github.com/openfroyo/livegraph/pkg/runtime"
)

// ErrClosed is returned for calls on a closed client or after the peer went away.
var ErrClosed = errors.New("client is closed")

// Config contains client configuration options.
type Config struct {
	// Name is the environment name; object references carry it.
	Name string

	// Logger receives the client's own records and the peer's forwarded LOG
	// records, the latter tagged with an origin field.
	Logger zerolog.Logger

	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration

	// CallTimeout bounds every call that has no earlier context deadline.
	CallTimeout time.Duration

	// OnClose runs once after the connection is torn down, e.g. to reap a child
	// process or an SSH session.
	OnClose func() error
}

func (c *Config) withDefaults() {
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
}

type response struct {
	value json.RawMessage
	err   error
}

// Client manages communication with one peer.
type Client struct {
	name        string
	conn        io.ReadWriteCloser
	encoder     *protocol.Encoder
	decoder     *protocol.Decoder
	ready       *protocol.ReadyMessage
	log         zerolog.Logger
	peerLog     zerolog.Logger
	callTimeout time.Duration
	onClose     func() error

	mu      sync.Mutex
	pending map[string]chan response
	closed  bool
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a peer listening on a TCP address.
func Dial(ctx context.Context, address string, cfg Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", address, err)
	}
	return New(ctx, conn, cfg)
}

// New performs the READY handshake on conn and starts the read loop. The client
// owns conn from here on.
func New(ctx context.Context, conn io.ReadWriteCloser, cfg Config) (*Client, error) {
	cfg.withDefaults()

	c := &Client{
		name:        cfg.Name,
		conn:        conn,
		encoder:     protocol.NewEncoder(conn),
		decoder:     protocol.NewDecoder(conn),
		log:         cfg.Logger.With().Str("component", "client").Str("environment", cfg.Name).Logger(),
		peerLog:     cfg.Logger.With().Str("origin", cfg.Name).Logger(),
		callTimeout: cfg.CallTimeout,
		onClose:     cfg.OnClose,
		pending:     make(map[string]chan response),
		done:        make(chan struct{}),
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		var ready protocol.ReadyMessage
		if err := c.decoder.Expect(protocol.MessageTypeReady, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		c.teardown(ErrClosed)
		return nil, fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		c.teardown(ErrClosed)
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		if ready.Version != protocol.Version {
			c.teardown(ErrClosed)
			return nil, fmt.Errorf("peer speaks protocol %q, want %q", ready.Version, protocol.Version)
		}
		c.ready = ready
	}

	c.log.Debug().Int("pid", c.ready.PID).Int("capabilities", len(c.ready.Capabilities)).Msg("Peer ready")
	go c.readLoop()
	return c, nil
}

// Name implements engine.Environment.
func (c *Client) Name() string { return c.name }

// Ready returns the READY message received during the handshake.
func (c *Client) Ready() *protocol.ReadyMessage { return c.ready }

// Capabilities implements engine.CapabilityReporter.
func (c *Client) Capabilities() []string {
	return append([]string(nil), c.ready.Capabilities...)
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			c.teardown(err)
			return
		}

		switch msg.Type {
		case protocol.MessageTypeResult:
			var res protocol.ResultMessage
			if err := protocol.ParseData(msg.Data, &res); err != nil {
				c.log.Warn().Err(err).Msg("Dropping malformed RESULT")
				continue
			}
			c.deliver(res.ID, response{value: res.Value})

		case protocol.MessageTypeError:
			var e protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &e); err != nil {
				c.log.Warn().Err(err).Msg("Dropping malformed ERROR")
				continue
			}
			c.deliver(e.ID, response{err: &protocol.CallError{Code: e.Code, Message: e.Message}})

		case protocol.MessageTypeLog:
			var rec protocol.LogMessage
			if err := protocol.ParseData(msg.Data, &rec); err != nil {
				continue
			}
			c.emit(rec)

		case protocol.MessageTypeExit:
			var exit protocol.ExitMessage
			_ = protocol.ParseData(msg.Data, &exit)
			c.log.Info().Str("reason", exit.Reason).Int("exit_code", exit.ExitCode).Msg("Peer exiting")

		default:
			c.log.Warn().Str("type", string(msg.Type)).Msg("Unexpected message from peer")
		}
	}
}

// emit re-logs a peer record locally.
func (c *Client) emit(rec protocol.LogMessage) {
	level, err := zerolog.ParseLevel(rec.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	c.peerLog.WithLevel(level).Fields(rec.Fields).Msg(rec.Message)
}

func (c *Client) deliver(id string, resp response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Str("id", id).Msg("Response for unknown call")
		return
	}
	ch <- resp
}

// teardown closes the connection once and fails every pending call with err.
func (c *Client) teardown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		pending := c.pending
		c.pending = make(map[string]chan response)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- response{err: err}
		}
		_ = c.conn.Close()
		if c.onClose != nil {
			if err := c.onClose(); err != nil {
				c.log.Debug().Err(err).Msg("Error during peer cleanup")
			}
		}
		close(c.done)
	})
}

func (c *Client) roundTrip(ctx context.Context, call *protocol.CallMessage) (json.RawMessage, error) {
	call.ID = uuid.New().String()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	c.pending[call.ID] = ch
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	if err := c.encoder.EncodeCall(call); err != nil {
		c.mu.Lock()
		delete(c.pending, call.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", call.Op, err)
	}

	select {
	case resp := <-ch:
		return resp.value, resp.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, call.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", call.Op, call.Method, ctx.Err())
	}
}

// Ping implements engine.Environment.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &protocol.CallMessage{Op: protocol.OpPing})
	return err
}

// Construct implements engine.Environment.
func (c *Client) Construct(ctx context.Context, path string, args ...any) (engine.ObjectRef, error) {
	raw, err := runtime.EncodeArgs(args)
	if err != nil {
		return engine.ObjectRef{}, err
	}
	value, err := c.roundTrip(ctx, &protocol.CallMessage{Op: protocol.OpConstruct, Path: path, Args: raw})
	if err != nil {
		return engine.ObjectRef{}, err
	}
	var id string
	if err := json.Unmarshal(value, &id); err != nil {
		return engine.ObjectRef{}, fmt.Errorf("decode object id: %w", err)
	}
	return engine.ObjectRef{Env: c.name, ID: id}, nil
}

// Call implements engine.Environment.
func (c *Client) Call(ctx context.Context, obj engine.ObjectRef, method string, args ...any) (json.RawMessage, error) {
	if obj.Env != c.name {
		return nil, fmt.Errorf("%w: %s does not belong to %s", runtime.ErrUnknownObject, obj, c.name)
	}
	raw, err := runtime.EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, &protocol.CallMessage{Op: protocol.OpCall, Object: obj.ID, Method: method, Args: raw})
}

// Release implements engine.Environment.
func (c *Client) Release(ctx context.Context, obj engine.ObjectRef) error {
	_, err := c.roundTrip(ctx, &protocol.CallMessage{Op: protocol.OpRelease, Object: obj.ID})
	return err
}

// Close implements engine.Environment. Closing the connection makes the peer
// release every object it created for this client.
func (c *Client) Close() error {
	c.teardown(ErrClosed)
	return nil
}
