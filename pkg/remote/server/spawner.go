package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/remote/protocol"
)

// Process is a running peer started by a Spawner.
type Process interface {
	// Name is the process name the peer was spawned for.
	Name() string

	// Address is where the peer listens, as it announced in READY.
	Address() string

	// PID of the peer process.
	PID() int

	// Done is closed when the process exits.
	Done() <-chan struct{}

	// Stop terminates the process.
	Stop() error
}

// Spawner starts peer processes.
type Spawner interface {
	Spawn(ctx context.Context, processName string) (Process, error)
}

// ExecSpawner starts peers as child processes of the daemon.
type ExecSpawner struct {
	// Binary is the livegraph executable; defaults to the running one.
	Binary string

	// ListenHost is the interface peers bind to.
	ListenHost string

	// StartupTimeout bounds the wait for the child's READY frame.
	StartupTimeout time.Duration

	Logger zerolog.Logger
}

// Spawn runs "<binary> peer --name <name> --listen <host>:0" and waits for the
// child to announce its address on stdout.
func (s *ExecSpawner) Spawn(ctx context.Context, processName string) (Process, error) {
	binary := s.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		binary = self
	}
	host := s.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	timeout := s.StartupTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	cmd := exec.Command(binary, "peer", "--name", processName, "--listen", host+":0")
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start peer: %w", err)
	}

	proc := &childProcess{name: processName, cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		s.Logger.Info().Err(err).Str("process", processName).Int("pid", cmd.Process.Pid).Msg("Peer process exited")
		close(proc.done)
	}()

	ready, err := awaitReady(ctx, stdout, timeout)
	if err != nil {
		_ = proc.Stop()
		return nil, err
	}
	// Nothing else is read from stdout; keep the pipe drained.
	go func() { _, _ = io.Copy(io.Discard, stdout) }()

	proc.address = ready.Address
	s.Logger.Info().
		Str("process", processName).
		Int("pid", ready.PID).
		Str("address", ready.Address).
		Msg("Peer process started")
	return proc, nil
}

// awaitReady reads the READY frame a peer prints once it listens.
func awaitReady(ctx context.Context, r io.Reader, timeout time.Duration) (*protocol.ReadyMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		var ready protocol.ReadyMessage
		if err := protocol.NewDecoder(r).Expect(protocol.MessageTypeReady, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout waiting for peer READY")
	case err := <-errCh:
		return nil, fmt.Errorf("peer did not become ready: %w", err)
	case ready := <-readyCh:
		if ready.Address == "" {
			return nil, fmt.Errorf("peer announced no address")
		}
		return ready, nil
	}
}

type childProcess struct {
	name    string
	address string
	cmd     *exec.Cmd
	done    chan struct{}
	once    sync.Once
}

func (p *childProcess) Name() string          { return p.name }
func (p *childProcess) Address() string       { return p.address }
func (p *childProcess) PID() int              { return p.cmd.Process.Pid }
func (p *childProcess) Done() <-chan struct{} { return p.done }

func (p *childProcess) Stop() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		err = p.cmd.Process.Kill()
	})
	return err
}
