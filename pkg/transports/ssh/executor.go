package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	startTime := time.Now()
	log.Debug().Str("command", cmd).Msg("executing command")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	sshClient, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			return stdout, stderr, &TransportError{
				Op:  "execute",
				Err: fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
			}
		}
		return stdout, stderr, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
	}

	return stdout, stderr, nil
}

// RemoteProcess is a command running in its own SSH session. Reads come from
// its stdout and writes go to its stdin.
type RemoteProcess struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	once sync.Once
	err  error
}

// StartProcess starts cmd in a new session. Stderr lines are logged at debug
// level. The process ends when Close is called or the command exits.
func (c *SSHClient) StartProcess(ctx context.Context, cmd string) (Process, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdinPipe, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	session.Stderr = &stderrLogger{host: c.config.Host}

	if err := ctx.Err(); err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: err}
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to start %q: %w", cmd, err), IsTemporary: true}
	}

	log.Info().Str("host", c.config.Host).Str("command", cmd).Msg("remote process started")
	return &RemoteProcess{session: session, stdin: stdinPipe, stdout: stdoutPipe}, nil
}

func (p *RemoteProcess) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *RemoteProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Wait blocks until the command exits.
func (p *RemoteProcess) Wait() error { return p.session.Wait() }

// Close closes stdin, which tells the peer to exit, then tears down the session.
func (p *RemoteProcess) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		_ = p.session.Signal(ssh.SIGTERM)
		if err := p.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			p.err = err
		}
	})
	return p.err
}

// stderrLogger logs each stderr line of a remote process.
type stderrLogger struct {
	host string
	buf  []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.buf[:i])); line != "" {
			log.Debug().Str("host", w.host).Str("stream", "stderr").Msg(line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
