// Package ssh starts peer processes on remote hosts over SSH.
//
// The peer binary is uploaded with SFTP (skipped when the remote copy already
// has the same checksum) and started in a session whose stdin and stdout carry
// the peer protocol.
package ssh

import (
	"context"
	"io"
	"time"
)

// Transport defines the SSH operations needed to run a peer remotely.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs a command on the remote host.
	// Returns stdout, stderr, and any error that occurred.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// StartProcess starts a long-running command whose stdin and stdout are
	// exposed as a stream.
	StartProcess(ctx context.Context, cmd string) (Process, error)

	// UploadFile uploads a single file to the remote host via SFTP.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error

	// EnsureFile uploads localPath unless remotePath already has the same
	// SHA256 checksum. It reports whether an upload happened.
	EnsureFile(ctx context.Context, localPath string, remotePath string, mode uint32) (bool, error)

	// ComputeChecksum calculates the SHA256 checksum of a remote file.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// Process is a remote command. Reads come from its stdout and writes go to
// its stdin; Close ends it.
type Process interface {
	io.ReadWriteCloser

	// Wait blocks until the command exits.
	Wait() error
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

var _ Process = (*RemoteProcess)(nil)
