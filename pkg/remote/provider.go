// Package remote attaches the engine to execution environments: in-process ones
// directly, remote ones through a host daemon (tcp://) or over SSH (ssh://).
package remote

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/remote/client"
	"github.com/openfroyo/livegraph/pkg/remote/server"
	"github.com/openfroyo/livegraph/pkg/runtime"
	"github.com/openfroyo/livegraph/pkg/transports/ssh"
)

// DefaultRemoteBinary is where the peer binary is uploaded for ssh:// hosts,
// relative to the remote user's home directory.
const DefaultRemoteBinary = ".livegraph/bin/livegraph"

// SSHOptions configures ssh:// environments.
type SSHOptions struct {
	PrivateKeyPath        string
	KnownHostsPath        string
	StrictHostKeyChecking bool

	// RemoteBinary overrides DefaultRemoteBinary.
	RemoteBinary string
}

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	// Registry builds objects in in-process environments.
	Registry *runtime.Registry

	Logger zerolog.Logger

	// PeerBinary is the local livegraph executable uploaded to ssh:// hosts.
	// Defaults to the running executable.
	PeerBinary string

	// ProbeTimeout bounds ProbeHost.
	ProbeTimeout time.Duration

	// StartupTimeout bounds the READY handshake of a peer.
	StartupTimeout time.Duration

	// CallTimeout bounds remote calls without their own deadline.
	CallTimeout time.Duration

	SSH SSHOptions

	// DialSSH creates the transport for ssh:// hosts. Defaults to an
	// x/crypto/ssh client.
	DialSSH func(cfg *ssh.Config) (ssh.Transport, error)
}

// Provider implements engine.EnvironmentProvider.
type Provider struct {
	opts   ProviderOptions
	logger zerolog.Logger
}

// NewProvider creates a provider.
func NewProvider(opts ProviderOptions) *Provider {
	if opts.Registry == nil {
		opts.Registry = runtime.DefaultRegistry()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.SSH.RemoteBinary == "" {
		opts.SSH.RemoteBinary = DefaultRemoteBinary
	}
	if opts.DialSSH == nil {
		opts.DialSSH = dialSSH
	}
	return &Provider{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "provider").Logger(),
	}
}

// Attach implements engine.EnvironmentProvider.
func (p *Provider) Attach(ctx context.Context, key engine.EnvironmentKey) (engine.Environment, error) {
	if key.InProcess() {
		return runtime.NewLocal(key.String(), p.opts.Registry, p.opts.Logger), nil
	}

	u, err := url.Parse(key.HostURI)
	if err != nil {
		return nil, fmt.Errorf("invalid host uri %q: %w", key.HostURI, err)
	}
	switch u.Scheme {
	case "tcp":
		return p.attachDaemon(ctx, key, hostPort(u, server.DefaultDaemonPort))
	case "ssh":
		return p.attachSSH(ctx, key)
	default:
		return nil, fmt.Errorf("unsupported host uri scheme %q", u.Scheme)
	}
}

func (p *Provider) clientConfig(key engine.EnvironmentKey) client.Config {
	return client.Config{
		Name:           key.String(),
		Logger:         p.opts.Logger,
		StartupTimeout: p.opts.StartupTimeout,
		CallTimeout:    p.opts.CallTimeout,
	}
}

// attachDaemon asks the host daemon for the peer and connects to it.
func (p *Provider) attachDaemon(ctx context.Context, key engine.EnvironmentKey, daemon string) (engine.Environment, error) {
	spawned, err := client.RequestSpawn(ctx, daemon, key.ProcessName)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", key, err)
	}
	p.logger.Debug().
		Str("env", key.String()).
		Str("address", spawned.Address).
		Int("pid", spawned.PID).
		Bool("reused", spawned.Reused).
		Msg("Peer available")

	c, err := client.Dial(ctx, spawned.Address, p.clientConfig(key))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// attachSSH uploads the peer binary if needed and runs it over the SSH session.
func (p *Provider) attachSSH(ctx context.Context, key engine.EnvironmentKey) (engine.Environment, error) {
	cfg, err := ssh.ParseURI(key.HostURI)
	if err != nil {
		return nil, err
	}
	if p.opts.SSH.PrivateKeyPath != "" {
		cfg.PrivateKeyPath = p.opts.SSH.PrivateKeyPath
	}
	if p.opts.SSH.KnownHostsPath != "" {
		cfg.KnownHostsPath = p.opts.SSH.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = p.opts.SSH.StrictHostKeyChecking
	p.logger.Debug().Str("host", cfg.URI()).Str("process", key.ProcessName).Msg("Attaching peer over SSH")

	binary := p.opts.PeerBinary
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to resolve peer binary: %w", err)
		}
	}

	transport, err := p.opts.DialSSH(cfg)
	if err != nil {
		return nil, err
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}

	remoteBinary := p.opts.SSH.RemoteBinary
	if _, err := transport.EnsureFile(ctx, binary, remoteBinary, 0o755); err != nil {
		_ = transport.Disconnect()
		return nil, err
	}

	if !path.IsAbs(remoteBinary) {
		remoteBinary = "./" + remoteBinary
	}
	cmd := fmt.Sprintf("%s peer --stdio --name %s", ssh.ShellQuote(remoteBinary), ssh.ShellQuote(key.ProcessName))
	proc, err := transport.StartProcess(ctx, cmd)
	if err != nil {
		_ = transport.Disconnect()
		return nil, err
	}

	cc := p.clientConfig(key)
	cc.OnClose = func() error {
		_ = proc.Close()
		return transport.Disconnect()
	}
	return client.New(ctx, proc, cc)
}

func dialSSH(cfg *ssh.Config) (ssh.Transport, error) {
	return ssh.NewSSHClient(cfg)
}

// ProbeHost implements engine.EnvironmentProvider with a plain TCP connection
// to the daemon or SSH port.
func (p *Provider) ProbeHost(ctx context.Context, hostURI string) error {
	u, err := url.Parse(hostURI)
	if err != nil {
		return fmt.Errorf("invalid host uri %q: %w", hostURI, err)
	}
	port := server.DefaultDaemonPort
	if u.Scheme == "ssh" {
		port = 22
	}

	d := net.Dialer{Timeout: p.opts.ProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", hostPort(u, port))
	if err != nil {
		return err
	}
	return conn.Close()
}

func hostPort(u *url.URL, defaultPort int) string {
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(defaultPort)
	}
	return net.JoinHostPort(u.Hostname(), port)
}

var _ engine.EnvironmentProvider = (*Provider)(nil)
