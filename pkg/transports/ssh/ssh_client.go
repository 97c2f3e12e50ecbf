package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements the Transport interface over one SSH connection.
type SSHClient struct {
	config *Config

	client      *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		go func() {
			select {
			case client := <-connChan:
				_ = client.Close()
			case <-errChan:
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	case client := <-connChan:
		c.client = client
		c.isConnected = true
		c.connectedAt = time.Now()
		c.lastUsedAt = time.Now()
		c.stopKeep = make(chan struct{})

		if c.config.KeepAliveInterval > 0 {
			go c.keepAlive(client, c.stopKeep)
		}

		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	close(c.stopKeep)
	err := c.client.Close()
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.healthCheckInternal()
}

// healthCheckInternal runs "true" in a fresh session (must be called with lock held).
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Str("host", c.config.Host).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, closing connection")
				_ = client.Close()
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()
	return c.client, nil
}

var _ Transport = (*SSHClient)(nil)
