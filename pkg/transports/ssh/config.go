package ssh

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how a peer host session authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Keys tried in order when no key is configured.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes the SSH session used to upload and run a peer on a host.
// A session lives as long as the environment it carries, so keep-alives are
// on by default.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is consulted only when StrictHostKeyChecking is set.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration

	// CommandTimeout bounds commands run without a context deadline, such as
	// the checksum query before an upload.
	CommandTimeout time.Duration

	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int
}

// DefaultConfig returns key-based settings for user@host with the first
// private key found under ~/.ssh.
func DefaultConfig(host string, user string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		PrivateKeyPath:        findKey(home),
		KnownHostsPath:        filepath.Join(home, ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		KeepAliveInterval:     30 * time.Second,
		MaxKeepAliveRetries:   3,
	}
}

func findKey(home string) string {
	if home == "" {
		return ""
	}
	for _, name := range defaultKeyNames {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ParseURI builds a Config from the host part of an environment key,
// ssh://[user[:password]@]host[:port]. The user defaults to $USER.
func ParseURI(uri string) (*Config, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid ssh uri %q: %w", uri, err)
	}
	bad := func(reason string) error { return fmt.Errorf("invalid ssh uri %q: %s", uri, reason) }
	switch {
	case u.Scheme != "ssh":
		return nil, bad("scheme must be ssh")
	case u.Hostname() == "":
		return nil, bad("host is required")
	}

	user := u.User.Username()
	if user == "" {
		user = os.Getenv("USER")
	}
	c := DefaultConfig(u.Hostname(), user)
	if p := u.Port(); p != "" {
		if c.Port, err = strconv.Atoi(p); err != nil {
			return nil, bad("bad port")
		}
	}
	if pass, ok := u.User.Password(); ok {
		c.AuthMethod = AuthMethodPassword
		c.Password = pass
	}
	return c, nil
}

// URI renders c back as an ssh:// URI without credentials.
func (c *Config) URI() string {
	u := url.URL{Scheme: "ssh", Host: c.Address()}
	if c.User != "" {
		u.User = url.User(c.User)
	}
	return u.String()
}

// Validate reports the first problem that would keep c from connecting.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case c.ConnectionTimeout <= 0:
		return errors.New("connection timeout must be positive")
	case c.CommandTimeout <= 0:
		return errors.New("command timeout must be positive")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			return errors.New("private key path is required for key authentication and no default key found")
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

// BuildSSHClientConfig turns c into an x/crypto/ssh client configuration.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Hosts often answer the password prompt through keyboard-interactive only.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil
	case AuthMethodKey:
		signer, err := c.signer()
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
}

func (c *Config) signer() (ssh.Signer, error) {
	pem, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if c.PrivateKeyPassphrase == "" {
		signer, err = ssh.ParsePrivateKey(pem)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Address returns host:port for dialing.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
