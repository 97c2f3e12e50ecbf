package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/remote"
)

var validate = validator.New()

// Load reads an engine configuration file. Values missing from the file keep
// their defaults. An empty path returns the defaults.
func Load(path string) (*EngineConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := decodeYAML(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Relative paths are resolved against the config file's directory.
	base := filepath.Dir(path)
	cfg.ZonesFile = resolve(base, cfg.ZonesFile)
	cfg.Store.Path = resolve(base, cfg.Store.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *EngineConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// Validate checks the struct constraints of the configuration.
func (c *EngineConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on %q (value %v)", fe.Tag(), fe.Value()),
		})
	}
	return out
}

// EngineOptions copies the timing knobs into engine options. Collaborators
// (provider, sink, recorder, journal, tracer) are left for the caller.
func (c *EngineConfig) EngineOptions() engine.Options {
	return engine.Options{
		HeartbeatInterval: c.Engine.HeartbeatInterval,
		LockupThreshold:   c.Engine.LockupThreshold,
		OverlayExpiry:     c.Engine.OverlayExpiry,
		QueueSize:         c.Engine.QueueSize,
	}
}

// ProviderOptions copies the remote section into provider options. Registry
// and Logger are left for the caller.
func (c *EngineConfig) ProviderOptions() remote.ProviderOptions {
	return remote.ProviderOptions{
		PeerBinary:     c.Remote.PeerBinary,
		ProbeTimeout:   c.Remote.ProbeTimeout,
		StartupTimeout: c.Remote.StartupTimeout,
		CallTimeout:    c.Remote.CallTimeout,
		SSH: remote.SSHOptions{
			PrivateKeyPath:        c.Remote.SSH.PrivateKeyPath,
			KnownHostsPath:        c.Remote.SSH.KnownHostsPath,
			StrictHostKeyChecking: c.Remote.SSH.StrictHostKeyChecking,
			RemoteBinary:          c.Remote.SSH.RemoteBinary,
		},
	}
}
