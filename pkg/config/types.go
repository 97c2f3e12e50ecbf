package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/remote"
	"github.com/openfroyo/livegraph/pkg/telemetry"
)

// EngineConfig is the engine configuration file.
type EngineConfig struct {
	// Engine holds the worker timing knobs.
	Engine EngineSection `yaml:"engine"`

	// Remote configures how environments on other hosts are reached.
	Remote RemoteSection `yaml:"remote"`

	// Store configures the event journal.
	Store StoreSection `yaml:"store"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// ZonesFile is an optional zone configuration file (.cue, .json, .yaml or .star).
	ZonesFile string `yaml:"zones_file,omitempty"`

	// WatchZones reloads ZonesFile whenever it changes.
	WatchZones bool `yaml:"watch_zones,omitempty"`
}

// EngineSection configures the worker and its heartbeat monitor.
type EngineSection struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	LockupThreshold   time.Duration `yaml:"lockup_threshold" validate:"gtfield=HeartbeatInterval"`
	OverlayExpiry     time.Duration `yaml:"overlay_expiry" validate:"gt=0"`
	QueueSize         int           `yaml:"queue_size" validate:"gt=0"`
}

// RemoteSection configures peer attachment.
type RemoteSection struct {
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`

	// ProbeTimeout bounds the host reachability probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`

	// StartupTimeout bounds the wait for a peer's READY frame.
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"`

	// PeerBinary is uploaded to ssh:// hosts; defaults to the running executable.
	PeerBinary string `yaml:"peer_binary,omitempty"`

	SSH SSHSection `yaml:"ssh"`
}

// SSHSection configures ssh:// hosts.
type SSHSection struct {
	PrivateKeyPath        string `yaml:"private_key_path,omitempty"`
	KnownHostsPath        string `yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`
	RemoteBinary          string `yaml:"remote_binary" validate:"required"`
}

// StoreSection configures the SQLite event journal.
type StoreSection struct {
	// Path is the database file; empty disables the journal.
	Path string `yaml:"path,omitempty"`
}

// ValidationError represents a configuration error with location information.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "worker1.yieldMode").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one source.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Default returns the configuration used when no file is given.
func Default() *EngineConfig {
	return &EngineConfig{
		Engine: EngineSection{
			HeartbeatInterval: engine.DefaultHeartbeatInterval,
			LockupThreshold:   engine.DefaultLockupThreshold,
			OverlayExpiry:     engine.DefaultOverlayExpiry,
			QueueSize:         engine.DefaultQueueSize,
		},
		Remote: RemoteSection{
			CallTimeout:    30 * time.Second,
			ProbeTimeout:   2 * time.Second,
			StartupTimeout: 10 * time.Second,
			SSH: SSHSection{
				StrictHostKeyChecking: true,
				RemoteBinary:          remote.DefaultRemoteBinary,
			},
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
