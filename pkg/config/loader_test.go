package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/livegraph/pkg/engine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.HeartbeatInterval != engine.DefaultHeartbeatInterval {
		t.Errorf("heartbeat = %v", cfg.Engine.HeartbeatInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name      string
		content   string
		wantErr   string
		checkFunc func(*testing.T, *EngineConfig)
	}{
		{
			name: "partial file keeps defaults",
			content: `
engine:
  heartbeat_interval: 500ms
  lockup_threshold: 3s
remote:
  call_timeout: 5s
store:
  path: journal.db
zones_file: zones.cue
watch_zones: true
`,
			checkFunc: func(t *testing.T, cfg *EngineConfig) {
				if cfg.Engine.HeartbeatInterval != 500*time.Millisecond || cfg.Engine.LockupThreshold != 3*time.Second {
					t.Errorf("engine section = %+v", cfg.Engine)
				}
				if cfg.Engine.OverlayExpiry != engine.DefaultOverlayExpiry {
					t.Errorf("overlay expiry lost its default: %v", cfg.Engine.OverlayExpiry)
				}
				if cfg.Remote.CallTimeout != 5*time.Second || cfg.Remote.ProbeTimeout != 2*time.Second {
					t.Errorf("remote section = %+v", cfg.Remote)
				}
				if cfg.Store.Path != filepath.Join(dir, "journal.db") {
					t.Errorf("store path not resolved: %s", cfg.Store.Path)
				}
				if cfg.ZonesFile != filepath.Join(dir, "zones.cue") || !cfg.WatchZones {
					t.Errorf("zones = %s watch=%v", cfg.ZonesFile, cfg.WatchZones)
				}

				opts := cfg.EngineOptions()
				if opts.HeartbeatInterval != 500*time.Millisecond || opts.QueueSize != engine.DefaultQueueSize {
					t.Errorf("engine options = %+v", opts)
				}
				popts := cfg.ProviderOptions()
				if popts.CallTimeout != 5*time.Second || !popts.SSH.StrictHostKeyChecking {
					t.Errorf("provider options = %+v", popts)
				}
			},
		},
		{
			name:    "empty file",
			content: "",
			checkFunc: func(t *testing.T, cfg *EngineConfig) {
				if cfg.Remote.StartupTimeout != 10*time.Second {
					t.Errorf("startup timeout = %v", cfg.Remote.StartupTimeout)
				}
			},
		},
		{
			name:    "unknown key",
			content: "engine:\n  heartbeat: 1s\n",
			wantErr: "heartbeat",
		},
		{
			name:    "lockup below heartbeat",
			content: "engine:\n  heartbeat_interval: 2s\n  lockup_threshold: 1s\n",
			wantErr: "LockupThreshold",
		},
		{
			name:    "zero timeout",
			content: "remote:\n  call_timeout: 0s\n",
			wantErr: "CallTimeout",
		},
		{
			name:    "bad duration",
			content: "engine:\n  overlay_expiry: soon\n",
			wantErr: "failed to parse",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "config"+string(rune('a'+i))+".yaml", tt.content)
			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.checkFunc(t, cfg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate_FieldErrors(t *testing.T) {
	cfg := Default()
	cfg.Engine.QueueSize = 0
	cfg.Remote.SSH.RemoteBinary = ""

	err := cfg.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Validate() error = %v, want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 field errors, got %d: %v", len(verrs), verrs)
	}
}
