package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyNothing = "package empty\n\nimport rego.v1\n\ndeny contains \"never\" if { false }\n"

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(dir, "a.rego"):      denyNothing,
		filepath.Join(sub, "b.rego"):      denyNothing,
		filepath.Join(dir, "notes.txt"):   "ignored",
		filepath.Join(dir, "broken.json"): "{",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	for _, p := range policies {
		if p.Severity != SeverityError || !p.Enabled || p.Source == "" {
			t.Errorf("unexpected defaults for %s: %+v", p.Name, p)
		}
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "broken.json")}); err == nil {
		t.Error("expected error for an explicit broken file")
	}
	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for a missing path")
	}
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	loader := NewLoader(zerolog.Nop())
	if err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "late.rego"), []byte(denyNothing), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-reloaded:
		if len(p) != 1 || p[0].Name != "late" {
			t.Errorf("reloaded = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after writing a policy file")
	}
}
