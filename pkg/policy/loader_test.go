package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestLoadFromPaths_RegoFile(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "no-prod-writes.rego", noProdWritesPolicy)

	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}

	policy := policies[0]
	if policy.Name != "no-prod-writes" {
		t.Errorf("Expected name 'no-prod-writes', got '%s'", policy.Name)
	}
	if policy.Rego != noProdWritesPolicy {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Description != "Keep destructive modules away from production." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Metadata["source"] != path {
		t.Errorf("Expected source metadata %s, got %v", path, policy.Metadata["source"])
	}
}

func TestLoadFromPaths_JSONFile(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "defs/slow.json", `{"description": "Skip slow tests", "rego": "package fieldtest\n\ndeny[msg] { input.data.skip_slow; msg := \"slow\" }"}`)

	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	policy := policies[0]
	if policy.Name != "slow" {
		t.Errorf("Expected name derived from file, got '%s'", policy.Name)
	}
	if policy.Description != "Skip slow tests" || !policy.Enabled {
		t.Errorf("Unexpected policy %+v", policy)
	}
}

func TestLoadFromPaths_JSONWithoutRego(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "empty.json", `{"name": "empty"}`)

	if _, err := newTestLoader().LoadFromPaths(context.Background(), []string{path}); err == nil {
		t.Error("Expected error for JSON policy without rego")
	}
}

func TestLoadFromPaths_DirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "a.rego", noProdWritesPolicy)
	writePolicy(t, dir, "nested/deeper/b.rego", objectMessagePolicy)
	writePolicy(t, dir, "README.md", "# not a policy")
	writePolicy(t, dir, "broken.json", "{not json")

	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies (bad files skipped), got %d", len(policies))
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	dir := t.TempDir()
	unsupported := writePolicy(t, dir, "policy.txt", "text")

	tests := []struct {
		name string
		path string
	}{
		{name: "non-existent", path: filepath.Join(dir, "missing.rego")},
		{name: "unsupported type", path: unsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newTestLoader().LoadFromPaths(context.Background(), []string{tt.path}); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFromPaths_CacheFollowsModTime(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "p.rego", "package fieldtest\n# first\n")
	loader := newTestLoader()

	first, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	writePolicy(t, dir, "p.rego", "package fieldtest\n# second\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	second, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if first[0].Description != "first" || second[0].Description != "second" {
		t.Errorf("Expected reload after change, got %q then %q", first[0].Description, second[0].Description)
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Error("Cache should be empty after clear")
	}
}

func TestLeadingComment(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "before package", content: "# Line one\n# line two\npackage fieldtest\n", want: "Line one line two"},
		{name: "after package", content: "package fieldtest\n\n# Denies things\n\ndeny[x] { x := 1 }\n", want: "Denies things"},
		{name: "none", content: "package fieldtest\ndeny[x] { x := 1 }\n", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := leadingComment(tt.content); got != tt.want {
				t.Errorf("leadingComment() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWatchReloadsEngine(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "p.rego", noProdWritesPolicy)

	eng := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := newTestLoader()
	if err := loader.Watch(ctx, []string{dir}, eng); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer loader.StopWatching()

	writePolicy(t, dir, "q.rego", objectMessagePolicy)

	staging := &engine.ProjectConfig{Name: "staging", Data: map[string]any{"skip_slow": true}}
	deadline := time.Now().Add(5 * time.Second)
	for eng.Allow(staging, meta("users", "import_slow")) {
		if time.Now().After(deadline) {
			t.Fatal("New policy was never picked up")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
