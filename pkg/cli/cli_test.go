package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtest/fieldtest/pkg/config"
	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/stores"
)

const testConfig = `
projects:
  - name: dev
    base_url: http://dev.local
  - name: staging
    base_url: http://staging.local
    test_ignore: ["api::login"]
`

const noStagingPolicy = `package fieldtest

import rego.v1

deny contains "staging is frozen" if {
	input.project == "staging"
}
`

func testSuite(r *engine.Runner) error {
	pass := func(context.Context) error { return nil }
	health := func(ctx context.Context) error {
		engine.CaptureLog(ctx, engine.LogEntry{
			Protocol: "http",
			Request:  engine.LogRequest{Method: "GET", URL: "http://svc/health"},
			Response: engine.LogResponse{Status: 200, StatusText: "200 OK"},
		})
		return nil
	}
	if err := r.Add("api", "health", health); err != nil {
		return err
	}
	if err := r.Add("api", "login", pass); err != nil {
		return err
	}
	return r.Add("users", "create", func(ctx context.Context) error {
		if engine.Project(ctx).Name == "staging" {
			return errors.New("user already exists")
		}
		return nil
	})
}

type harness struct {
	t      *testing.T
	dir    string
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldtest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	return &harness{t: t, dir: dir, config: path}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out syncBuffer
	err := h.runWith(context.Background(), &out, args...)
	return out.String(), err
}

func (h *harness) runWith(ctx context.Context, out io.Writer, args ...string) error {
	app := New(testSuite,
		WithBuildInfo(BuildInfo{Version: "1.2.3", Commit: "abc123", BuildDate: "2026-01-01"}),
		WithLoaderOptions(config.WithEnviron(func() []string { return nil }), config.WithDotenv()),
	)
	cmd := app.Command()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"--config", h.config}, args...))
	return cmd.ExecuteContext(ctx)
}

// syncBuffer is written by reporter goroutines while tests read it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestListCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("ls")
	require.NoError(t, err)

	want := strings.Join([]string{
		"* api",
		"  - [dev] api::health",
		"  - [staging] api::health",
		"  - [dev] api::login",
		"* users",
		"  - [dev] users::create",
		"  - [staging] users::create",
		"",
	}, "\n")
	assert.Equal(t, want, out)
}

func TestListCommandSelection(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("ls", "-p", "staging", "-m", "users")
	require.NoError(t, err)
	assert.Equal(t, "* users\n  - [staging] users::create\n", out)
}

func TestTestCommandPasses(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("test", "-p", "dev")
	require.NoError(t, err)
	assert.Contains(t, out, "[dev] api::health")
	assert.Contains(t, out, "[dev] users::create")
	assert.NotContains(t, out, "staging")
}

func TestTestCommandFails(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("test", "--retries", "0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrTestsFailed))
	assert.Contains(t, out, "[staging] users::create")
	assert.Contains(t, out, "user already exists")
}

func TestTestCommandTests(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("test", "--reporters", "table", "-t", "api::health,api::login")
	require.NoError(t, err)
	assert.Contains(t, out, "3 tests: 3 passed, 0 failed")
}

func TestTestCommandFilter(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("test", "--reporters", "null", "--filter", `module == "api"`)
	require.NoError(t, err)

	_, err = h.run("test", "--reporters", "null", "--filter", "module ==")
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
}

func TestTestCommandPolicy(t *testing.T) {
	h := newHarness(t)
	policyPath := filepath.Join(h.dir, "no_staging.rego")
	require.NoError(t, os.WriteFile(policyPath, []byte(noStagingPolicy), 0o644))

	out, err := h.run("test", "--reporters", "table", "--policy", policyPath)
	require.NoError(t, err)
	assert.Contains(t, out, "3 tests: 3 passed, 0 failed")
	assert.NotContains(t, out, "staging")
}

func TestTestCommandInvalidFlags(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown reporter", args: []string{"test", "--reporters", "junit"}},
		{name: "serial scope", args: []string{"test", "--serial-scope", "module"}},
		{name: "trace exporter", args: []string{"test", "--trace", "zipkin"}},
		{name: "missing policy", args: []string{"test", "--policy", filepath.Join(h.dir, "absent.rego")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.run(tt.args...)
			require.Error(t, err)
			assert.True(t, engine.IsConfig(err), "expected config error, got %v", err)
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	h := newHarness(t)
	h.config = filepath.Join(h.dir, "absent.yaml")

	_, err := h.run("ls")
	require.Error(t, err)
	assert.True(t, engine.IsConfig(err))

	var engErr *engine.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, engine.ErrCodeNotFound, engErr.Code)
}

func TestHistoryCommand(t *testing.T) {
	h := newHarness(t)
	db := filepath.Join(h.dir, "history.db")

	_, err := h.run("test", "-p", "dev", "--reporters", "null", "--history-db", db)
	require.NoError(t, err)

	out, err := h.run("history", "--history-db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "dev,staging")

	store, err := openStore(context.Background(), db)
	require.NoError(t, err)
	runs, err := store.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)

	out, err = h.run("history", "--history-db", db, runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+runs[0].ID+": succeeded")
	assert.Contains(t, out, "users::create")
	assert.Contains(t, out, "3 tests: 3 passed, 0 failed, 0 panicked")
}

func TestHistoryCommandDetails(t *testing.T) {
	h := newHarness(t)
	db := filepath.Join(h.dir, "history.db")

	_, err := h.run("test", "--retries", "0", "--reporters", "null", "--history-db", db)
	require.Error(t, err)

	store, err := openStore(context.Background(), db)
	require.NoError(t, err)
	runs, err := store.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	id := runs[0].ID

	out, err := h.run("history", "--history-db", db, "--calls", id)
	require.NoError(t, err)
	assert.Contains(t, out, "[dev] api::health\n  http GET http://svc/health -> 200")
	assert.Contains(t, out, "[staging] api::health\n  http GET http://svc/health -> 200")
	assert.NotContains(t, out, "[dev] users::create\n")

	out, err = h.run("history", "--history-db", db, id)
	require.NoError(t, err)
	assert.NotContains(t, out, "http GET")

	out, err = h.run("history", "--history-db", db, "--test", "users::create", "--project", "staging")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "user already exists")

	out, err = h.run("history", "--history-db", db, "--test", "users::create", "--project", "prod")
	require.NoError(t, err)
	assert.Equal(t, "No results recorded for [prod] users::create\n", out)

	out, err = h.run("history", "--history-db", db, "--delete", id)
	require.NoError(t, err)
	assert.Equal(t, "Deleted run "+id+"\n", out)

	out, err = h.run("history", "--history-db", db)
	require.NoError(t, err)
	assert.Equal(t, "No runs recorded\n", out)
}

func TestHistoryCommandInvalidFlags(t *testing.T) {
	h := newHarness(t)
	db := filepath.Join(h.dir, "history.db")

	for _, args := range [][]string{
		{"history", "--history-db", db, "--delete"},
		{"history", "--history-db", db, "--test", "users::create"},
		{"history", "--history-db", db, "--test", "users", "--project", "dev"},
	} {
		_, err := h.run(args...)
		require.Error(t, err, "%v", args)
		assert.True(t, engine.IsConfig(err), "%v: %v", args, err)
	}
}

func TestHistoryCommandEmpty(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("history", "--history-db", filepath.Join(h.dir, "empty.db"))
	require.NoError(t, err)
	assert.Equal(t, "No runs recorded\n", out)
}

func TestHistoryCommandUnknownRun(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("history", "--history-db", filepath.Join(h.dir, "empty.db"), "nope")
	require.Error(t, err)

	var engErr *engine.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, engine.ErrCodeNotFound, engErr.Code)
}

func TestFailedRunIsRecorded(t *testing.T) {
	h := newHarness(t)
	db := filepath.Join(h.dir, "history.db")

	_, err := h.run("test", "--retries", "0", "--reporters", "history", "--history-db", db)
	require.Error(t, err)

	store, err := openStore(context.Background(), db)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, engine.RunStatusFailed, runs[0].Status)

	summary, err := store.Summarize(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, &stores.RunSummary{RunID: runs[0].ID, Total: 5, Passed: 4, Failed: 1}, summary)
}

func TestValidateCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Config: "+h.config)
	assert.Contains(t, out, "Projects: 2")
	assert.Contains(t, out, "  - dev (base_url)")
	assert.Contains(t, out, "    ignores: api::login")
	assert.Contains(t, out, "Configuration is valid")
}

func TestValidateCommandPolicies(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "ok.rego"), []byte(noStagingPolicy), 0o644))

	out, err := h.run("validate", "--policy", h.dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Policies: 1")

	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "broken.rego"), []byte("package fieldtest\n\ndeny contains if {"), 0o644))
	_, err = h.run("validate", "--policy", h.dir)
	require.Error(t, err)
	assert.True(t, engine.IsConfig(err))
}

func TestWatchCommandRerunsOnConfigChange(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- h.runWith(ctx, &out, "watch", "-p", "dev", "--reporters", "table")
	}()

	runs := func() int { return strings.Count(out.String(), "3 tests: 3 passed") }
	require.Eventually(t, func() bool { return runs() == 1 }, 10*time.Second, 20*time.Millisecond)

	updated := strings.Replace(testConfig, "http://dev.local", "http://dev.internal", 1)
	require.NoError(t, os.WriteFile(h.config, []byte(updated), 0o644))
	require.Eventually(t, func() bool { return runs() == 2 }, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}

func TestVersionFlag(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("--version")
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.3 (commit: abc123, built: 2026-01-01)")
}

func TestReporterNames(t *testing.T) {
	f := &runFlags{reporters: "table"}
	assert.Equal(t, []string{"table"}, f.reporterNames())

	f.historyDB = "h.db"
	assert.Equal(t, []string{"table", "history"}, f.reporterNames())

	f.reporters = "history,list"
	assert.Equal(t, []string{"history", "list"}, f.reporterNames())
}
