package reporter

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/stores"
)

func meta(module, name string) engine.TestMetadata {
	return engine.TestMetadata{Module: module, Name: name}
}

func passed(m engine.TestMetadata, d time.Duration) *engine.Test {
	return &engine.Test{Metadata: m, Duration: d, Attempts: 1}
}

func failedTest(m engine.TestMetadata, d time.Duration, msg string) *engine.Test {
	return &engine.Test{
		Metadata: m,
		Duration: d,
		Attempts: 2,
		Err:      &engine.TestError{Kind: engine.TestErrorReturned, Message: msg},
	}
}

func TestListReporterLines(t *testing.T) {
	var out bytes.Buffer
	r := NewListReporter(&out, false)

	health := meta("api", "health_check")
	login := meta("auth", "login")

	require.NoError(t, r.OnStart("staging", health))
	require.NoError(t, r.OnStart("staging", login))
	require.NoError(t, r.OnEnd("staging", health, passed(health, 45210*time.Microsecond)))
	require.NoError(t, r.OnEnd("staging", login, failedTest(login, 123400*time.Microsecond, "expected 200, got 401")))

	assert.Equal(t,
		"✓ 1 [staging] api::health_check (45.21ms)\n"+
			"✘ 2 [staging] auth::login (123.40ms):\n"+
			"  Error: expected 200, got 401\n",
		out.String())
}

func TestListReporterRetryKeepsNumber(t *testing.T) {
	var out bytes.Buffer
	r := NewListReporter(&out, false)
	m := meta("users", "create")

	require.NoError(t, r.OnStart("default", m))
	require.NoError(t, r.OnRetry("default", m, failedTest(m, time.Millisecond, "boom\ntrace")))
	require.NoError(t, r.OnEnd("default", m, passed(m, 2*time.Second)))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "✘ 1 [default] users::create: retrying... (attempt 2: boom)", lines[0])
	assert.Equal(t, "✓ 1 [default] users::create (2.00s)", lines[1])
}

func TestListReporterFailedChecks(t *testing.T) {
	var out bytes.Buffer
	r := NewListReporter(&out, false)
	m := meta("users", "get")

	require.NoError(t, r.OnStart("default", m))
	require.NoError(t, r.OnCheck("default", m, &engine.Check{Passed: true, Expr: "ok"}))
	require.NoError(t, r.OnCheck("default", m, &engine.Check{Passed: false, Expr: "status == 200"}))
	require.NoError(t, r.OnCheck("default", m, &engine.Check{Passed: false, Expr: "1 == 2", Detail: "want 1, got 2"}))

	result := failedTest(m, time.Millisecond, "check failed: 1 == 2: want 1, got 2")
	require.NoError(t, r.OnEnd("default", m, result))

	text := out.String()
	assert.Contains(t, text, "  ✘ check failed: status == 200\n")
	assert.Equal(t, 1, strings.Count(text, "want 1, got 2"), "the check that failed the test is not repeated")
	assert.NotContains(t, text, "check failed: ok")
}

func TestListReporterCaptureHTTP(t *testing.T) {
	entry := &engine.LogEntry{
		Protocol: "http",
		Request: engine.LogRequest{
			Method:  "POST",
			URL:     "https://api.example.com/auth/login",
			Headers: map[string][]string{"Content-Type": {"application/json"}},
			Body:    `{"user":"ann"}`,
		},
		Response: engine.LogResponse{
			Status:     401,
			StatusText: "Unauthorized",
			Headers:    map[string][]string{"Content-Type": {"application/json"}},
			Body:       `{"error": "invalid credentials"}`,
			Duration:   12 * time.Millisecond,
		},
	}
	m := meta("auth", "login")

	t.Run("enabled", func(t *testing.T) {
		var out bytes.Buffer
		r := NewListReporter(&out, true)
		require.NoError(t, r.OnStart("prod", m))
		require.NoError(t, r.OnHTTPCall("prod", m, entry))
		require.NoError(t, r.OnEnd("prod", m, passed(m, time.Millisecond)))

		assert.Equal(t,
			" => POST https://api.example.com/auth/login\n"+
				"  > request:\n"+
				"    > headers:\n"+
				"       > content-type: application/json\n"+
				"    > body: {\"user\":\"ann\"}\n"+
				"  < response: 401 Unauthorized (12.00ms)\n"+
				"    < headers:\n"+
				"       < content-type: application/json\n"+
				"    < body: {\"error\": \"invalid credentials\"}\n"+
				"✓ 1 [prod] auth::login (1.00ms)\n",
			out.String())
	})

	t.Run("disabled", func(t *testing.T) {
		var out bytes.Buffer
		r := NewListReporter(&out, false)
		require.NoError(t, r.OnStart("prod", m))
		require.NoError(t, r.OnHTTPCall("prod", m, entry))
		require.NoError(t, r.OnEnd("prod", m, passed(m, time.Millisecond)))

		assert.NotContains(t, out.String(), "=>")
	})

	t.Run("transport error and truncation", func(t *testing.T) {
		var out bytes.Buffer
		r := NewListReporter(&out, true)
		r.SetBodyWidth(5)
		broken := &engine.LogEntry{
			Request: engine.LogRequest{Method: "GET", URL: "http://down", Body: "0123456789"},
			Error:   "connection refused",
		}
		require.NoError(t, r.OnStart("prod", m))
		require.NoError(t, r.OnHTTPCall("prod", m, broken))
		require.NoError(t, r.OnEnd("prod", m, passed(m, time.Millisecond)))

		assert.Contains(t, out.String(), "    > body: 0123…\n")
		assert.Contains(t, out.String(), "  ! error: connection refused\n")
		assert.NotContains(t, out.String(), "< response")
	})
}

func TestTableReporter(t *testing.T) {
	var out bytes.Buffer
	r := NewTableReporter(&out, []string{"staging", "prod"})

	a := meta("api", "status")
	b := meta("auth", "login")
	panicked := &engine.Test{Metadata: b, Attempts: 1, Err: &engine.TestError{Kind: engine.TestErrorPanicked, Message: "boom"}}

	require.NoError(t, r.OnEnd("prod", a, passed(a, time.Millisecond)))
	require.NoError(t, r.OnEnd("staging", b, panicked))
	require.NoError(t, r.OnEnd("staging", a, failedTest(a, time.Millisecond, "nope")))
	require.NoError(t, r.Finish())

	text := out.String()
	for _, want := range []string{"Project", "Module", "Test", "Result", "✓ passed", "✘ failed", "✘ panicked"} {
		assert.Contains(t, text, want)
	}

	stagingStatus := strings.Index(text, "✘ failed")
	stagingLogin := strings.Index(text, "✘ panicked")
	prodStatus := strings.Index(text, "✓ passed")
	assert.Less(t, stagingStatus, stagingLogin, "modules sort within a project")
	assert.Less(t, stagingLogin, prodStatus, "projects follow configuration order")

	assert.True(t, strings.HasSuffix(text, "3 tests: 1 passed, 2 failed (1 retried)\n"))
}

func TestTableReporterTruncatesCells(t *testing.T) {
	long := strings.Repeat("x", MaxCellWidth+10)
	assert.Equal(t, MaxCellWidth, len([]rune(cell(long))))
	assert.Equal(t, "short", cell("short"))
}

func newHistoryStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestHistoryReporter(t *testing.T) {
	store := newHistoryStore(t)
	ctx := context.Background()

	r, err := NewHistoryReporter(ctx, store, []string{"staging"}, zerolog.Nop())
	require.NoError(t, err)

	run, err := store.GetRun(ctx, r.RunID())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusRunning, run.Status)
	assert.Equal(t, `["staging"]`, run.Projects)

	ok := meta("users", "list")
	bad := meta("users", "delete")
	entry := &engine.LogEntry{
		Protocol:  "http",
		Request:   engine.LogRequest{Method: "DELETE", URL: "https://api.example.com/users/1"},
		Response:  engine.LogResponse{Status: 500, Duration: 7 * time.Millisecond},
		StartedAt: time.Now(),
	}

	require.NoError(t, r.OnStart("staging", ok))
	require.NoError(t, r.OnStart("staging", bad))
	require.NoError(t, r.OnHTTPCall("staging", bad, entry))
	require.NoError(t, r.OnEnd("staging", ok, passed(ok, 3*time.Millisecond)))
	require.NoError(t, r.OnEnd("staging", bad, failedTest(bad, 9*time.Millisecond, "expected 204, got 500")))
	require.NoError(t, r.Finish())

	run, err = store.GetRun(ctx, r.RunID())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "1 tests failed", *run.Error)

	summary, err := store.Summarize(ctx, r.RunID())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 1, summary.Calls)

	history, err := store.TestHistory(ctx, "staging", "users", "delete", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	calls, err := store.ListCallsByResult(ctx, history[0].ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "DELETE", calls[0].Method)
	assert.Equal(t, 500, calls[0].Status)
	assert.Equal(t, int64(7), calls[0].DurationMs)
	assert.Contains(t, calls[0].Entry, `"protocol":"http"`)
}

func TestHistoryReporterMarkCancelled(t *testing.T) {
	store := newHistoryStore(t)
	ctx := context.Background()

	r, err := NewHistoryReporter(ctx, store, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.MarkFinished(engine.RunStatusCancelled, nil))

	run, err := store.GetRun(ctx, r.RunID())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCancelled, run.Status)
	assert.Equal(t, "[]", run.Projects)
}

func TestParseNames(t *testing.T) {
	assert.Equal(t, []string{DefaultName}, ParseNames(""))
	assert.Equal(t, []string{"list", "table"}, ParseNames(" list, TABLE ,,list"))
}

func TestNew(t *testing.T) {
	var out bytes.Buffer

	reps, err := New(context.Background(), []string{NameNull, NameList, NameTable}, Options{Out: &out})
	require.NoError(t, err)
	require.Len(t, reps, 3)
	assert.IsType(t, &NullReporter{}, reps[0])
	assert.IsType(t, &ListReporter{}, reps[1])
	assert.IsType(t, &TableReporter{}, reps[2])

	_, err = New(context.Background(), []string{"junit"}, Options{Out: &out})
	require.Error(t, err)
	assert.True(t, engine.IsConfig(err))

	_, err = New(context.Background(), []string{NameHistory}, Options{Out: &out})
	require.Error(t, err)
	var engErr *engine.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, engine.ErrCodeInvalidConfig, engErr.Code)

	reps, err = New(context.Background(), []string{NameHistory}, Options{Store: newHistoryStore(t)})
	require.NoError(t, err)
	assert.IsType(t, &HistoryReporter{}, reps[0])
}

func TestListReporterDrivenByRunner(t *testing.T) {
	var out bytes.Buffer
	runner := engine.NewRunner(
		engine.WithProjects(&engine.ProjectConfig{Name: "staging"}),
		engine.WithLogger(zerolog.Nop()),
		engine.WithRetries(0),
	)
	runner.AddReporter(NewListReporter(&out, false))
	runner.MustRegister(engine.NewTest("health", "ok", func(ctx context.Context) error { return nil }))
	runner.MustRegister(engine.NewTest("health", "broken", func(ctx context.Context) error {
		return engine.CheckEqual(ctx, 200, 503)
	}))

	err := runner.Run(context.Background(), nil, nil, nil)
	require.ErrorIs(t, err, engine.ErrTestsFailed)

	text := out.String()
	assert.Contains(t, text, "[staging] health::ok (")
	assert.Contains(t, text, "✘ ")
	assert.Contains(t, text, "  Error: check failed: 200 == 503: want 200, got 503\n")
}
