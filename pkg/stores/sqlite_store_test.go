package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) *Run {
	t.Helper()
	run := &Run{
		ID:        id,
		Status:    engine.RunStatusRunning,
		Projects:  `["staging"]`,
		StartedAt: startedAt,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func result(runID, id, name string, status engine.TestStatus, attempts int, finishedAt time.Time) *TestResult {
	return &TestResult{
		ID:         id,
		RunID:      runID,
		Project:    "staging",
		Module:     "users",
		Name:       name,
		Status:     status,
		Attempts:   attempts,
		DurationMs: 12,
		FinishedAt: finishedAt,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("health check should fail before Init")
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "test_results", "calls"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func TestFileStoreMigrationsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to initialize store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return store
	}

	first := open()
	createRun(t, first, "run-001", time.Now())
	if err := first.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	second := open()
	defer second.Close()
	if _, err := second.GetRun(ctx, "run-001"); err != nil {
		t.Errorf("run should survive reopen: %v", err)
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	createRun(t, store, "run-001", now)

	got, err := store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.RunStatusRunning || got.Projects != `["staging"]` || got.Metadata != "{}" {
		t.Errorf("unexpected run %+v", got)
	}
	if got.StartedAt.Unix() != now.Unix() {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, now)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt should be nil while running")
	}

	errMsg := "2 tests failed"
	if err := store.UpdateRunStatus(ctx, "run-001", engine.RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	got, err = store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.RunStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set for terminal status")
	}
	if got.Error == nil || *got.Error != errMsg {
		t.Errorf("Error = %v, want %q", got.Error, errMsg)
	}

	if err := store.UpdateRunStatus(ctx, "run-001", engine.RunStatus("exploded"), nil); !engine.IsValidation(err) {
		t.Errorf("expected validation error for bad status, got %v", err)
	}

	if err := store.DeleteRun(ctx, "run-001"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, "run-001"); err == nil {
		t.Error("expected error getting deleted run")
	}
}

func TestRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["get"] = store.GetRun(ctx, "missing")
	checks["update"] = store.UpdateRunStatus(ctx, "missing", engine.RunStatusSucceeded, nil)
	checks["delete"] = store.DeleteRun(ctx, "missing")
	_, checks["summarize"] = store.Summarize(ctx, "missing")

	for op, err := range checks {
		var engErr *engine.EngineError
		if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeNotFound {
			t.Errorf("%s: expected NOT_FOUND error, got %v", op, err)
		}
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		createRun(t, store, fmt.Sprintf("run-%03d", i), base.Add(time.Duration(i)*time.Minute))
	}

	runs, err := store.ListRuns(ctx, 3, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, want := range []string{"run-004", "run-003", "run-002"} {
		if runs[i].ID != want {
			t.Errorf("runs[%d] = %s, want %s", i, runs[i].ID, want)
		}
	}

	runs, err = store.ListRuns(ctx, 10, 3)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-001" {
		t.Errorf("unexpected second page: %d runs", len(runs))
	}
}

func TestSaveResultWithCalls(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	createRun(t, store, "run-001", now)

	errMsg := "error: expected 200, got 500"
	res := result("run-001", "res-1", "create_user", engine.TestStatusFailed, 2, now)
	res.Error = &errMsg
	calls := []*Call{
		{Protocol: "http", Method: "POST", Target: "https://api.example.com/users", Status: 500, DurationMs: 5, Entry: `{"protocol":"http"}`, StartedAt: now},
		{Protocol: "http", Method: "GET", Target: "https://api.example.com/users/1", Status: 404, DurationMs: 3, Entry: `{"protocol":"http"}`, StartedAt: now},
	}

	if err := store.SaveResult(ctx, res, calls); err != nil {
		t.Fatalf("failed to save result: %v", err)
	}
	if calls[0].ID == 0 || calls[1].ID <= calls[0].ID {
		t.Errorf("expected increasing call IDs, got %d, %d", calls[0].ID, calls[1].ID)
	}

	results, err := store.ListResultsByRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	got := results[0]
	if got.FullName() != "users::create_user" || got.Status != engine.TestStatusFailed || got.Attempts != 2 {
		t.Errorf("unexpected result %+v", got)
	}
	if got.Error == nil || *got.Error != errMsg {
		t.Errorf("Error = %v, want %q", got.Error, errMsg)
	}

	stored, err := store.ListCallsByResult(ctx, "res-1")
	if err != nil {
		t.Fatalf("failed to list calls: %v", err)
	}
	if len(stored) != 2 || stored[0].Method != "POST" || stored[1].Status != 404 {
		t.Errorf("unexpected calls %+v", stored)
	}
}

func TestSaveResultIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	createRun(t, store, "run-001", now)

	first := result("run-001", "res-1", "create_user", engine.TestStatusPassed, 1, now)
	if err := store.SaveResult(ctx, first, nil); err != nil {
		t.Fatalf("failed to save result: %v", err)
	}

	// Same (run, project, module, name) violates the unique constraint.
	dup := result("run-001", "res-2", "create_user", engine.TestStatusPassed, 1, now)
	calls := []*Call{{Protocol: "http", Method: "GET", Target: "/", Entry: "{}", StartedAt: now}}
	if err := store.SaveResult(ctx, dup, calls); err == nil {
		t.Fatal("expected error for duplicate result")
	}

	if stored, _ := store.ListCallsByResult(ctx, "res-2"); len(stored) != 0 {
		t.Error("calls of a failed save must be rolled back")
	}

	bad := result("run-001", "res-3", "other", engine.TestStatus("flaky"), 1, now)
	if err := store.SaveResult(ctx, bad, nil); !engine.IsValidation(err) {
		t.Errorf("expected validation error for bad status, got %v", err)
	}

	orphan := result("no-such-run", "res-4", "other", engine.TestStatusPassed, 1, now)
	if err := store.SaveResult(ctx, orphan, nil); err == nil {
		t.Error("expected foreign key error for unknown run")
	}
}

func TestDeleteRunCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	createRun(t, store, "run-001", now)
	calls := []*Call{{Protocol: "tcp", Method: "WRITE", Target: "db:5432", Entry: "{}", StartedAt: now}}
	if err := store.SaveResult(ctx, result("run-001", "res-1", "t", engine.TestStatusPassed, 1, now), calls); err != nil {
		t.Fatalf("failed to save result: %v", err)
	}

	if err := store.DeleteRun(ctx, "run-001"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	var n int
	if err := store.db.QueryRowContext(ctx, "SELECT (SELECT COUNT(*) FROM test_results) + (SELECT COUNT(*) FROM calls)").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected results and calls to be deleted, %d rows remain", n)
	}
}

func TestTestHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	statuses := []engine.TestStatus{engine.TestStatusPassed, engine.TestStatusFailed, engine.TestStatusPassed}
	for i, status := range statuses {
		runID := fmt.Sprintf("run-%d", i)
		at := base.Add(time.Duration(i) * time.Minute)
		createRun(t, store, runID, at)
		if err := store.SaveResult(ctx, result(runID, "res-"+runID, "login", status, 1, at), nil); err != nil {
			t.Fatalf("failed to save result: %v", err)
		}
	}

	history, err := store.TestHistory(ctx, "staging", "users", "login", 2)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 results, got %d", len(history))
	}
	if history[0].RunID != "run-2" || history[1].Status != engine.TestStatusFailed {
		t.Errorf("history not most-recent first: %s, %s", history[0].RunID, history[1].Status)
	}

	other, err := store.TestHistory(ctx, "prod", "users", "login", 10)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("history must be per project, got %d", len(other))
	}
}

func TestSummarize(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	createRun(t, store, "run-001", now)

	results := []*TestResult{
		result("run-001", "r1", "a", engine.TestStatusPassed, 1, now),
		result("run-001", "r2", "b", engine.TestStatusPassed, 3, now),
		result("run-001", "r3", "c", engine.TestStatusFailed, 2, now),
		result("run-001", "r4", "d", engine.TestStatusPanicked, 1, now),
	}
	for i, r := range results {
		calls := make([]*Call, i)
		for j := range calls {
			calls[j] = &Call{Protocol: "http", Method: "GET", Target: "/", Entry: "{}", StartedAt: now}
		}
		if err := store.SaveResult(ctx, r, calls); err != nil {
			t.Fatalf("failed to save result: %v", err)
		}
	}

	summary, err := store.Summarize(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to summarize: %v", err)
	}

	want := RunSummary{RunID: "run-001", Total: 4, Passed: 2, Failed: 1, Panicked: 1, Retried: 2, Calls: 6}
	if *summary != want {
		t.Errorf("Summarize() = %+v, want %+v", *summary, want)
	}

	createRun(t, store, "run-empty", now)
	empty, err := store.Summarize(ctx, "run-empty")
	if err != nil {
		t.Fatalf("failed to summarize: %v", err)
	}
	if empty.Total != 0 || empty.Calls != 0 {
		t.Errorf("expected empty summary, got %+v", empty)
	}
}

func TestStoreImplementsInterface(t *testing.T) {
	var _ Store = (*SQLiteStore)(nil)
}
