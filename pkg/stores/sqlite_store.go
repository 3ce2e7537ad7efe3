package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/fieldtest/fieldtest/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database, enabling foreign keys and, for files, WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}

	var dsn strings.Builder
	dsn.WriteString(s.cfg.Path)
	dsn.WriteString("?_txlock=immediate&_time_format=sqlite")
	for _, p := range pragmas {
		dsn.WriteString("&_pragma=")
		dsn.WriteString(p)
	}

	db, err := sql.Open("sqlite", dsn.String())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Projects == "" {
		run.Projects = "[]"
	}
	if run.Metadata == "" {
		run.Metadata = "{}"
	}

	query := `
		INSERT INTO runs (id, status, projects, started_at, completed_at, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.Projects,
		run.StartedAt.UTC(),
		run.CompletedAt,
		run.Error,
		run.Metadata,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, status, projects, started_at, completed_at, error, metadata, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.Projects,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Metadata,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run. Terminal statuses set completed_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status engine.RunStatus, errMsg *string) error {
	if err := status.Validate(); err != nil {
		return engine.NewValidationError("invalid run status", err)
	}

	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("run", id)
	}

	return nil
}

// ListRuns lists runs, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, created_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its results and calls
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("run", id)
	}

	return nil
}

// SaveResult stores a test result and its captured calls in one transaction
func (s *SQLiteStore) SaveResult(ctx context.Context, result *TestResult, calls []*Call) error {
	if err := result.Status.Validate(); err != nil {
		return engine.NewValidationError("invalid test status", err)
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO test_results (
			id, run_id, project, module, name, status, attempts, duration_ms, error, finished_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.ID,
		result.RunID,
		result.Project,
		result.Module,
		result.Name,
		result.Status,
		result.Attempts,
		result.DurationMs,
		result.Error,
		result.FinishedAt.UTC(),
		result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create test result: %w", err)
	}

	for _, call := range calls {
		call.ResultID = result.ID
		res, err := tx.ExecContext(ctx, `
			INSERT INTO calls (result_id, protocol, method, target, status, duration_ms, error, entry, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			call.ResultID,
			call.Protocol,
			call.Method,
			call.Target,
			call.Status,
			call.DurationMs,
			call.Error,
			call.Entry,
			call.StartedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to create call: %w", err)
		}
		if call.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get call id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}

	return nil
}

const resultColumns = `id, run_id, project, module, name, status, attempts, duration_ms, error, finished_at, created_at`

func scanResult(row interface{ Scan(...any) error }) (*TestResult, error) {
	r := &TestResult{}
	err := row.Scan(
		&r.ID,
		&r.RunID,
		&r.Project,
		&r.Module,
		&r.Name,
		&r.Status,
		&r.Attempts,
		&r.DurationMs,
		&r.Error,
		&r.FinishedAt,
		&r.CreatedAt,
	)
	return r, err
}

func (s *SQLiteStore) queryResults(ctx context.Context, query string, args ...any) ([]*TestResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list test results: %w", err)
	}
	defer rows.Close()

	results := []*TestResult{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating test results: %w", err)
	}

	return results, nil
}

// ListResultsByRun lists the results of a run in completion order
func (s *SQLiteStore) ListResultsByRun(ctx context.Context, runID string) ([]*TestResult, error) {
	return s.queryResults(ctx,
		`SELECT `+resultColumns+` FROM test_results WHERE run_id = ? ORDER BY finished_at ASC, rowid ASC`,
		runID)
}

// TestHistory lists the most recent results of one test in one project
func (s *SQLiteStore) TestHistory(ctx context.Context, project, module, name string, limit int) ([]*TestResult, error) {
	return s.queryResults(ctx, `
		SELECT `+resultColumns+` FROM test_results
		WHERE project = ? AND module = ? AND name = ?
		ORDER BY finished_at DESC, rowid DESC
		LIMIT ?
	`, project, module, name, limit)
}

// ListCallsByResult lists the calls captured by a result in capture order
func (s *SQLiteStore) ListCallsByResult(ctx context.Context, resultID string) ([]*Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, result_id, protocol, method, target, status, duration_ms, error, entry, started_at
		FROM calls
		WHERE result_id = ?
		ORDER BY id ASC
	`, resultID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	calls := []*Call{}
	for rows.Next() {
		c := &Call{}
		if err := rows.Scan(
			&c.ID,
			&c.ResultID,
			&c.Protocol,
			&c.Method,
			&c.Target,
			&c.Status,
			&c.DurationMs,
			&c.Error,
			&c.Entry,
			&c.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calls: %w", err)
	}

	return calls, nil
}

// Summarize aggregates the results of a run
func (s *SQLiteStore) Summarize(ctx context.Context, runID string) (*RunSummary, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	summary := &RunSummary{RunID: runID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'panicked' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN attempts > 1 THEN 1 ELSE 0 END), 0)
		FROM test_results
		WHERE run_id = ?
	`, runID).Scan(&summary.Total, &summary.Passed, &summary.Failed, &summary.Panicked, &summary.Retried)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize run: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM calls c JOIN test_results r ON r.id = c.result_id WHERE r.run_id = ?
	`, runID).Scan(&summary.Calls)
	if err != nil {
		return nil, fmt.Errorf("failed to count calls: %w", err)
	}

	return summary, nil
}

// HealthCheck verifies the database connection is usable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

func notFound(kind, id string) error {
	return engine.NewInfrastructureError(kind+" not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}
