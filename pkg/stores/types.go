package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// Run represents one invocation of the runner
type Run struct {
	ID          string           `json:"id"`
	Status      engine.RunStatus `json:"status"`
	Projects    string           `json:"projects"` // JSON array of project names
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`
	Metadata    string           `json:"metadata"` // JSON blob
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// TestResult represents the final outcome of one (project, test) execution
type TestResult struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	Project    string            `json:"project"`
	Module     string            `json:"module"`
	Name       string            `json:"name"`
	Status     engine.TestStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	DurationMs int64             `json:"duration_ms"`
	Error      *string           `json:"error,omitempty"`
	FinishedAt time.Time         `json:"finished_at"`
	CreatedAt  time.Time         `json:"created_at"`
}

// FullName returns "module::name".
func (r *TestResult) FullName() string {
	return r.Module + "::" + r.Name
}

// Call represents one captured outbound call of a test
type Call struct {
	ID         int64     `json:"id"`
	ResultID   string    `json:"result_id"`
	Protocol   string    `json:"protocol"`
	Method     string    `json:"method"`
	Target     string    `json:"target"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Error      *string   `json:"error,omitempty"`
	Entry      string    `json:"entry"` // JSON of engine.LogEntry
	StartedAt  time.Time `json:"started_at"`
}

// RunSummary aggregates the results of a run
type RunSummary struct {
	RunID    string `json:"run_id"`
	Total    int    `json:"total"`
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
	Panicked int    `json:"panicked"`
	Retried  int    `json:"retried"` // results that needed more than one attempt
	Calls    int    `json:"calls"`
}

// Store defines the interface for the run history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status engine.RunStatus, err *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Result operations
	SaveResult(ctx context.Context, result *TestResult, calls []*Call) error
	ListResultsByRun(ctx context.Context, runID string) ([]*TestResult, error)
	ListCallsByResult(ctx context.Context, resultID string) ([]*Call, error)
	TestHistory(ctx context.Context, project, module, name string, limit int) ([]*TestResult, error)
	Summarize(ctx context.Context, runID string) (*RunSummary, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
