package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/stores"
)

// HistoryReporter persists a run, its results and their captured calls.
// Calls are buffered per test and written together with the final result.
type HistoryReporter struct {
	engine.NopReporter

	ctx    context.Context
	store  stores.Store
	logger zerolog.Logger

	runID  string
	calls  map[testKey][]*stores.Call
	failed int
}

// NewHistoryReporter records a new run in store and returns a reporter that
// fills it in. The run is marked succeeded or failed by Finish.
func NewHistoryReporter(ctx context.Context, store stores.Store, projects []string, logger zerolog.Logger) (*HistoryReporter, error) {
	if projects == nil {
		projects = []string{}
	}
	projectsJSON, err := json.Marshal(projects)
	if err != nil {
		return nil, fmt.Errorf("failed to encode projects: %w", err)
	}

	run := &stores.Run{
		ID:        uuid.New().String(),
		Status:    engine.RunStatusRunning,
		Projects:  string(projectsJSON),
		StartedAt: time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	return &HistoryReporter{
		ctx:    ctx,
		store:  store,
		logger: logger.With().Str("component", "history-reporter").Str("history_run", run.ID).Logger(),
		runID:  run.ID,
		calls:  make(map[testKey][]*stores.Call),
	}, nil
}

// RunID returns the ID of the recorded run.
func (r *HistoryReporter) RunID() string {
	return r.runID
}

func (r *HistoryReporter) OnStart(project string, meta engine.TestMetadata) error {
	r.calls[keyOf(project, meta)] = nil
	return nil
}

func (r *HistoryReporter) OnHTTPCall(project string, meta engine.TestMetadata, entry *engine.LogEntry) error {
	if entry == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode call: %w", err)
	}

	call := &stores.Call{
		Protocol:   entry.Protocol,
		Method:     entry.Request.Method,
		Target:     entry.Request.URL,
		Status:     entry.Response.Status,
		DurationMs: entry.Response.Duration.Milliseconds(),
		Entry:      string(data),
		StartedAt:  entry.StartedAt,
	}
	if entry.Error != "" {
		msg := entry.Error
		call.Error = &msg
	}

	key := keyOf(project, meta)
	r.calls[key] = append(r.calls[key], call)
	return nil
}

func (r *HistoryReporter) OnEnd(project string, meta engine.TestMetadata, result *engine.Test) error {
	key := keyOf(project, meta)
	calls := r.calls[key]
	delete(r.calls, key)

	if result == nil {
		result = &engine.Test{Metadata: meta}
	}
	attempts := result.Attempts
	if attempts < 1 {
		attempts = 1
	}

	res := &stores.TestResult{
		ID:         uuid.New().String(),
		RunID:      r.runID,
		Project:    project,
		Module:     meta.Module,
		Name:       meta.Name,
		Status:     result.Status(),
		Attempts:   attempts,
		DurationMs: result.Duration.Milliseconds(),
		FinishedAt: time.Now(),
	}
	if result.Err != nil {
		r.failed++
		msg := result.Err.Message
		res.Error = &msg
	}

	if err := r.store.SaveResult(r.ctx, res, calls); err != nil {
		return fmt.Errorf("failed to save result of %s: %w", meta.UniqueName(project), err)
	}
	return nil
}

// Finish marks the run as finished.
func (r *HistoryReporter) Finish() error {
	status := engine.RunStatusSucceeded
	var errMsg *string
	if r.failed > 0 {
		status = engine.RunStatusFailed
		msg := fmt.Sprintf("%d tests failed", r.failed)
		errMsg = &msg
	}
	return r.MarkFinished(status, errMsg)
}

// MarkFinished sets the final status of the run. The CLI uses it to record
// cancellation, which reporters cannot observe.
func (r *HistoryReporter) MarkFinished(status engine.RunStatus, errMsg *string) error {
	if err := r.store.UpdateRunStatus(r.ctx, r.runID, status, errMsg); err != nil {
		return err
	}
	r.logger.Debug().Str("status", string(status)).Msg("Run recorded")
	return nil
}
