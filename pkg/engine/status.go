package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a test run.
type RunStatus string

const (
	// RunStatusPending indicates the run is planned but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every executed test passed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one test failed or the run aborted.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was interrupted before all tests finished.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// TestStatus is the final status of a single test execution.
type TestStatus string

const (
	// TestStatusPassed indicates the test body returned nil.
	TestStatusPassed TestStatus = "passed"

	// TestStatusFailed indicates the test body returned an error.
	TestStatusFailed TestStatus = "failed"

	// TestStatusPanicked indicates the test body panicked.
	TestStatusPanicked TestStatus = "panicked"
)

// Validate checks if the test status is valid.
func (s TestStatus) Validate() error {
	switch s {
	case TestStatusPassed, TestStatusFailed, TestStatusPanicked:
		return nil
	default:
		return fmt.Errorf("invalid test status: %s", s)
	}
}

// Status derives the TestStatus of a finished test.
func (t *Test) Status() TestStatus {
	switch {
	case t.Err == nil:
		return TestStatusPassed
	case t.Err.Kind == TestErrorPanicked:
		return TestStatusPanicked
	default:
		return TestStatusFailed
	}
}
