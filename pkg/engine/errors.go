package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a run-level error.
type ErrorClass string

const (
	// ErrorClassConfig indicates a configuration problem detected at startup.
	// No tests run when it occurs.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassValidation indicates invalid input to an engine API.
	// Examples: empty test names, nil factories, unknown value types.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassInfrastructure indicates a failure of the engine itself.
	// Examples: publishing to a closed bus, registering after the run started.
	// It aborts the run.
	ErrorClassInfrastructure ErrorClass = "infrastructure"

	// ErrorClassTestFailure indicates one or more tests failed.
	ErrorClassTestFailure ErrorClass = "test_failure"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the test, project or key that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", e.Message, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", e.Message, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfig,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
		Code:    ErrCodeValidation,
	}
}

// NewInfrastructureError creates a new infrastructure error.
func NewInfrastructureError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInfrastructure,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsConfig returns true if the error is classified as a configuration error.
func IsConfig(err error) bool {
	return hasClass(err, ErrorClassConfig)
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// IsInfrastructure returns true if the error is classified as an infrastructure error.
func IsInfrastructure(err error) bool {
	return hasClass(err, ErrorClassInfrastructure)
}

// IsTestFailure returns true if the run failed only because tests failed.
func IsTestFailure(err error) bool {
	return hasClass(err, ErrorClassTestFailure)
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTypeMismatch   = "TYPE_MISMATCH"
	ErrCodeRegistryFrozen = "REGISTRY_FROZEN"
	ErrCodeDuplicateTest  = "DUPLICATE_TEST"
	ErrCodeBusClosed      = "BUS_CLOSED"
	ErrCodeTestsFailed    = "TESTS_FAILED"
	ErrCodeInvalidConfig  = "INVALID_CONFIG"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// ErrBusClosed is returned by Publish, Subscribe and Recv once the bus is closed.
var ErrBusClosed = NewInfrastructureError("event bus is closed", nil).WithCode(ErrCodeBusClosed)

// ErrTestsFailed is returned by Run when at least one test failed.
var ErrTestsFailed = &EngineError{
	Class:   ErrorClassTestFailure,
	Message: "one or more tests failed",
	Code:    ErrCodeTestsFailed,
}
