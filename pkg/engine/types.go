package engine

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// TestFunc is the body of a registered test. It receives the execution
// context carrying the active project, the test identity and the log capture.
type TestFunc func(ctx context.Context) error

// TestMetadata identifies a test case.
type TestMetadata struct {
	// Name is the test name, unique within its module.
	Name string `json:"name"`

	// Module is the logical grouping the test belongs to.
	Module string `json:"module"`
}

// FullName returns "module::name".
func (m TestMetadata) FullName() string {
	return m.Module + "::" + m.Name
}

// UniqueName returns "project::module::name".
func (m TestMetadata) UniqueName(project string) string {
	return project + "::" + m.FullName()
}

// TestRegistration is a declared test case handed to the Runner before a run.
type TestRegistration struct {
	// Module is the logical grouping of the test.
	Module string

	// Name is the test name.
	Name string

	// SerialGroup places the test in a mutual-exclusion group.
	// nil means unconstrained, "" the default anonymous group, anything else a named group.
	SerialGroup *string

	// SourceLine is the declaration line, used to sequence ordered modules.
	SourceLine int

	// Ordered makes the test part of its module's ordered sequence.
	Ordered bool

	// Factory produces one invocation of the test body.
	Factory TestFunc
}

// Metadata returns the identity of the registration.
func (r TestRegistration) Metadata() TestMetadata {
	return TestMetadata{Name: r.Name, Module: r.Module}
}

// IsSerial reports whether the registration belongs to a serial group.
func (r TestRegistration) IsSerial() bool {
	return r.SerialGroup != nil
}

// TestErrorKind classifies how a test failed.
type TestErrorKind string

const (
	// TestErrorPanicked indicates the body panicked. Never retried.
	TestErrorPanicked TestErrorKind = "panicked"

	// TestErrorReturned indicates the body returned a non-nil error.
	TestErrorReturned TestErrorKind = "error_returned"
)

// TestError is the classified failure of a test execution.
type TestError struct {
	Kind    TestErrorKind `json:"kind"`
	Message string        `json:"message"`
}

// Error implements the error interface.
func (e *TestError) Error() string {
	if e.Kind == TestErrorPanicked {
		return "panic: " + e.Message
	}
	return "error: " + e.Message
}

// Retryable reports whether the failure may be retried.
func (e *TestError) Retryable() bool {
	return e != nil && e.Kind == TestErrorReturned
}

// Test is the execution record produced when a test finishes.
type Test struct {
	// Metadata identifies the test.
	Metadata TestMetadata `json:"metadata"`

	// Duration is the wall time of the execution across all attempts.
	Duration time.Duration `json:"duration"`

	// Attempts is the number of times the factory was invoked.
	Attempts int `json:"attempts"`

	// Err is the classified failure, nil on success.
	Err *TestError `json:"error,omitempty"`
}

// Passed reports whether the test succeeded.
func (t *Test) Passed() bool {
	return t.Err == nil
}

// MessageType discriminates bus messages.
type MessageType string

const (
	// MessageStart is published once before a test body executes.
	MessageStart MessageType = "start"

	// MessageCheck carries the outcome of a single check made by a test body.
	MessageCheck MessageType = "check"

	// MessageHTTPLog carries one captured outbound call.
	MessageHTTPLog MessageType = "http_log"

	// MessageRetry is published for each failed attempt that will be retried.
	MessageRetry MessageType = "retry"

	// MessageEnd is published once with the final Test record.
	MessageEnd MessageType = "end"
)

// Message is a lifecycle event carried by the Bus.
type Message struct {
	// ID is a unique message identifier.
	ID string `json:"id"`

	// Type selects which payload field is set.
	Type MessageType `json:"type"`

	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`

	// Project is the project the test ran under.
	Project string `json:"project"`

	// Module is the module of the test.
	Module string `json:"module"`

	// Test is the test name.
	Test string `json:"test"`

	// Log is set for MessageHTTPLog.
	Log *LogEntry `json:"log,omitempty"`

	// Check is set for MessageCheck.
	Check *Check `json:"check,omitempty"`

	// Result is set for MessageRetry and MessageEnd.
	Result *Test `json:"result,omitempty"`
}

// Key returns the (project, module, test) identity of the message.
func (m Message) Key() string {
	return m.Project + "::" + m.Module + "::" + m.Test
}

// Check is the outcome of a single assertion made inside a test body.
type Check struct {
	Passed bool   `json:"passed"`
	Expr   string `json:"expr"`
	Detail string `json:"detail,omitempty"`
}

// LogRequest is the captured request side of an outbound call.
type LogRequest struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"`
}

// LogResponse is the captured response side of an outbound call.
type LogResponse struct {
	Status     int                 `json:"status"`
	StatusText string              `json:"status_text,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	Duration   time.Duration       `json:"duration"`
}

// TruncatedSuffix marks a body cut by TruncateBody.
const TruncatedSuffix = "...(truncated)"

// TruncateBody cuts body to at most limit bytes and marks the cut. The cut
// backs off to a rune boundary so the kept part stays valid UTF-8. A limit of
// zero or less keeps the body whole.
func TruncateBody(body string, limit int) string {
	if limit <= 0 || len(body) <= limit {
		return body
	}
	cut := limit
	for i := 0; i < utf8.UTFMax-1 && cut > 0 && !utf8.RuneStart(body[cut]); i++ {
		cut--
	}
	return body[:cut] + TruncatedSuffix
}

// LogEntry is one captured outbound call. The engine only transports it.
type LogEntry struct {
	// Protocol is "http", "grpc", "tcp" or "ssh".
	Protocol string `json:"protocol"`

	Request  LogRequest  `json:"request"`
	Response LogResponse `json:"response"`

	// Error is the transport error, if the call did not complete.
	Error string `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// String renders a one-line summary of the call.
func (e LogEntry) String() string {
	if e.Error != "" {
		return fmt.Sprintf("%s %s -> error: %s", e.Request.Method, e.Request.URL, e.Error)
	}
	return fmt.Sprintf("%s %s -> %d (%s)", e.Request.Method, e.Request.URL,
		e.Response.Status, e.Response.Duration.Round(time.Millisecond))
}
