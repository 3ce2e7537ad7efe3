package engine

import (
	"context"
	"sync"
)

type projectContextKey struct{}

type testContextKey struct{}

type captureContextKey struct{}

type busContextKey struct{}

// logCapture is the private log sink of one test execution.
// Entries added after it was drained are discarded.
type logCapture struct {
	mu      sync.Mutex
	entries []LogEntry
	drained bool
}

func (c *logCapture) add(entry LogEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drained {
		return false
	}
	c.entries = append(c.entries, entry)
	return true
}

func (c *logCapture) drain() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.entries
	c.entries = nil
	c.drained = true
	return entries
}

// executionContext scopes ctx to one test execution.
func executionContext(ctx context.Context, project *ProjectConfig, meta TestMetadata, bus *Bus, capture *logCapture) context.Context {
	ctx = WithProject(ctx, project)
	ctx = context.WithValue(ctx, testContextKey{}, meta)
	ctx = context.WithValue(ctx, captureContextKey{}, capture)
	ctx = context.WithValue(ctx, busContextKey{}, bus)
	return ctx
}

// WithProject returns a context carrying project as the active project.
func WithProject(ctx context.Context, project *ProjectConfig) context.Context {
	return context.WithValue(ctx, projectContextKey{}, project)
}

// ProjectFromContext returns the active project, if any.
func ProjectFromContext(ctx context.Context) (*ProjectConfig, bool) {
	p, ok := ctx.Value(projectContextKey{}).(*ProjectConfig)
	return p, ok && p != nil
}

// Project returns the active project, or the default project outside a test.
func Project(ctx context.Context) *ProjectConfig {
	if p, ok := ProjectFromContext(ctx); ok {
		return p
	}
	return DefaultProject()
}

// CurrentTest returns the identity of the test running in ctx.
func CurrentTest(ctx context.Context) (TestMetadata, bool) {
	meta, ok := ctx.Value(testContextKey{}).(TestMetadata)
	return meta, ok
}

// CaptureLog records one outbound call on the private log of the test running
// in ctx. It returns false when ctx does not belong to a running test.
func CaptureLog(ctx context.Context, entry LogEntry) bool {
	c, ok := ctx.Value(captureContextKey{}).(*logCapture)
	if !ok || c == nil {
		return false
	}
	return c.add(entry)
}

// WithLogCapture returns a context with a fresh private log and a function
// draining it. Useful to drive transports outside of the Runner.
func WithLogCapture(ctx context.Context) (context.Context, func() []LogEntry) {
	c := &logCapture{}
	return context.WithValue(ctx, captureContextKey{}, c), c.drain
}

func busFromContext(ctx context.Context) (*Bus, bool) {
	b, ok := ctx.Value(busContextKey{}).(*Bus)
	return b, ok && b != nil
}
