package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fieldtest/fieldtest/pkg/telemetry"
)

// DefaultRetries is the retry budget used when neither the runner nor the project sets one.
const DefaultRetries = 1

// Runner owns the test registry and executes registered tests against projects.
type Runner struct {
	mu         sync.Mutex
	registry   []TestRegistration
	names      map[string]struct{}
	frozen     bool
	filters    []Filter
	reporters  []Reporter
	projects   []*ProjectConfig
	running    atomic.Int64
	executions atomic.Int64

	bus              *Bus
	concurrency      int
	retries          int
	serialScope      SerialScope
	terminateChannel bool
	logger           zerolog.Logger
	telemetry        *telemetry.Telemetry
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency bounds the number of tests executing at once. n <= 0 means unbounded.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		r.concurrency = n
	}
}

// WithRetries sets the retry budget for projects that do not configure one.
func WithRetries(n int) Option {
	return func(r *Runner) {
		r.retries = n
	}
}

// WithSerialScope selects whether serial groups are exclusive per project or globally.
func WithSerialScope(scope SerialScope) Option {
	return func(r *Runner) {
		r.serialScope = scope
	}
}

// WithBus makes the runner publish on bus instead of a private one.
func WithBus(bus *Bus) Option {
	return func(r *Runner) {
		r.bus = bus
	}
}

// WithTerminateChannel closes the bus when a run completes.
// The runner cannot run again afterwards.
func WithTerminateChannel() Option {
	return func(r *Runner) {
		r.terminateChannel = true
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithTelemetry enables tracing and metrics for runs and tests.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Runner) {
		r.telemetry = tel
	}
}

// WithProjects sets the configured projects. Without any, the default project is used.
func WithProjects(projects ...*ProjectConfig) Option {
	return func(r *Runner) {
		r.projects = projects
	}
}

// NewRunner creates a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		names:       make(map[string]struct{}),
		retries:     DefaultRetries,
		serialScope: SerialScopeProject,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = NewBus(DefaultBusCapacity, r.logger)
	}
	r.logger = r.logger.With().Str("component", "runner").Logger()
	return r
}

// Bus returns the bus the runner publishes on.
func (r *Runner) Bus() *Bus {
	return r.bus
}

// Register adds a test to the registry. It fails once a run has started,
// when the registration is incomplete, or when module::name is already taken.
func (r *Runner) Register(reg TestRegistration) error {
	if reg.Name == "" {
		return NewValidationError("test name is required", nil).WithResource(reg.Module)
	}
	if reg.Factory == nil {
		return NewValidationError("test factory is required", nil).WithResource(reg.Metadata().FullName())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return NewInfrastructureError("registry is frozen once a run has started", nil).
			WithCode(ErrCodeRegistryFrozen).
			WithResource(reg.Metadata().FullName())
	}

	key := reg.Metadata().FullName()
	if _, exists := r.names[key]; exists {
		return NewValidationError("test is already registered", nil).
			WithCode(ErrCodeDuplicateTest).
			WithResource(key)
	}

	r.names[key] = struct{}{}
	r.registry = append(r.registry, reg)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Runner) MustRegister(reg TestRegistration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Add registers fn as module::name. The source line defaults to the caller's line.
func (r *Runner) Add(module, name string, fn TestFunc, opts ...TestOption) error {
	reg := TestRegistration{Module: module, Name: name, Factory: fn}
	if _, _, line, ok := runtime.Caller(1); ok {
		reg.SourceLine = line
	}
	for _, opt := range opts {
		opt(&reg)
	}
	return r.Register(reg)
}

// AddFilter adds a filter applied on top of the name selections of every run.
func (r *Runner) AddFilter(f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, f)
}

// AddReporter subscribes a reporter to every subsequent run.
func (r *Runner) AddReporter(rep Reporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reporters = append(r.reporters, rep)
}

// Registrations returns a copy of the registry in registration order.
func (r *Runner) Registrations() []TestRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.registry)
}

// Projects returns the configured projects, or the default project.
func (r *Runner) Projects() []*ProjectConfig {
	if len(r.projects) == 0 {
		return []*ProjectConfig{DefaultProject()}
	}
	return r.projects
}

// Unit is one (project, test) pair selected for a run.
type Unit struct {
	Project      *ProjectConfig
	Registration TestRegistration
}

// Metadata returns the identity of the unit's test.
func (u Unit) Metadata() TestMetadata {
	return u.Registration.Metadata()
}

// List returns the units a run with the same selections would execute, in
// discovery order. Empty selections select everything.
func (r *Runner) List(projects, modules, tests []string) []Unit {
	r.mu.Lock()
	regs := slices.Clone(r.registry)
	filters := slices.Clone(r.filters)
	r.mu.Unlock()

	return r.plan(regs, r.chain(filters, projects, modules, tests))
}

func (r *Runner) chain(filters []Filter, projects, modules, tests []string) Chain {
	base := []Filter{TestIgnoreFilter{}}
	if len(projects) > 0 {
		base = append(base, ProjectFilter{Names: projects})
	}
	if len(modules) > 0 {
		base = append(base, ModuleFilter{Names: modules})
	}
	if len(tests) > 0 {
		base = append(base, TestNameFilter{Names: tests})
	}
	return NewChain(append(base, filters...)...)
}

// plan expands registrations into units in the single global order every lane
// enqueues in. Ordered tests of a module are rearranged among their own
// positions into ascending source line order.
func (r *Runner) plan(regs []TestRegistration, filter Filter) []Unit {
	ordered := make(map[string][]int)
	for i, reg := range regs {
		if reg.Ordered {
			ordered[reg.Module] = append(ordered[reg.Module], i)
		}
	}
	sequenced := slices.Clone(regs)
	for _, slots := range ordered {
		members := make([]TestRegistration, len(slots))
		for i, slot := range slots {
			members[i] = regs[slot]
		}
		sort.SliceStable(members, func(a, b int) bool {
			return members[a].SourceLine < members[b].SourceLine
		})
		for i, slot := range slots {
			sequenced[slot] = members[i]
		}
	}

	projects := r.Projects()
	var units []Unit
	for _, reg := range sequenced {
		for _, project := range projects {
			if filter != nil && !filter.Allow(project, reg.Metadata()) {
				continue
			}
			units = append(units, Unit{Project: project, Registration: reg})
		}
	}
	return units
}

// Run executes every selected unit and returns once all of them finished and
// every reporter drained. It returns ErrTestsFailed when at least one test failed.
func (r *Runner) Run(ctx context.Context, projects, modules, tests []string) error {
	r.mu.Lock()
	r.frozen = true
	regs := slices.Clone(r.registry)
	filters := slices.Clone(r.filters)
	reporters := slices.Clone(r.reporters)
	r.mu.Unlock()

	subs := make([]*Subscription, 0, len(reporters))
	for range reporters {
		sub, err := r.bus.Subscribe()
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return err
		}
		subs = append(subs, sub)
	}

	runID := uuid.New().String()
	if r.telemetry != nil {
		ctx = r.telemetry.WithContext(ctx)
	}
	ctx = telemetry.WrapLogger(r.logger).WithContext(ctx)
	ctx = telemetry.WithRunContext(ctx, runID)
	logger := *telemetry.FromContext(ctx).Zerolog()

	var reporting sync.WaitGroup
	drainCtx := context.WithoutCancel(ctx)
	for i, rep := range reporters {
		reporting.Add(1)
		go func(sub *Subscription, rep Reporter) {
			defer reporting.Done()
			if err := Drive(drainCtx, sub, rep, logger); err != nil {
				logger.Error().Err(err).Msg("Reporter failed")
			}
		}(subs[i], rep)
	}

	units := r.plan(regs, r.chain(filters, projects, modules, tests))
	if len(units) == 0 {
		logger.Warn().Msg("No test cases found")
	}

	logger.Info().
		Int("tests", len(units)).
		Int("concurrency", r.concurrency).
		Str("serial_scope", string(r.serialScope)).
		Msg("Starting test run")

	coord := NewCoordinator(r.concurrency, r.serialScope)
	tickets := make([]*Ticket, len(units))
	for i, u := range units {
		tickets[i] = coord.Enqueue(u.Project.Name, u.Registration)
	}
	telemetry.SetQueuedTests(ctx, len(units))

	started := time.Now()
	var failed, cancelled atomic.Int64
	g := new(errgroup.Group)
	for i, u := range units {
		ticket := tickets[i]
		g.Go(func() error {
			test, err := r.execute(ctx, coord, ticket, u, logger)
			if err != nil {
				return err
			}
			switch {
			case test == nil:
				cancelled.Add(1)
			case !test.Passed():
				failed.Add(1)
			}
			return nil
		})
	}
	runErr := g.Wait()

	if r.terminateChannel {
		if err := r.bus.Close(); err != nil && runErr == nil {
			runErr = err
		}
	} else {
		for _, sub := range subs {
			sub.Close()
		}
	}
	reporting.Wait()

	if runErr == nil && cancelled.Load() > 0 {
		runErr = fmt.Errorf("test run cancelled: %w", ctx.Err())
	}
	if runErr == nil && failed.Load() > 0 {
		runErr = ErrTestsFailed
	}

	status := RunStatusSucceeded
	switch {
	case errors.Is(runErr, ErrTestsFailed):
		status = RunStatusFailed
	case cancelled.Load() > 0:
		status = RunStatusCancelled
	case runErr != nil:
		status = RunStatusFailed
	}
	telemetry.EndRunContext(ctx, string(status), runErr)

	logger.Info().
		Int("tests", len(units)).
		Int64("failed", failed.Load()).
		Int64("cancelled", cancelled.Load()).
		Dur("duration", time.Since(started)).
		Str("status", string(status)).
		Msg("Test run finished")

	return runErr
}

// execute runs one unit to completion. It returns a nil Test when the unit
// was cancelled before it was admitted.
func (r *Runner) execute(ctx context.Context, coord *Coordinator, ticket *Ticket, u Unit, logger zerolog.Logger) (*Test, error) {
	release, err := coord.Admit(ctx, ticket)
	if err != nil {
		logger.Debug().Err(err).Str("test", u.Metadata().UniqueName(u.Project.Name)).Msg("Test cancelled before start")
		return nil, nil
	}
	defer release()

	meta := u.Metadata()
	project := u.Project
	capture := &logCapture{}
	execCtx := executionContext(ctx, project, meta, r.bus, capture)
	execCtx = telemetry.WithTestContext(execCtx, project.Name, meta.Module, meta.Name)
	testLogger := telemetry.FromContext(execCtx).Zerolog()

	if err := r.publish(MessageStart, project.Name, meta, nil); err != nil {
		return nil, err
	}
	r.running.Add(1)
	defer r.running.Add(-1)

	budget := project.Retry.budget(r.retries)
	started := time.Now()
	attempts := 0
	var testErr *TestError
	for attempt := 0; ; attempt++ {
		attempts++
		r.executions.Add(1)
		attemptStarted := time.Now()
		testErr = invoke(execCtx, u.Registration)
		if testErr == nil || !testErr.Retryable() || attempt >= budget {
			break
		}

		retry := &Test{Metadata: meta, Duration: time.Since(attemptStarted), Attempts: attempts, Err: testErr}
		if err := r.publish(MessageRetry, project.Name, meta, func(m *Message) { m.Result = retry }); err != nil {
			return nil, err
		}
		telemetry.RecordTestRetry(execCtx, project.Name, meta.Module)
		testLogger.Debug().
			Int("attempt", attempts).
			Str("error", testErr.Message).
			Msg("Retrying test")

		if !sleep(ctx, project.Retry.Backoff(attempt)) {
			break
		}
	}

	test := &Test{
		Metadata: meta,
		Duration: time.Since(started),
		Attempts: attempts,
		Err:      testErr,
	}

	for _, entry := range capture.drain() {
		if err := r.publish(MessageHTTPLog, project.Name, meta, func(m *Message) { m.Log = &entry }); err != nil {
			return nil, err
		}
	}
	if err := r.publish(MessageEnd, project.Name, meta, func(m *Message) { m.Result = test }); err != nil {
		return nil, err
	}

	var endErr error
	if testErr != nil {
		endErr = testErr
	}
	telemetry.EndTestContext(execCtx, project.Name, meta.Module, string(test.Status()), test.Duration, endErr)

	level := zerolog.DebugLevel
	if testErr != nil {
		level = zerolog.InfoLevel
	}
	event := testLogger.WithLevel(level)
	if testErr != nil {
		event = event.Str("error", testErr.Message)
	}
	event.
		Str("status", string(test.Status())).
		Int("attempts", attempts).
		Dur("duration", test.Duration).
		Msg("Test finished")

	return test, nil
}

func (r *Runner) publish(typ MessageType, project string, meta TestMetadata, fill func(*Message)) error {
	msg := Message{
		Type:    typ,
		Project: project,
		Module:  meta.Module,
		Test:    meta.Name,
	}
	if fill != nil {
		fill(&msg)
	}
	if err := r.bus.Publish(msg); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", typ, meta.UniqueName(project), err)
	}
	return nil
}

// invoke runs the factory once and classifies its outcome. Panics are
// recovered so one test cannot take down the run.
func invoke(ctx context.Context, reg TestRegistration) (testErr *TestError) {
	defer func() {
		if p := recover(); p != nil {
			testErr = &TestError{Kind: TestErrorPanicked, Message: panicMessage(reg.Name, p)}
		}
	}()

	if err := reg.Factory(ctx); err != nil {
		return &TestError{Kind: TestErrorReturned, Message: err.Error()}
	}
	return nil
}

func panicMessage(name string, payload any) string {
	switch v := payload.(type) {
	case string:
		return fmt.Sprintf("%s failed with message: %s", name, v)
	case error:
		return fmt.Sprintf("%s failed with message: %s", name, v.Error())
	case fmt.Stringer:
		return fmt.Sprintf("%s failed with message: %s", name, v.String())
	default:
		return fmt.Sprintf("%s failed with unknown message", name)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Running returns the number of tests currently executing.
func (r *Runner) Running() int64 {
	return r.running.Load()
}

// Executions returns the number of factory invocations made by this runner.
func (r *Runner) Executions() int64 {
	return r.executions.Load()
}
