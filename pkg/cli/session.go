package cli

import (
	"context"
	"errors"
	"io"
	"slices"

	"github.com/fieldtest/fieldtest/pkg/config"
	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/masking"
	"github.com/fieldtest/fieldtest/pkg/policy"
	"github.com/fieldtest/fieldtest/pkg/reporter"
	"github.com/fieldtest/fieldtest/pkg/stores"
	"github.com/fieldtest/fieldtest/pkg/telemetry"
)

// session holds what outlives a single run: telemetry, the policy engine,
// the filter expression and the history store. Watch mode runs many times
// within one session.
type session struct {
	app   *App
	flags *runFlags

	telemetry *telemetry.Telemetry
	policies  *policy.Engine
	filter    *policy.ExprFilter
	store     *stores.SQLiteStore
}

func (a *App) openSession(ctx context.Context, f *runFlags, names []string) (*session, error) {
	s := &session{app: a, flags: f}

	scope := engine.SerialScope(f.serialScope)
	if err := scope.Validate(); err != nil {
		return nil, engine.NewConfigError("invalid --serial-scope", err).
			WithCode(engine.ErrCodeInvalidConfig)
	}

	tel, err := newTelemetry(a.info, f)
	if err != nil {
		return nil, err
	}
	s.telemetry = tel
	if err := tel.StartMetricsServer(); err != nil {
		s.close(ctx)
		return nil, engine.NewInfrastructureError("failed to start metrics server", err).
			WithResource(f.metricsAddr)
	}

	if len(f.policies) > 0 {
		s.policies = policy.NewEngine(a.logger)
		if err := s.policies.LoadPolicies(ctx, f.policies); err != nil {
			s.close(ctx)
			return nil, engine.NewConfigError("failed to load policies", err).
				WithCode(engine.ErrCodeInvalidConfig)
		}
	}

	if f.filter != "" {
		s.filter, err = policy.NewExprFilter(f.filter, a.logger)
		if err != nil {
			s.close(ctx)
			return nil, err
		}
	}

	if slices.Contains(names, reporter.NameHistory) {
		if err := s.openStore(ctx); err != nil {
			s.close(ctx)
			return nil, err
		}
	}

	return s, nil
}

func newTelemetry(info BuildInfo, f *runFlags) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if info.Version != "" {
		cfg.ServiceVersion = info.Version
	}
	cfg.Metrics.ListenAddress = f.metricsAddr

	switch f.trace {
	case "", "none":
	case "stdout", "otlp":
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = f.trace
		cfg.Tracing.Endpoint = f.otlpEndpoint
	default:
		return nil, engine.NewConfigError("invalid --trace", nil).
			WithCode(engine.ErrCodeInvalidConfig).
			WithResource(f.trace).
			WithDetail("valid", []string{"stdout", "otlp", "none"})
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, engine.NewConfigError("failed to set up telemetry", err).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	return tel, nil
}

func (s *session) openStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	path := s.flags.historyDB
	if path == "" {
		path = DefaultHistoryDB
	}
	store, err := openStore(ctx, path)
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, engine.NewConfigError("invalid history database", err).WithResource(path)
	}
	if err := store.Init(ctx); err != nil {
		return nil, engine.NewInfrastructureError("failed to open history database", err).WithResource(path)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, engine.NewInfrastructureError("failed to migrate history database", err).WithResource(path)
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, engine.NewInfrastructureError("history database is unusable", err).WithResource(path)
	}
	return store, nil
}

func (s *session) close(ctx context.Context) {
	logger := s.app.logger
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close history database")
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}
}

// newRunner builds a runner for cfg with the session's execution settings
// and filters.
func (s *session) newRunner(cfg *config.Config, opts ...engine.Option) (*engine.Runner, error) {
	f := s.flags
	opts = append([]engine.Option{
		engine.WithConcurrency(f.concurrency),
		engine.WithRetries(f.retries),
		engine.WithSerialScope(engine.SerialScope(f.serialScope)),
		engine.WithTelemetry(s.telemetry),
	}, opts...)

	runner, err := s.app.newRunner(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if s.policies != nil {
		runner.AddFilter(s.policies)
	}
	if s.filter != nil {
		runner.AddFilter(s.filter)
	}
	return runner, nil
}

// addReporters attaches the named reporters to runner. The returned history
// reporter is nil unless history was requested.
func (s *session) addReporters(ctx context.Context, runner *engine.Runner, cfg *config.Config, names []string, out io.Writer) (*reporter.HistoryReporter, error) {
	reps, err := reporter.New(context.WithoutCancel(ctx), names, reporter.Options{
		Out:         out,
		CaptureHTTP: s.flags.captureHTTP,
		Projects:    cfg.ProjectNames(),
		Store:       s.historyStore(),
		Logger:      s.app.logger,
	})
	if err != nil {
		return nil, err
	}

	var history *reporter.HistoryReporter
	for _, rep := range reps {
		if h, ok := rep.(*reporter.HistoryReporter); ok {
			history = h
		}
		runner.AddReporter(rep)
	}
	return history, nil
}

// historyStore keeps a nil *SQLiteStore from becoming a non-nil interface.
func (s *session) historyStore() stores.Store {
	if s.store == nil {
		return nil
	}
	return s.store
}

// runContext applies the masking mode to the run context.
func (s *session) runContext(ctx context.Context) context.Context {
	return masking.WithMasker(ctx, masking.New(!s.flags.showSensitive))
}

// recordOutcome marks a cancelled run in the history. Finished runs are
// recorded by the history reporter itself.
func (s *session) recordOutcome(history *reporter.HistoryReporter, runErr error) {
	if history == nil || runErr == nil {
		return
	}
	if errors.Is(runErr, engine.ErrTestsFailed) {
		return
	}

	status := engine.RunStatusFailed
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		status = engine.RunStatusCancelled
	}
	msg := runErr.Error()
	if err := history.MarkFinished(status, &msg); err != nil {
		s.app.logger.Warn().Err(err).Msg("Failed to record run outcome")
	}
}
