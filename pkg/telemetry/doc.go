// Package telemetry provides observability for fieldtest runs.
//
// It combines distributed tracing (OpenTelemetry) and Prometheus metrics
// behind one Telemetry value that is carried in the context, next to a
// zerolog Logger tagged with the current run and test.
//
// # Usage
//
// Initialize telemetry before building the runner:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9090"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	runner := engine.NewRunner(engine.WithTelemetry(tel))
//
// # Run and test scopes
//
// The runner opens a run scope around each run and a test scope around each
// test execution. Each scope is a span plus metrics recorded when it ends,
// and tags the context logger with run_id, or project, module and test:
//
//	ctx = telemetry.WithRunContext(ctx, runID)
//	defer telemetry.EndRunContext(ctx, "succeeded", nil)
//
//	ctx = telemetry.WithTestContext(ctx, "staging", "users", "create")
//	telemetry.EndTestContext(ctx, "staging", "users", "passed", elapsed, nil)
//
// Test bodies log through the tagged logger:
//
//	telemetry.FromContext(ctx).Zerolog().Debug().Msg("Creating user")
//
// Without Telemetry in the context only the logger is tagged; the other
// helpers are no-ops.
//
// # Metrics
//
// Exposed under the configured namespace (default "fieldtest"):
//
//   - runs_started_total, runs_completed_total{status}, run_duration_seconds{status}
//   - tests_executed_total{project,module,status}, test_duration_seconds{project,module}
//   - test_retries_total{project,module}
//   - calls_captured_total{protocol}
//   - errors_by_class_total{class}
//   - active_runs, queued_tests, running_tests
//
// # Configuration
//
//	cfg := telemetry.DefaultConfig()               // no tracing
//	cfg := telemetry.DevelopmentConfig()           // stdout spans
//	cfg := telemetry.CIConfig("collector:4317")    // OTLP spans
package telemetry
