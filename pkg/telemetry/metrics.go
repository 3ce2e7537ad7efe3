package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for test runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Test metrics
	testsExecuted *prometheus.CounterVec
	testDuration  *prometheus.HistogramVec
	testRetries   *prometheus.CounterVec

	// Captured outbound calls
	callsCaptured *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Scheduler gauges
	activeRuns    prometheus.Gauge
	queuedTests   prometheus.Gauge
	runningTests  prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance: every Record method checks for nil collectors.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of test runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of test runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of test runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		testsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_executed_total",
				Help:      "Total number of tests executed",
			},
			[]string{"project", "module", "status"},
		),
		testDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "test_duration_seconds",
				Help:      "Duration of test execution in seconds, retries included",
				Buckets:   buckets,
			},
			[]string{"project", "module"},
		),
		testRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "test_retries_total",
				Help:      "Total number of test retries",
			},
			[]string{"project", "module"},
		),

		callsCaptured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_captured_total",
				Help:      "Total number of outbound calls captured by transports",
			},
			[]string{"protocol"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		queuedTests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_tests",
				Help:      "Number of tests selected for the current run that have not finished",
			},
		),
		runningTests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_tests",
				Help:      "Current number of executing tests",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.testsExecuted,
		m.testDuration,
		m.testRetries,
		m.callsCaptured,
		m.errorsByClass,
		m.activeRuns,
		m.queuedTests,
		m.runningTests,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Test Metrics

// RecordTestStarted marks one more test as executing.
func (m *Metrics) RecordTestStarted() {
	if m.runningTests == nil {
		return
	}
	m.runningTests.Inc()
}

// RecordTestExecution records a finished test.
func (m *Metrics) RecordTestExecution(project, module, status string, duration time.Duration) {
	if m.testsExecuted == nil {
		return
	}
	m.testsExecuted.WithLabelValues(project, module, status).Inc()
	m.testDuration.WithLabelValues(project, module).Observe(duration.Seconds())
	m.runningTests.Dec()
	m.queuedTests.Dec()
}

// RecordTestRetry records one retry of a test.
func (m *Metrics) RecordTestRetry(project, module string) {
	if m.testRetries == nil {
		return
	}
	m.testRetries.WithLabelValues(project, module).Inc()
}

// RecordCall records one captured outbound call.
func (m *Metrics) RecordCall(protocol string) {
	if m.callsCaptured == nil {
		return
	}
	m.callsCaptured.WithLabelValues(protocol).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// SetQueuedTests sets the number of tests waiting or executing in the current run.
func (m *Metrics) SetQueuedTests(count float64) {
	if m.queuedTests == nil {
		return
	}
	m.queuedTests.Set(count)
}

// Gatherer exposes the registry, mainly for tests. It is nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts serving metrics on the configured address.
// It is a no-op when metrics are disabled or no address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
