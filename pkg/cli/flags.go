package cli

import (
	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/reporter"
)

// DefaultHistoryDB is the history database used by the history reporter
// when --history-db is not given.
const DefaultHistoryDB = "fieldtest-history.db"

// selection narrows a run to projects, modules and tests. Empty selects all.
type selection struct {
	projects []string
	modules  []string
	tests    []string
}

func (s *selection) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&s.projects, "projects", "p", nil, "run only these projects (comma separated)")
	cmd.Flags().StringSliceVarP(&s.modules, "modules", "m", nil, "run only tests of these modules (comma separated)")
	cmd.Flags().StringSliceVarP(&s.tests, "tests", "t", nil, "run only these tests, as module::name (comma separated)")
}

// runFlags are the flags shared by the commands that execute tests.
type runFlags struct {
	selection

	// Execution
	concurrency int
	retries     int
	serialScope string

	// Filtering
	policies []string
	filter   string

	// Output
	reporters     string
	captureHTTP   bool
	showSensitive bool
	historyDB     string

	// Telemetry
	metricsAddr  string
	trace        string
	otlpEndpoint string
}

func (f *runFlags) registerExecution(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "maximum number of tests running at once (0 means unbounded)")
	cmd.Flags().IntVar(&f.retries, "retries", engine.DefaultRetries, "retries of a failing test, unless its project sets retry.count")
	cmd.Flags().StringVar(&f.serialScope, "serial-scope", string(engine.SerialScopeProject), "scope of serial groups: project or global")
}

func (f *runFlags) registerFiltering(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.policies, "policy", nil, "rego policy files or directories whose deny set excludes tests")
	cmd.Flags().StringVar(&f.filter, "filter", "", `starlark expression selecting tests, e.g. 'module == "users"'`)
}

func (f *runFlags) registerOutput(cmd *cobra.Command, reporters bool) {
	if reporters {
		cmd.Flags().StringVar(&f.reporters, "reporters", reporter.DefaultName, "comma separated reporters: null, list, table, history")
		cmd.Flags().BoolVar(&f.captureHTTP, "capture-http", false, "print captured calls of each test")
	}
	cmd.Flags().BoolVar(&f.showSensitive, "show-sensitive", false, "do not mask tokens, keys and auth headers in captured calls")
	cmd.Flags().StringVar(&f.historyDB, "history-db", "", "record the run in this history database (default "+DefaultHistoryDB+" with the history reporter)")
}

func (f *runFlags) registerTelemetry(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address during the run, e.g. :9090")
	cmd.Flags().StringVar(&f.trace, "trace", "none", "trace exporter: stdout, otlp or none")
	cmd.Flags().StringVar(&f.otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP collector endpoint for --trace otlp")
}

// reporterNames returns the requested reporters, adding history when a
// history database was named.
func (f *runFlags) reporterNames() []string {
	names := reporter.ParseNames(f.reporters)
	if f.historyDB == "" {
		return names
	}
	for _, name := range names {
		if name == reporter.NameHistory {
			return names
		}
	}
	return append(names, reporter.NameHistory)
}
