package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/pkg/config"
	"github.com/fieldtest/fieldtest/pkg/engine"
)

func (a *App) newTestCommand() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run tests",
		Long: `Run the registered tests against every configured project.

Each (project, test) pair runs once, concurrently unless a serial group or
an ordered module says otherwise. Failing tests are retried. The command
fails when any test failed.`,
		Example: `  # Run everything
  fieldtest test

  # Run one module against staging, printing captured calls
  fieldtest test -p staging -m users --capture-http

  # Summarize in a table and record the run
  fieldtest test --reporters table --history-db ./history.db

  # Skip slow tests
  fieldtest test --filter 'not test.startswith("slow_")'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTests(cmd.Context(), f, cmd.OutOrStdout())
		},
	}

	f.selection.register(cmd)
	f.registerExecution(cmd)
	f.registerFiltering(cmd)
	f.registerOutput(cmd, true)
	f.registerTelemetry(cmd)

	return cmd
}

func (a *App) runTests(ctx context.Context, f *runFlags, out io.Writer) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	names := f.reporterNames()
	s, err := a.openSession(ctx, f, names)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	return s.run(ctx, cfg, names, out)
}

// run executes one run of cfg with the named reporters.
func (s *session) run(ctx context.Context, cfg *config.Config, names []string, out io.Writer) error {
	runner, err := s.newRunner(cfg, engine.WithTerminateChannel())
	if err != nil {
		return err
	}
	history, err := s.addReporters(ctx, runner, cfg, names, out)
	if err != nil {
		return err
	}

	f := s.flags
	s.app.logger.Debug().
		Strs("projects", f.projects).
		Strs("modules", f.modules).
		Strs("tests", f.tests).
		Strs("reporters", names).
		Msg("Running tests")

	runErr := runner.Run(s.runContext(ctx), f.projects, f.modules, f.tests)
	s.recordOutcome(history, runErr)
	return runErr
}
