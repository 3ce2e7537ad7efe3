package cli

import (
	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/pkg/reporter"
	"github.com/fieldtest/fieldtest/pkg/tui"
)

func (a *App) newTUICommand() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Run tests in a live terminal view",
		Long: `Run tests like the test command, showing progress, checks and captured
calls in an interactive terminal view. Press q to quit; quitting before the
run finished cancels the tests that have not started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			var names []string
			if f.historyDB != "" {
				names = []string{reporter.NameHistory}
			}
			s, err := a.openSession(ctx, f, names)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			runner, err := s.newRunner(cfg)
			if err != nil {
				return err
			}
			history, err := s.addReporters(ctx, runner, cfg, names, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			runErr := tui.Run(s.runContext(ctx), runner, f.projects, f.modules, f.tests)
			s.recordOutcome(history, runErr)
			return runErr
		},
	}

	f.selection.register(cmd)
	f.registerExecution(cmd)
	f.registerFiltering(cmd)
	f.registerOutput(cmd, false)
	f.registerTelemetry(cmd)

	return cmd
}
