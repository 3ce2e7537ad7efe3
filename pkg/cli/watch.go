package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/pkg/config"
	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/policy"
)

func (a *App) newWatchCommand() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run tests and re-run them when the config changes",
		Long: `Run tests like the test command, then keep watching the config file and
re-run every time it changes. Policy files given with --policy are reloaded
when they change and apply to the next run. Stop with Ctrl+C.`,
		Example: `  fieldtest watch -p local --reporters table`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watch(cmd.Context(), f, cmd.OutOrStdout())
		},
	}

	f.selection.register(cmd)
	f.registerExecution(cmd)
	f.registerFiltering(cmd)
	f.registerOutput(cmd, true)
	f.registerTelemetry(cmd)

	return cmd
}

func (a *App) watch(ctx context.Context, f *runFlags, out io.Writer) error {
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

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reloads := make(chan *config.Config, 1)
	watcher := config.NewWatcher(a.loader(), a.configFile(cfg), a.logger)
	err = watcher.Watch(ctx, func(next *config.Config) error {
		// Keep only the latest config when runs are slower than edits.
		select {
		case <-reloads:
		default:
		}
		reloads <- next
		return nil
	})
	if err != nil {
		return engine.NewInfrastructureError("failed to watch config file", err).
			WithResource(a.configFile(cfg))
	}
	defer watcher.Stop()

	if s.policies != nil {
		policyLoader := policy.NewLoader(a.logger)
		if err := policyLoader.Watch(ctx, f.policies, s.policies); err != nil {
			return engine.NewInfrastructureError("failed to watch policies", err)
		}
		defer policyLoader.StopWatching()
	}

	for {
		err := s.run(ctx, cfg, names, out)
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil, engine.IsTestFailure(err):
		case engine.IsConfig(err):
			return err
		default:
			a.logger.Error().Err(err).Msg("Run failed")
		}

		a.logger.Info().Str("path", a.configFile(cfg)).Msg("Waiting for config changes")
		select {
		case <-ctx.Done():
			return nil
		case cfg = <-reloads:
		}
	}
}
