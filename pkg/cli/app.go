// Package cli is the fieldtest command line. A suite binary registers its
// tests through a Suite function and hands control to App.Execute:
//
//	func main() {
//		app := cli.New(func(r *engine.Runner) error {
//			return r.Add("users", "create", createUser)
//		})
//		if err := app.Execute(ctx); err != nil {
//			os.Exit(1)
//		}
//	}
//
// The commands are test, ls, tui, watch, history and validate.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/pkg/config"
	"github.com/fieldtest/fieldtest/pkg/engine"
)

// Suite registers the tests of a suite on a fresh runner. It is called once
// per run, so watch mode can rebuild the runner after a config change.
type Suite func(r *engine.Runner) error

// BuildInfo is reported by --version.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// App is the command line of a test suite.
type App struct {
	suite      Suite
	info       BuildInfo
	logger     zerolog.Logger
	loaderOpts []config.LoaderOption

	// configPath is the --config flag.
	configPath string
}

// Option configures an App.
type Option func(*App)

// WithBuildInfo sets the version information.
func WithBuildInfo(info BuildInfo) Option {
	return func(a *App) {
		a.info = info
	}
}

// WithLogger sets the logger handed to the runner and every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithLoaderOptions passes options to the config loader.
func WithLoaderOptions(opts ...config.LoaderOption) Option {
	return func(a *App) {
		a.loaderOpts = append(a.loaderOpts, opts...)
	}
}

// New creates the command line of suite.
func New(suite Suite, opts ...Option) *App {
	a := &App{
		suite:  suite,
		info:   BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute parses os.Args and runs the selected command.
func (a *App) Execute(ctx context.Context) error {
	return a.Command().ExecuteContext(ctx)
}

// Command builds the root command.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "fieldtest",
		Short: "fieldtest - API test runner",
		Long: `fieldtest runs the API tests compiled into this binary against one or
more projects (execution profiles) defined in fieldtest.yaml.

Features:
  - Concurrent execution with serial groups and ordered modules
  - Retries with exponential backoff
  - HTTP, gRPC and TCP call capture with sensitive data masking
  - List, table and history reporters, plus a live terminal view
  - Rego policies and Starlark expressions to select tests`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", a.info.Version, a.info.Commit, a.info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		fmt.Sprintf("config file path (default $%s or %s)", config.EnvConfig, config.DefaultFile))

	root.AddCommand(a.newTestCommand())
	root.AddCommand(a.newListCommand())
	root.AddCommand(a.newTUICommand())
	root.AddCommand(a.newWatchCommand())
	root.AddCommand(a.newHistoryCommand())
	root.AddCommand(a.newValidateCommand())

	return root
}

func (a *App) loader() *config.Loader {
	return config.NewLoader(a.logger, a.loaderOpts...)
}

// loadConfig reads the --config file, or resolves the config the usual way
// when the flag is unset.
func (a *App) loadConfig() (*config.Config, error) {
	loader := a.loader()
	if a.configPath == "" {
		return loader.Load()
	}
	cfg, err := loader.LoadFile(a.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, engine.NewConfigError("config file not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(a.configPath)
	}
	return cfg, err
}

// configFile returns the file watch mode follows.
func (a *App) configFile(cfg *config.Config) string {
	switch {
	case cfg.Path != "":
		return cfg.Path
	case a.configPath != "":
		return a.configPath
	default:
		return config.DefaultFile
	}
}

// newRunner creates a runner for cfg with the suite registered.
func (a *App) newRunner(cfg *config.Config, opts ...engine.Option) (*engine.Runner, error) {
	opts = append([]engine.Option{
		engine.WithLogger(a.logger),
		engine.WithProjects(cfg.Projects...),
	}, opts...)
	runner := engine.NewRunner(opts...)

	if a.suite != nil {
		if err := a.suite(runner); err != nil {
			return nil, fmt.Errorf("failed to register tests: %w", err)
		}
	}
	return runner, nil
}
