package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/fieldtest/fieldtest/pkg/cli"
	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	// Cancel on interrupt so tests that have not started are skipped
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := cli.New(registerSuite,
		cli.WithBuildInfo(cli.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}),
		cli.WithLogger(log.Logger),
	)

	if err := app.Execute(ctx); err != nil {
		// Failed tests were already reported.
		if !errors.Is(err, engine.ErrTestsFailed) {
			log.Error().Err(err).Msg("Command execution failed")
		}
		stop()
		os.Exit(1)
	}
}

// setupLogging configures zerolog for structured logging from LOG_LEVEL and
// LOG_FORMAT. Unknown values fall back to warn and console.
func setupLogging() {
	cfg := telemetry.DefaultLoggingConfig()
	cfg.Level = envOr("LOG_LEVEL", "warn")
	cfg.Format = envOr("LOG_FORMAT", "console")

	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		cfg.Level, cfg.Format = "warn", "console"
		logger = telemetry.NewLoggerTo(os.Stderr, cfg)
		logger.Zerolog().Warn().Err(err).Msg("Invalid logging configuration, using defaults")
	}
	log.Logger = *logger.Zerolog()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
