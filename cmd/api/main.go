package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/markdave123-py/Extracta/internal/app"
	"github.com/markdave123-py/Extracta/internal/config"
	"github.com/markdave123-py/Extracta/internal/observability"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		cancel()
		os.Exit(1)
	}
}

// run logs every failure through zerolog, including ones raised before the
// configured logger exists.
func run(ctx context.Context, out io.Writer) error {
	logger := observability.NewLogger(observability.LogConfig{Output: out})

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("config load failed")
		return err
	}
	logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: out,
	})

	application, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer application.Close()

	logger.Info().Msg("Extracta is running")
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		return err
	}
	logger.Info().Msg("shut down cleanly")
	return nil
}
