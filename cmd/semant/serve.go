package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/nicholaskb/semant/internal/engine"
	"github.com/nicholaskb/semant/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine until interrupted",
	Long: `Assembles the engine (triple store, registry, scheduler, pipeline)
from configuration and runs the scheduling loop until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := observability.ParseLevel(cfg.Logging.Level)
	handler := observability.NewJSONHandler(os.Stderr, level)
	if cfg.Logging.Format == "text" {
		handler = observability.NewTextHandler(os.Stderr, level)
	}
	traced := observability.NewTracedLogger(handler, "engine")
	logger := traced.Slog()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.ShutdownTracing(shutdownCtx, tp)
	}()

	eng, err := engine.New(cfg,
		engine.WithLogger(logger),
		engine.WithTracer(otel.Tracer("semant")),
	)
	if err != nil {
		return err
	}

	eng.Start(ctx)
	logger.Info("engine started", "database", cfg.Database.Path)

	<-ctx.Done()
	logger.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eng.Close(closeCtx)
}
