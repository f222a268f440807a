// cmd/worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Elderusr/stage7-upload-service/internal/app"
	"github.com/Elderusr/stage7-upload-service/internal/config"
	"github.com/Elderusr/stage7-upload-service/internal/logging"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	boot := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg, err := config.Load()
	if err != nil {
		fatal(boot, "load config", err)
	}
	if err := cfg.RequireShared(); err != nil {
		fatal(boot, "standalone worker needs shared backends", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		fatal(boot, "build logger", err)
	}
	slog.SetDefault(logger)

	flush, err := app.InitSentry(cfg, version)
	if err != nil {
		fatal(logger, "init sentry", err)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting",
		"version", version,
		"queue", cfg.Queue.Backend,
		"workers", cfg.Worker.Count,
		"task_timeout", cfg.Worker.TaskTimeout,
		"max_deliveries", cfg.Worker.MaxDeliveries,
	)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "build pipeline", err)
	}
	defer a.Close()

	if err := a.RunWorkers(ctx); err != nil {
		logger.Error("worker stopped", "err", err)
		return
	}
	logger.Info("worker stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
