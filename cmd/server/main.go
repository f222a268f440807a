// cmd/server/main.go
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

	logger.Info("server starting", "version", version, "http_addr", cfg.HTTPAddr, "embedded_workers", cfg.EmbeddedWorkers)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "build pipeline", err)
	}
	defer a.Close()

	if err := a.Serve(ctx); err != nil {
		logger.Error("server stopped", "err", err)
		return
	}
	logger.Info("server stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
