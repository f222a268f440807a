// cmd/backfill/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Elderusr/stage7-upload-service/internal/app"
	"github.com/Elderusr/stage7-upload-service/internal/config"
	"github.com/Elderusr/stage7-upload-service/internal/jobs"
	"github.com/Elderusr/stage7-upload-service/internal/logging"
	"github.com/Elderusr/stage7-upload-service/internal/queue"
	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

type options struct {
	Status jobs.Status
	MinAge time.Duration
	Limit  int
	DryRun bool
}

func main() {
	_ = godotenv.Load()

	var opts options
	var status string
	flag.StringVar(&status, "status", string(jobs.StatusPending), "requeue jobs in this status (pending or processing)")
	flag.DurationVar(&opts.MinAge, "min-age", 10*time.Minute, "only jobs not updated for at least this long")
	flag.IntVar(&opts.Limit, "limit", 100, "maximum number of jobs to requeue")
	flag.BoolVar(&opts.DryRun, "dry-run", false, "list the jobs without enqueuing")
	flag.Parse()
	opts.Status = jobs.Status(status)

	boot := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg, err := config.Load()
	if err != nil {
		fatal(boot, "load config", err)
	}
	if err := cfg.RequireShared(); err != nil {
		fatal(boot, "backfill needs shared backends", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		fatal(boot, "build logger", err)
	}
	slog.SetDefault(logger)

	logger.Info("backfill starting",
		"status", opts.Status,
		"min_age", opts.MinAge,
		"limit", opts.Limit,
		"dry_run", opts.DryRun,
		"queue", cfg.Queue.Backend,
	)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "build pipeline", err)
	}
	defer a.Close()

	n, err := requeue(ctx, a.Jobs, a.Queue, opts, time.Now(), logger)
	if err != nil {
		logger.Error("backfill failed", "requeued", n, "err", err)
		return
	}
	logger.Info("backfill completed", "requeued", n)
}

// requeue enqueues a fresh task for every stale job in opts.Status. A task
// for a job that is still queued is harmless: handling is idempotent. Jobs
// whose worker lease has not run out are left to that worker.
func requeue(ctx context.Context, reg jobs.Registry, p queue.Producer, opts options, now time.Time, logger *slog.Logger) (int, error) {
	if opts.Status != jobs.StatusPending && opts.Status != jobs.StatusProcessing {
		return 0, fmt.Errorf("cannot requeue jobs in status %q", opts.Status)
	}
	recs, err := reg.List(ctx, opts.Status, 0)
	if err != nil {
		return 0, fmt.Errorf("list %s jobs: %w", opts.Status, err)
	}

	requeued := 0
	for _, rec := range recs {
		if opts.Limit > 0 && requeued >= opts.Limit {
			break
		}
		if now.Sub(rec.UpdatedAt) < opts.MinAge || rec.LeaseUntil.After(now) {
			continue
		}
		if opts.DryRun {
			logger.Info("would requeue job", "job_id", rec.ID, "status", rec.Status, "updated_at", rec.UpdatedAt)
			requeued++
			continue
		}
		task := schema.ProcessingTask{
			JobID:       rec.ID,
			SourceKey:   rec.SourceKey,
			ContentType: rec.ContentType,
			EnqueuedAt:  now.Unix(),
		}
		if err := p.Enqueue(ctx, task); err != nil {
			return requeued, fmt.Errorf("enqueue job %s: %w", rec.ID, err)
		}
		logger.Info("requeued job", "job_id", rec.ID, "status", rec.Status)
		requeued++
	}
	return requeued, nil
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
