// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Elderusr/stage7-upload-service/internal/blob"
	"github.com/Elderusr/stage7-upload-service/internal/bus"
	"github.com/Elderusr/stage7-upload-service/internal/config"
	"github.com/Elderusr/stage7-upload-service/internal/img"
	"github.com/Elderusr/stage7-upload-service/internal/intake"
	"github.com/Elderusr/stage7-upload-service/internal/jobs"
	"github.com/Elderusr/stage7-upload-service/internal/metrics"
	"github.com/Elderusr/stage7-upload-service/internal/process"
	"github.com/Elderusr/stage7-upload-service/internal/queue"
	"github.com/Elderusr/stage7-upload-service/internal/server"
)

// queueBackend is what every queue implementation offers.
type queueBackend interface {
	queue.Producer
	queue.Consumer
}

// App holds the pipeline components built from one Config.
type App struct {
	cfg     config.Config
	log     *slog.Logger
	Metrics *metrics.Metrics
	Jobs    jobs.Registry
	Store   blob.Store
	Queue   queueBackend
	Worker  *process.Worker
	Intake  *intake.Coordinator

	closers []func() error
}

// New connects the configured backends. On error everything opened so far
// is closed again.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, log: logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var nc *bus.Client
	if cfg.Queue.Backend == "nats" || cfg.Queue.LifecycleSubject != "" {
		nc, err = bus.Connect(cfg.Queue.NATSURL)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { nc.Close(); return nil })
		logger.Info("connected to NATS", "nats_url", cfg.Queue.NATSURL)
	}

	base, err := a.buildRegistry()
	if err != nil {
		return nil, err
	}
	hooks := []jobs.ChangeFunc{a.Metrics.Hook()}
	if cfg.Queue.LifecycleSubject != "" {
		hooks = append(hooks, bus.LifecycleHook(nc, cfg.Queue.LifecycleSubject, logger))
	}
	a.Jobs = jobs.Observe(base, hooks...)

	if a.Store, err = a.buildStore(ctx); err != nil {
		return nil, err
	}
	if a.Queue, err = a.buildQueue(ctx, nc); err != nil {
		return nil, err
	}

	opts := []process.Option{process.WithMetrics(a.Metrics)}
	if cfg.SentryDSN != "" {
		opts = append(opts, process.WithReporter(process.SentryReporter{}))
	}
	a.Worker = process.NewWorker(a.Jobs, a.Store, WorkerConfig(cfg.Worker), logger, opts...)
	a.Intake = intake.NewCoordinator(a.Store, a.Jobs, a.Queue, logger)

	logger.Info("pipeline ready",
		"registry", cfg.Registry.Backend,
		"storage", cfg.Storage.Backend,
		"queue", cfg.Queue.Backend,
		"lifecycle_subject", cfg.Queue.LifecycleSubject,
	)
	return a, nil
}

// WorkerConfig converts the environment settings into worker settings.
func WorkerConfig(c config.WorkerConfig) process.Config {
	return process.Config{
		TaskTimeout:          c.TaskTimeout,
		TransformConcurrency: c.TransformConcurrency,
		Processed:            img.VariantSpec{Name: img.Processed.Name, MaxDimension: c.ProcessedMaxDim, Quality: c.ProcessedQuality},
		Thumbnail:            img.VariantSpec{Name: img.Thumbnail.Name, MaxDimension: c.ThumbMaxDim, Quality: c.ThumbQuality},
	}
}

func (a *App) buildRegistry() (jobs.Registry, error) {
	switch a.cfg.Registry.Backend {
	case "memory":
		return jobs.NewMemoryRegistry(), nil
	case "sqlite":
		reg, err := jobs.NewSQLiteRegistry(a.cfg.Registry.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.onClose(reg.Close)
		return reg, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", a.cfg.Registry.Backend)
	}
}

func (a *App) buildStore(ctx context.Context) (blob.Store, error) {
	s := a.cfg.Storage
	switch s.Backend {
	case "memory":
		m := blob.NewMemoryStore(s.PublicURL)
		m.Prefix = s.KeyPrefix
		return m, nil
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:     s.Endpoint,
			Region:       s.Region,
			AccessKey:    s.AccessKey,
			SecretKey:    s.SecretKey,
			Bucket:       s.Bucket,
			PublicURL:    s.PublicURL,
			KeyPrefix:    s.KeyPrefix,
			UsePathStyle: s.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}

func (a *App) buildQueue(ctx context.Context, nc *bus.Client) (queueBackend, error) {
	q, w := a.cfg.Queue, a.cfg.Worker
	switch q.Backend {
	case "memory":
		mq := queue.NewMemoryQueue(a.log, q.Capacity, w.MaxDeliveries, w.RetryBackoff)
		a.onClose(func() error { mq.Close(); return nil })
		return mq, nil
	case "nats":
		return queue.NewJetStreamQueue(ctx, nc.Conn(), queue.JetStreamConfig{
			Stream:     q.NATSStream,
			Subject:    q.NATSSubject,
			Consumer:   q.NATSConsumer,
			MaxDeliver: w.MaxDeliveries,
			AckWait:    w.TaskTimeout + 30*time.Second,
			Backoff:    w.RetryBackoff,
		}, a.log)
	case "redis":
		rc := redis.NewClient(&redis.Options{
			Addr:     q.RedisAddr,
			Password: q.RedisPassword,
			DB:       q.RedisDB,
		})
		a.onClose(rc.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", q.RedisAddr, err)
		}
		a.log.Info("connected to redis", "addr", q.RedisAddr, "db", q.RedisDB)
		return queue.NewRedisStreamQueue(rc, queue.RedisStreamConfig{
			Stream:      q.RedisStream,
			Group:       q.RedisGroup,
			Consumer:    q.RedisConsumer,
			MaxLen:      q.RedisMaxLen,
			MaxAttempts: w.MaxDeliveries,
			Backoff:     w.RetryBackoff,
			ClaimIdle:   w.TaskTimeout + 30*time.Second,
		}, a.log), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", q.Backend)
	}
}

func (a *App) onClose(f func() error) { a.closers = append(a.closers, f) }

// Close releases backends in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// RunWorkers consumes tasks until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	a.log.Info("starting workers", "count", a.cfg.Worker.Count, "queue", a.cfg.Queue.Backend)
	return a.Queue.Consume(ctx, a.cfg.Worker.Count, a.Worker.Handle)
}

// HTTPServer builds the intake server on the configured address.
func (a *App) HTTPServer() *http.Server {
	h := server.New(a.Intake, a.cfg.MaxUploadSize, a.Metrics.Handler(), a.log)
	return &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Serve runs the HTTP server, plus the worker pool when EmbeddedWorkers is
// set, until ctx is cancelled. In-flight requests get ShutdownGrace to finish.
func (a *App) Serve(ctx context.Context) error {
	srv := a.HTTPServer()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGrace)
		defer cancel()
		a.log.Info("shutting down http server", "grace", a.cfg.ShutdownGrace)
		return srv.Shutdown(shutdownCtx)
	})
	if a.cfg.EmbeddedWorkers {
		g.Go(func() error { return a.RunWorkers(gctx) })
	}
	return g.Wait()
}

// InitSentry configures the global Sentry hub when a DSN is set. The returned
// func flushes buffered events.
func InitSentry(cfg config.Config, release string) (func(), error) {
	if cfg.SentryDSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry.Init: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}
