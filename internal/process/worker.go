// internal/process/worker.go
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Elderusr/stage7-upload-service/internal/blob"
	"github.com/Elderusr/stage7-upload-service/internal/img"
	"github.com/Elderusr/stage7-upload-service/internal/jobs"
	"github.com/Elderusr/stage7-upload-service/internal/metrics"
	"github.com/Elderusr/stage7-upload-service/internal/queue"
	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

const (
	DefaultTaskTimeout = 2 * time.Minute
	// terminalWriteTimeout bounds registry writes made after the task deadline.
	terminalWriteTimeout = 10 * time.Second
)

type Config struct {
	TaskTimeout          time.Duration
	TransformConcurrency int
	Processed            img.VariantSpec
	Thumbnail            img.VariantSpec
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.TransformConcurrency <= 0 {
		c.TransformConcurrency = runtime.NumCPU()
	}
	if c.Processed.MaxDimension == 0 {
		c.Processed = img.Processed
	}
	if c.Thumbnail.MaxDimension == 0 {
		c.Thumbnail = img.Thumbnail
	}
	return c
}

// Reporter receives failures that ended a job.
type Reporter interface {
	Report(ctx context.Context, err error, d queue.Delivery, failureType schema.FailureType)
}

// Worker turns a ProcessingTask into the processed and thumbnail variants of
// the job's original and records the outcome in the registry.
type Worker struct {
	registry jobs.Registry
	store    blob.Store
	cfg      Config
	log      *slog.Logger
	sem      *semaphore.Weighted
	metrics  *metrics.Metrics
	reporter Reporter
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Worker)

func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }

func WithReporter(r Reporter) Option { return func(w *Worker) { w.reporter = r } }

func NewWorker(registry jobs.Registry, store blob.Store, cfg Config, logger *slog.Logger, opts ...Option) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		registry: registry,
		store:    store,
		cfg:      cfg,
		log:      logger,
		sem:      semaphore.NewWeighted(int64(cfg.TransformConcurrency)),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle processes one delivery. It is safe to call concurrently and with
// duplicate deliveries of the same task.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) (outcome queue.Outcome) {
	id := d.Task.JobID
	logger := w.log.With("job_id", id, "attempt", d.Attempt)
	start := time.Now()
	defer func() {
		if outcome == queue.Retry {
			w.metrics.TaskRetried()
		}
		w.metrics.ObserveTask(outcome.String(), time.Since(start))
	}()

	if !w.acquire(id) {
		logger.Info("job already in flight on this worker; deferring")
		return queue.Retry
	}
	defer w.release(id)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	rec, err := w.registry.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		logger.Warn("dropping task for unknown job")
		return queue.Drop
	}
	if err != nil {
		return w.fail(ctx, logger, d, fmt.Errorf("load job: %w", err), "")
	}

	if jobs.IsTerminal(rec.Status) {
		w.metrics.RedeliveryNoop()
		logger.Info("job already finished; acknowledging redelivery", "status", rec.Status)
		return queue.Ack
	}

	owner := uuid.NewString()
	if out, claimed := w.claim(ctx, logger, d, owner); !claimed {
		return out
	}
	if rec.Status == jobs.StatusProcessing {
		logger.Info("resuming job left in processing")
	} else {
		logger.Info("job processing")
	}

	processedURL, thumbnailURL, err := w.produce(ctx, logger, rec, d.Task)
	if err != nil {
		return w.fail(ctx, logger, d, err, owner)
	}

	wctx, wcancel := detached(ctx)
	defer wcancel()
	if _, err := w.registry.Update(wctx, id, jobs.Done(processedURL, thumbnailURL)); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, jobs.ErrNotFound) {
			logger.Info("job finalized elsewhere; acknowledging", "err", err)
			return queue.Ack
		}
		return w.fail(ctx, logger, d, fmt.Errorf("record result: %w", err), owner)
	}

	logger.Info("job done", "processed_url", processedURL, "thumbnail_url", thumbnailURL, "duration", time.Since(start))
	return queue.Ack
}

// claim leases the job to owner for as long as one attempt may run. A pending
// job and a processing job whose lease ran out can both be claimed. While
// another worker holds a live lease the delivery is deferred without writes.
func (w *Worker) claim(ctx context.Context, logger *slog.Logger, d queue.Delivery, owner string) (queue.Outcome, bool) {
	until := w.now().Add(w.cfg.TaskTimeout + terminalWriteTimeout)
	_, err := w.registry.Update(ctx, d.Task.JobID, jobs.Claim(owner, until))
	switch {
	case err == nil:
		return queue.Ack, true
	case errors.Is(err, jobs.ErrNotFound):
		logger.Warn("job vanished before claim")
		return queue.Drop, false
	case errors.Is(err, jobs.ErrTerminal):
		w.metrics.RedeliveryNoop()
		logger.Info("job finished by another worker; acknowledging")
		return queue.Ack, false
	case errors.Is(err, jobs.ErrClaimed):
		if d.Last() {
			// the claimant records the outcome; a crashed claimant leaves the
			// job in processing for backfill to requeue
			logger.Warn("job still claimed by another worker on final attempt; leaving it to the claimant", "err", err)
			return queue.Ack, false
		}
		logger.Info("job claimed by another worker; deferring", "err", err)
		return queue.Retry, false
	default:
		return w.fail(ctx, logger, d, fmt.Errorf("claim job: %w", err), ""), false
	}
}

func (w *Worker) produce(ctx context.Context, logger *slog.Logger, rec jobs.Record, task schema.ProcessingTask) (string, string, error) {
	key := rec.SourceKey
	if key == "" {
		key = task.SourceKey
	}
	contentType := rec.ContentType
	if contentType == "" {
		contentType = task.ContentType
	}

	var tr img.Transformer = &img.ImageTransformer{}
	if contentType != "" {
		var err error
		if tr, err = img.ForMIME(contentType); err != nil {
			return "", "", err
		}
	}

	original, err := w.store.Get(ctx, key)
	if err != nil {
		return "", "", fmt.Errorf("fetch original %s: %w", key, err)
	}
	logger.Debug("fetched original", "source_key", key, "bytes", len(original))

	var processed, thumbnail blob.Object
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		processed, err = w.variant(gctx, tr, original, w.cfg.Processed)
		return err
	})
	g.Go(func() (err error) {
		thumbnail, err = w.variant(gctx, tr, original, w.cfg.Thumbnail)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return processed.URL, thumbnail.URL, nil
}

func (w *Worker) variant(ctx context.Context, tr img.Transformer, original []byte, spec img.VariantSpec) (blob.Object, error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return blob.Object{}, fmt.Errorf("%s: wait for transform slot: %w", spec.Name, err)
	}
	out, err := tr.Transform(ctx, original, spec)
	w.sem.Release(1)
	if err != nil {
		return blob.Object{}, err
	}

	obj, err := w.store.Put(ctx, out, img.OutputContentType)
	if err != nil {
		return blob.Object{}, fmt.Errorf("store %s variant: %w", spec.Name, err)
	}
	return obj, nil
}

// fail decides between retrying and recording a terminal failure. A non-empty
// owner is the lease this attempt holds; it is given up before a retry.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, d queue.Delivery, cause error, owner string) queue.Outcome {
	ft := classifyError(cause)
	if ft == schema.FailureTypeRetryable && !d.Last() {
		logger.Warn("transient failure; retrying", "err", cause, "max_attempts", d.MaxAttempts)
		if owner != "" {
			w.releaseLease(ctx, logger, d.Task.JobID, owner)
		}
		return queue.Retry
	}

	logger.Error("job failed", "err", cause, "failure_type", ft)
	if w.reporter != nil {
		w.reporter.Report(ctx, cause, d, ft)
	}

	wctx, cancel := detached(ctx)
	defer cancel()
	if _, err := w.registry.Update(wctx, d.Task.JobID, jobs.Failed(cause)); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, jobs.ErrNotFound) {
			logger.Info("job finalized elsewhere; acknowledging", "err", err)
			return queue.Ack
		}
		logger.Error("record failure", "err", err)
		if !d.Last() {
			return queue.Retry
		}
	}
	return queue.Ack
}

func (w *Worker) releaseLease(ctx context.Context, logger *slog.Logger, id, owner string) {
	wctx, cancel := detached(ctx)
	defer cancel()
	if _, err := w.registry.Update(wctx, id, jobs.Release(owner)); err != nil {
		// an unreleased lease only delays the retry until it expires
		logger.Warn("release job lease", "err", err)
	}
}

// classifyError splits failures into those a later attempt can fix and those
// it cannot.
func classifyError(err error) schema.FailureType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, img.ErrUnsupported):
		return schema.FailureTypeValidation
	case errors.Is(err, blob.ErrNotFound), errors.Is(err, img.ErrTransform), errors.Is(err, img.ErrInvalidSpec):
		return schema.FailureTypePermanent
	default:
		return schema.FailureTypeRetryable
	}
}

func (w *Worker) acquire(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[id]; busy {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *Worker) release(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

// detached returns a context that survives the task deadline but not forever.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}
