// internal/intake/coordinator.go
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Elderusr/stage7-upload-service/internal/blob"
	"github.com/Elderusr/stage7-upload-service/internal/img"
	"github.com/Elderusr/stage7-upload-service/internal/jobs"
	"github.com/Elderusr/stage7-upload-service/internal/queue"
	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

var (
	// ErrValidation means the submission was rejected before any side effect.
	ErrValidation = errors.New("invalid submission")
	// ErrDependencyUnavailable means the blob store or queue could not be used.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// Coordinator accepts originals, records their jobs and hands them to the
// worker pool.
type Coordinator struct {
	store    blob.Store
	registry jobs.Registry
	producer queue.Producer
	log      *slog.Logger
	newID    func() string
}

type Option func(*Coordinator)

// WithIDGenerator replaces uuid.NewString as the job id source.
func WithIDGenerator(f func() string) Option { return func(c *Coordinator) { c.newID = f } }

func NewCoordinator(store blob.Store, registry jobs.Registry, producer queue.Producer, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		registry: registry,
		producer: producer,
		log:      logger,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit stores data, creates a pending job and enqueues its processing task.
//
// When the task cannot be enqueued the job is marked failed and the receipt
// is returned together with an error wrapping ErrDependencyUnavailable, so
// the caller can still report the id.
func (c *Coordinator) Submit(ctx context.Context, data []byte, contentType string) (schema.Receipt, error) {
	if len(data) == 0 {
		return schema.Receipt{}, fmt.Errorf("%w: empty file", ErrValidation)
	}
	if !img.IsSupported(contentType) {
		return schema.Receipt{}, fmt.Errorf("%w: unsupported content type %q", ErrValidation, contentType)
	}

	id := c.newID()
	logger := c.log.With("job_id", id)

	obj, err := c.store.Put(ctx, data, contentType)
	if err != nil {
		logger.Error("store original", "err", err)
		return schema.Receipt{}, fmt.Errorf("%w: store original: %w", ErrDependencyUnavailable, err)
	}

	rec := jobs.Record{
		ID:          id,
		SourceKey:   obj.Key,
		OriginalURL: obj.URL,
		ContentType: contentType,
	}
	if err := c.registry.Create(ctx, rec); err != nil {
		logger.Error("create job", "err", err)
		return schema.Receipt{}, fmt.Errorf("create job: %w", err)
	}

	task := schema.ProcessingTask{
		JobID:       id,
		SourceKey:   obj.Key,
		ContentType: contentType,
		EnqueuedAt:  time.Now().Unix(),
	}
	if err := c.producer.Enqueue(ctx, task); err != nil {
		cause := fmt.Errorf("enqueue processing task: %w", err)
		logger.Error("enqueue failed; marking job failed", "err", err)
		status := jobs.StatusFailed
		if _, uerr := c.registry.Update(context.WithoutCancel(ctx), id, jobs.Failed(cause)); uerr != nil {
			logger.Error("mark job failed", "err", uerr)
			status = jobs.StatusPending
		}
		return schema.Receipt{ID: id, OriginalURL: obj.URL, Status: status},
			fmt.Errorf("%w: %w", ErrDependencyUnavailable, cause)
	}

	logger.Info("job submitted", "source_key", obj.Key, "content_type", contentType, "bytes", len(data))
	return schema.Receipt{ID: id, OriginalURL: obj.URL, Status: jobs.StatusPending}, nil
}

// Status returns the job's current status. Unknown ids yield jobs.ErrNotFound.
func (c *Coordinator) Status(ctx context.Context, id string) (schema.StatusView, error) {
	rec, err := c.lookup(ctx, id)
	if err != nil {
		return schema.StatusView{}, err
	}
	return schema.StatusView{ID: rec.ID, Status: rec.Status}, nil
}

// Result returns the full job record. Unknown ids yield jobs.ErrNotFound.
func (c *Coordinator) Result(ctx context.Context, id string) (schema.ResultView, error) {
	rec, err := c.lookup(ctx, id)
	if err != nil {
		return schema.ResultView{}, err
	}
	return rec.View(), nil
}

func (c *Coordinator) lookup(ctx context.Context, id string) (jobs.Record, error) {
	if id == "" || len(id) > 128 {
		return jobs.Record{}, fmt.Errorf("%w: %q", jobs.ErrNotFound, id)
	}
	rec, err := c.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return jobs.Record{}, err
		}
		return jobs.Record{}, fmt.Errorf("lookup job: %w", err)
	}
	return rec, nil
}
