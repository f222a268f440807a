package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

const (
	DefaultCapacity    = 128
	DefaultMaxAttempts = 5
)

// MemoryQueue is an in-process bounded queue. Tasks are lost when the process
// exits.
type MemoryQueue struct {
	log         *slog.Logger
	ch          chan Delivery
	maxAttempts int
	backoff     time.Duration

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	running bool
	timers  sync.WaitGroup
}

var (
	_ Producer = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates a queue holding at most capacity undelivered tasks.
func NewMemoryQueue(logger *slog.Logger, capacity, maxAttempts int, backoff time.Duration) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &MemoryQueue{
		log:         logger,
		ch:          make(chan Delivery, capacity),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		done:        make(chan struct{}),
	}
}

// Enqueue adds a task without blocking. A full queue is reported as ErrUnavailable.
func (q *MemoryQueue) Enqueue(ctx context.Context, task schema.ProcessingTask) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if task.JobID == "" {
		return errors.New("task has no job id")
	}
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = time.Now().Unix()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: queue closed", ErrUnavailable)
	}
	select {
	case q.ch <- Delivery{Task: task, Attempt: 1, MaxAttempts: q.maxAttempts}:
		return nil
	default:
		return fmt.Errorf("%w: queue is full", ErrUnavailable)
	}
}

// Consume starts workers goroutines and blocks until ctx is cancelled and
// every in-flight handler has returned.
func (q *MemoryQueue) Consume(ctx context.Context, workers int, h Handler) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("queue already consuming")
	}
	q.running = true
	q.mu.Unlock()

	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			q.worker(ctx, h, idx)
		}(i)
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) worker(ctx context.Context, h Handler, idx int) {
	log := q.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case d := <-q.ch:
			q.settle(d, h(ctx, d), log)
		}
	}
}

func (q *MemoryQueue) settle(d Delivery, outcome Outcome, log *slog.Logger) {
	if outcome != Retry {
		return
	}
	if d.Last() {
		log.Warn("retry requested on final attempt; dropping task",
			"job_id", d.Task.JobID, "attempt", d.Attempt)
		return
	}
	next := d
	next.Attempt++
	delay := Backoff(q.backoff, d.Attempt)

	q.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer q.timers.Done()
		select {
		case q.ch <- next:
		case <-q.done:
			log.Warn("queue closed before redelivery", "job_id", next.Task.JobID, "attempt", next.Attempt)
		}
	})
}

// Close rejects further tasks and abandons pending redeliveries.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Wait blocks until every scheduled redelivery has fired or been abandoned.
func (q *MemoryQueue) Wait() {
	q.timers.Wait()
}

// Len returns the number of tasks waiting for a worker.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
