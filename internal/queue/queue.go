// internal/queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

// ErrUnavailable means a task could not be handed to the queue.
var ErrUnavailable = errors.New("queue unavailable")

// Outcome tells the queue what to do with a delivery once the handler returns.
type Outcome int

const (
	// Ack removes the delivery.
	Ack Outcome = iota
	// Retry redelivers the task later with the attempt counter incremented.
	Retry
	// Drop removes the delivery without retrying; the task is unusable.
	Drop
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is one attempt at a task. Attempt starts at 1.
type Delivery struct {
	Task        schema.ProcessingTask
	Attempt     int
	MaxAttempts int
}

// Last reports whether a Retry would not be redelivered.
func (d Delivery) Last() bool {
	return d.MaxAttempts > 0 && d.Attempt >= d.MaxAttempts
}

type Handler func(ctx context.Context, d Delivery) Outcome

type Producer interface {
	Enqueue(ctx context.Context, task schema.ProcessingTask) error
}

// Consumer runs workers concurrent handlers until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, workers int, h Handler) error
}

const maxBackoff = 5 * time.Minute

// Backoff returns base doubled for every attempt after the first.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func encodeTask(task schema.ProcessingTask) ([]byte, error) {
	if task.JobID == "" {
		return nil, errors.New("task has no job id")
	}
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = time.Now().Unix()
	}
	return json.Marshal(task)
}

func decodeTask(data []byte) (schema.ProcessingTask, error) {
	var task schema.ProcessingTask
	if err := json.Unmarshal(data, &task); err != nil {
		return task, fmt.Errorf("decode task: %w", err)
	}
	if task.JobID == "" {
		return task, errors.New("decode task: missing job id")
	}
	return task, nil
}
