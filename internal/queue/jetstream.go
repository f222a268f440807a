package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

type JetStreamConfig struct {
	Stream     string
	Subject    string
	Consumer   string
	MaxDeliver int
	AckWait    time.Duration
	Backoff    time.Duration
}

// JetStreamQueue is a work-queue stream with a durable pull consumer. A
// message stays on the stream until it is acked or terminated, so tasks
// survive worker restarts.
type JetStreamQueue struct {
	js  jetstream.JetStream
	cfg JetStreamConfig
	log *slog.Logger
}

var (
	_ Producer = (*JetStreamQueue)(nil)
	_ Consumer = (*JetStreamQueue)(nil)
)

func NewJetStreamQueue(ctx context.Context, nc *nats.Conn, cfg JetStreamConfig, logger *slog.Logger) (*JetStreamQueue, error) {
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = DefaultMaxAttempts
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 5 * time.Minute
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return &JetStreamQueue{js: js, cfg: cfg, log: logger}, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, task schema.ProcessingTask) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, q.cfg.Subject, data); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrUnavailable, q.cfg.Subject, err)
	}
	return nil
}

// Consume opens one pull subscription per worker on the shared durable consumer.
func (q *JetStreamQueue) Consume(ctx context.Context, workers int, h Handler) error {
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       q.cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
		FilterSubject: q.cfg.Subject,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", q.cfg.Consumer, err)
	}

	if workers <= 0 {
		workers = 1
	}
	subs := make([]jetstream.ConsumeContext, 0, workers)
	defer func() {
		for _, cc := range subs {
			cc.Stop()
		}
	}()
	for i := 0; i < workers; i++ {
		log := q.log.With("worker", i)
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			q.handle(ctx, msg, h, log)
		}, jetstream.PullMaxMessages(1))
		if err != nil {
			return fmt.Errorf("consume %s: %w", q.cfg.Consumer, err)
		}
		subs = append(subs, cc)
	}

	q.log.Info("consuming tasks", "stream", q.cfg.Stream, "consumer", q.cfg.Consumer, "workers", workers)
	<-ctx.Done()
	return nil
}

func (q *JetStreamQueue) handle(ctx context.Context, msg jetstream.Msg, h Handler, log *slog.Logger) {
	task, err := decodeTask(msg.Data())
	if err != nil {
		log.Error("discarding undecodable task", "err", err)
		_ = msg.Term()
		return
	}
	attempt := 1
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		attempt = int(meta.NumDelivered)
	}

	d := Delivery{Task: task, Attempt: attempt, MaxAttempts: q.cfg.MaxDeliver}
	var settleErr error
	switch h(ctx, d) {
	case Retry:
		settleErr = msg.NakWithDelay(Backoff(q.cfg.Backoff, attempt))
	case Drop:
		settleErr = msg.Term()
	default:
		settleErr = msg.Ack()
	}
	if settleErr != nil && !errors.Is(settleErr, context.Canceled) {
		log.Warn("settle message", "err", settleErr, "job_id", task.JobID, "attempt", attempt)
	}
}
