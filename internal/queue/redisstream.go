package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

const (
	defaultPromoteInterval = time.Second
	promoteBatch           = 100
)

type RedisStreamConfig struct {
	Stream      string
	Group       string
	Consumer    string
	MaxLen      int64
	MaxAttempts int
	Backoff     time.Duration
	Block       time.Duration
	// ClaimIdle is how long an entry may stay delivered but unacked before
	// another consumer takes it over. It must exceed the longest task.
	ClaimIdle time.Duration
	// PromoteInterval is how often due retries are moved back onto the stream.
	PromoteInterval time.Duration
}

// streamClient is the subset of redis.UniversalClient used for acking entries
// and scheduling retries.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
}

// RedisStreamQueue delivers tasks through a Redis Stream consumer group.
// A retry is written to a sorted set keyed by due time before the entry is
// acked, and a background loop moves due retries back onto the stream with
// the attempt counter incremented. Entries that are never acked are taken
// over by XAUTOCLAIM once they have been idle for ClaimIdle.
//
// In Redis Cluster the stream name needs a hash tag so that the stream and
// its "<stream>:delayed" set share a slot.
type RedisStreamQueue struct {
	rc  redis.UniversalClient
	sc  streamClient
	cfg RedisStreamConfig
	log *slog.Logger
	now func() time.Time
}

var (
	_ Producer = (*RedisStreamQueue)(nil)
	_ Consumer = (*RedisStreamQueue)(nil)
)

func NewRedisStreamQueue(rc redis.UniversalClient, cfg RedisStreamConfig, logger *slog.Logger) *RedisStreamQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = max(30*time.Second, cfg.Block*6)
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = defaultPromoteInterval
	}
	return &RedisStreamQueue{
		rc:  rc,
		sc:  rc,
		cfg: cfg,
		log: logger,
		now: time.Now,
	}
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, task schema.ProcessingTask) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	if err := q.add(ctx, string(raw), 1); err != nil {
		return fmt.Errorf("%w: xadd %s: %w", ErrUnavailable, q.cfg.Stream, err)
	}
	return nil
}

func (q *RedisStreamQueue) add(ctx context.Context, payload string, attempt int) error {
	return q.sc.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: q.cfg.MaxLen > 0,
		Values: map[string]any{
			"payload": payload,
			"attempt": attempt,
		},
	}).Err()
}

func (q *RedisStreamQueue) ensureGroup(ctx context.Context) error {
	// MkStream lets the group exist before the first entry does.
	err := q.rc.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume reads new entries with workers concurrent loops until ctx is
// cancelled. Alongside them it promotes due retries and periodically adopts
// entries left pending by dead consumers.
func (q *RedisStreamQueue) Consume(ctx context.Context, workers int, h Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return fmt.Errorf("ensure group %s: %w", q.cfg.Group, err)
	}
	if workers <= 0 {
		workers = 1
	}
	q.log.Info("consuming tasks", "stream", q.cfg.Stream, "group", q.cfg.Group, "workers", workers,
		"claim_idle", q.cfg.ClaimIdle)

	bgCtx, stop := context.WithCancel(ctx)
	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		q.promoteLoop(bgCtx)
	}()
	go func() {
		defer bg.Done()
		q.reclaimLoop(bgCtx, h)
	}()

	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			errCh <- q.loop(ctx, h, q.log.With("worker", idx))
		}(i)
	}
	var firstErr error
	for i := 0; i < workers; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	stop()
	bg.Wait()
	return firstErr
}

func (q *RedisStreamQueue) reclaimLoop(ctx context.Context, h Handler) {
	ticker := time.NewTicker(q.cfg.ClaimIdle / 2)
	defer ticker.Stop()
	for {
		q.autoClaim(ctx, h)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// autoClaim takes over entries that were delivered but never acked, for
// example because a worker crashed mid-task, and handles them.
func (q *RedisStreamQueue) autoClaim(ctx context.Context, h Handler) {
	next := "0-0"
	for {
		msgs, start, err := q.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.ClaimIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.log.Warn("autoclaim", "err", err)
			}
			return
		}
		if len(msgs) > 0 {
			q.log.Info("claimed idle entries", "count", len(msgs))
		}
		for _, m := range msgs {
			q.handle(ctx, m, h, q.log)
		}
		if start == "0-0" || len(msgs) == 0 {
			return
		}
		next = start
	}
}

// promoteScript moves due members of the delayed set (KEYS[1]) onto the
// stream (KEYS[2]) in one step, so a retry is never both queued and scheduled.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local maxlen = tonumber(ARGV[3])
for _, member in ipairs(due) do
	local entry = cjson.decode(member)
	if maxlen > 0 then
		redis.call('XADD', KEYS[2], 'MAXLEN', '~', maxlen, '*', 'payload', entry.payload, 'attempt', tostring(entry.attempt))
	else
		redis.call('XADD', KEYS[2], '*', 'payload', entry.payload, 'attempt', tostring(entry.attempt))
	end
	redis.call('ZREM', KEYS[1], member)
end
return #due
`)

func (q *RedisStreamQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := promoteScript.Run(ctx, q.rc, []string{q.delayedKey(), q.cfg.Stream},
			q.now().UnixMilli(), promoteBatch, q.cfg.MaxLen).Int()
		if err != nil {
			if ctx.Err() == nil {
				q.log.Warn("promote delayed tasks", "err", err)
			}
			continue
		}
		if n > 0 {
			q.log.Debug("requeued delayed tasks", "count", n)
		}
	}
}

func (q *RedisStreamQueue) delayedKey() string {
	return q.cfg.Stream + ":delayed"
}

// delayedEntry is a scheduled retry. ID keeps members for equal payloads apart.
type delayedEntry struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
	Attempt int    `json:"attempt"`
}

func (q *RedisStreamQueue) schedule(ctx context.Context, id, payload string, attempt int, delay time.Duration) error {
	member, err := json.Marshal(delayedEntry{ID: id, Payload: payload, Attempt: attempt})
	if err != nil {
		return err
	}
	due := q.now().Add(delay).UnixMilli()
	return q.sc.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: string(member)}).Err()
}

func (q *RedisStreamQueue) loop(ctx context.Context, h Handler, log *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := q.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("read group", "err", err)
			time.Sleep(time.Second)
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				q.handle(ctx, m, h, log)
			}
		}
	}
}

// handle runs h for one entry and acks it once its outcome is durable. An
// entry whose retry could not be scheduled stays pending for autoClaim.
func (q *RedisStreamQueue) handle(ctx context.Context, m redis.XMessage, h Handler, log *slog.Logger) {
	wctx := context.WithoutCancel(ctx)

	raw, _ := m.Values["payload"].(string)
	task, err := decodeTask([]byte(raw))
	if err != nil {
		log.Error("discarding undecodable task", "err", err, "id", m.ID)
		q.ack(wctx, m.ID, log)
		return
	}
	attempt := toInt(m.Values["attempt"])
	if attempt < 1 {
		attempt = 1
	}

	d := Delivery{Task: task, Attempt: attempt, MaxAttempts: q.cfg.MaxAttempts}
	if h(ctx, d) == Retry {
		if d.Last() {
			log.Warn("retry requested on final attempt; dropping task", "job_id", task.JobID, "attempt", attempt)
		} else if err := q.schedule(wctx, m.ID, raw, attempt+1, Backoff(q.cfg.Backoff, attempt)); err != nil {
			log.Error("schedule retry; leaving entry pending", "err", err, "job_id", task.JobID, "id", m.ID)
			return
		}
	}
	q.ack(wctx, m.ID, log)
}

func (q *RedisStreamQueue) ack(ctx context.Context, id string, log *slog.Logger) {
	if err := q.sc.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		log.Warn("xack", "err", err, "id", id)
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}
