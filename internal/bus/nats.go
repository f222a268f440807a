// internal/bus/nats.go
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Elderusr/stage7-upload-service/internal/jobs"
)

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("stage7-upload-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// Publisher is the part of Client used for lifecycle events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// LifecycleHook publishes every registry change to subject as a
// schema.LifecycleEvent. Publish errors are logged and never fail the write.
func LifecycleHook(p Publisher, subject string, logger *slog.Logger) jobs.ChangeFunc {
	return func(_ context.Context, rec jobs.Record) {
		event := rec.Event()
		if err := p.PublishJSON(subject, event); err != nil {
			logger.Error("publish lifecycle event failed", "subject", subject, "job_id", event.JobID, "status", event.Status, "err", err)
		}
	}
}
