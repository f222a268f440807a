package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Elderusr/stage7-upload-service/internal/jobs"
)

const namespace = "imagejobs"

// Metrics tracks pipeline counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	submitted      prometheus.Counter
	completed      prometheus.Counter
	failed         prometheus.Counter
	retried        prometheus.Counter
	redeliveryNoop prometheus.Counter
	taskDuration   *prometheus.HistogramVec
}

// New registers the pipeline collectors plus the Go and process collectors on
// a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "submitted_total",
			Help: "Jobs accepted by intake.",
		}),
		completed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "completed_total",
			Help: "Jobs that reached done.",
		}),
		failed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "failed_total",
			Help: "Jobs that reached failed.",
		}),
		retried: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_retries_total",
			Help: "Deliveries handed back to the queue for a later attempt.",
		}),
		redeliveryNoop: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "redelivery_noop_total",
			Help: "Deliveries acknowledged without work because the job was already terminal.",
		}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Time spent handling one delivery, by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"outcome"}),
	}
}

// Hook counts job records entering pending, done and failed.
func (m *Metrics) Hook() jobs.ChangeFunc {
	return func(_ context.Context, rec jobs.Record) {
		if m == nil {
			return
		}
		switch rec.Status {
		case jobs.StatusPending:
			m.submitted.Inc()
		case jobs.StatusDone:
			m.completed.Inc()
		case jobs.StatusFailed:
			m.failed.Inc()
		}
	}
}

func (m *Metrics) TaskRetried() {
	if m != nil {
		m.retried.Inc()
	}
}

func (m *Metrics) RedeliveryNoop() {
	if m != nil {
		m.redeliveryNoop.Inc()
	}
}

func (m *Metrics) ObserveTask(outcome string, d time.Duration) {
	if m != nil {
		m.taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
