package intake

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Elderusr/stage7-upload-service/internal/blob"
	"github.com/Elderusr/stage7-upload-service/internal/jobs"
	"github.com/Elderusr/stage7-upload-service/internal/process"
	"github.com/Elderusr/stage7-upload-service/internal/queue"
	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			m.Set(x, y, color.RGBA{R: 90, G: 10, B: 140, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type fakeProducer struct {
	mu    sync.Mutex
	tasks []schema.ProcessingTask
	err   error
}

func (p *fakeProducer) Enqueue(_ context.Context, task schema.ProcessingTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func fixedID(id string) Option { return WithIDGenerator(func() string { return id }) }

func TestSubmitCreatesPendingJobAndEnqueues(t *testing.T) {
	store := blob.NewMemoryStore("http://cdn.local")
	reg := jobs.NewMemoryRegistry()
	prod := &fakeProducer{}
	c := NewCoordinator(store, reg, prod, testLogger(), fixedID("job-1"))

	receipt, err := c.Submit(context.Background(), pngBytes(t, 10, 10), "image/png")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.ID != "job-1" || receipt.Status != schema.StatusPending || !strings.HasPrefix(receipt.OriginalURL, "http://cdn.local/uploads/") {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	rec, err := reg.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != jobs.StatusPending || rec.OriginalURL != receipt.OriginalURL || rec.ContentType != "image/png" {
		t.Fatalf("unexpected record %+v", rec)
	}

	if len(prod.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(prod.tasks))
	}
	task := prod.tasks[0]
	if task.JobID != "job-1" || task.SourceKey != rec.SourceKey || task.EnqueuedAt == 0 {
		t.Fatalf("unexpected task %+v", task)
	}
	if _, err := store.Get(context.Background(), task.SourceKey); err != nil {
		t.Fatalf("original not stored under task key: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		contentType string
	}{
		{"empty payload", nil, "image/png"},
		{"text file", []byte("hello"), "text/plain"},
		{"pdf", []byte("%PDF-1.4"), "application/pdf"},
		{"no content type", []byte{1, 2, 3}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := blob.NewMemoryStore("http://cdn.local")
			reg := jobs.NewMemoryRegistry()
			prod := &fakeProducer{}
			c := NewCoordinator(store, reg, prod, testLogger(), fixedID("v"))

			_, err := c.Submit(context.Background(), tt.data, tt.contentType)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if store.Len() != 0 || len(prod.tasks) != 0 {
				t.Fatal("rejected submission had side effects")
			}
			if _, err := reg.Get(context.Background(), "v"); !errors.Is(err, jobs.ErrNotFound) {
				t.Fatalf("rejected submission created a record: %v", err)
			}
		})
	}
}

func TestSubmitBlobFailureCreatesNothing(t *testing.T) {
	store := blob.NewMemoryStore("http://cdn.local")
	store.Fail(blob.ErrUnavailable, nil)
	reg := jobs.NewMemoryRegistry()
	prod := &fakeProducer{}
	c := NewCoordinator(store, reg, prod, testLogger(), fixedID("b1"))

	receipt, err := c.Submit(context.Background(), pngBytes(t, 4, 4), "image/png")
	if !errors.Is(err, ErrDependencyUnavailable) || !errors.Is(err, blob.ErrUnavailable) {
		t.Fatalf("expected dependency error wrapping blob.ErrUnavailable, got %v", err)
	}
	if receipt.ID != "" {
		t.Fatalf("no id should be exposed, got %q", receipt.ID)
	}
	if _, err := reg.Get(context.Background(), "b1"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("record created despite blob failure: %v", err)
	}
	if len(prod.tasks) != 0 {
		t.Fatal("task enqueued despite blob failure")
	}
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	store := blob.NewMemoryStore("http://cdn.local")
	reg := jobs.NewMemoryRegistry()
	prod := &fakeProducer{err: queue.ErrUnavailable}
	c := NewCoordinator(store, reg, prod, testLogger(), fixedID("c1"))

	receipt, err := c.Submit(context.Background(), pngBytes(t, 4, 4), "image/png")
	if !errors.Is(err, ErrDependencyUnavailable) || !errors.Is(err, queue.ErrUnavailable) {
		t.Fatalf("expected dependency error wrapping queue.ErrUnavailable, got %v", err)
	}
	if receipt.ID != "c1" || receipt.Status != schema.StatusFailed {
		t.Fatalf("receipt should expose the failed job, got %+v", receipt)
	}

	rec, err := reg.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != jobs.StatusFailed || !strings.Contains(rec.FailureReason, "enqueue processing task") {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSubmitDuplicateIDIsSurfaced(t *testing.T) {
	store := blob.NewMemoryStore("http://cdn.local")
	reg := jobs.NewMemoryRegistry()
	prod := &fakeProducer{}
	c := NewCoordinator(store, reg, prod, testLogger(), fixedID("same"))

	if _, err := c.Submit(context.Background(), pngBytes(t, 4, 4), "image/png"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := c.Submit(context.Background(), pngBytes(t, 4, 4), "image/png"); !errors.Is(err, jobs.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if len(prod.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(prod.tasks))
	}
}

func TestLookupsOnUnknownIDsAreNotFound(t *testing.T) {
	c := NewCoordinator(blob.NewMemoryStore(""), jobs.NewMemoryRegistry(), &fakeProducer{}, testLogger())
	ctx := context.Background()

	for _, id := range []string{"never-created", "", "%00", strings.Repeat("x", 500), "../../etc"} {
		if _, err := c.Status(ctx, id); !errors.Is(err, jobs.ErrNotFound) {
			t.Errorf("Status(%q): expected ErrNotFound, got %v", id, err)
		}
		if _, err := c.Result(ctx, id); !errors.Is(err, jobs.ErrNotFound) {
			t.Errorf("Result(%q): expected ErrNotFound, got %v", id, err)
		}
	}
}

// The full pipeline: submit, let a worker pool drain the queue, and poll.
func TestPipelineReachesDone(t *testing.T) {
	store := blob.NewMemoryStore("http://cdn.local")
	reg := jobs.NewMemoryRegistry()
	q := queue.NewMemoryQueue(testLogger(), 8, 3, time.Millisecond)
	defer q.Close()

	c := NewCoordinator(store, reg, q, testLogger())
	w := process.NewWorker(reg, store, process.Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Consume(ctx, 2, w.Handle) }()

	receipt, err := c.Submit(ctx, pngBytes(t, 1600, 900), "image/png")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var seen []schema.JobStatus
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := c.Status(ctx, receipt.ID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if len(seen) == 0 || seen[len(seen)-1] != st.Status {
			seen = append(seen, st.Status)
		}
		if jobs.IsTerminal(st.Status) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, err := c.Result(ctx, receipt.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != schema.StatusDone || res.ProcessedURL == nil || res.ThumbnailURL == nil {
		t.Fatalf("unexpected result %+v (statuses %v)", res, seen)
	}
	if res.OriginalURL != receipt.OriginalURL {
		t.Fatalf("original url changed: %q vs %q", res.OriginalURL, receipt.OriginalURL)
	}

	// polled statuses never regress
	order := map[schema.JobStatus]int{schema.StatusPending: 0, schema.StatusProcessing: 1, schema.StatusDone: 2}
	for i := 1; i < len(seen); i++ {
		if order[seen[i]] <= order[seen[i-1]] {
			t.Fatalf("status regressed: %v", seen)
		}
	}
}
