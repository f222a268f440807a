package app

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Elderusr/stage7-upload-service/internal/config"
	"github.com/Elderusr/stage7-upload-service/internal/jobs"
	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func memoryConfig() config.Config {
	return config.Config{
		HTTPAddr:        "127.0.0.1:0",
		MaxUploadSize:   1 << 20,
		ShutdownGrace:   time.Second,
		EmbeddedWorkers: true,
		Registry:        config.RegistryConfig{Backend: "memory"},
		Storage:         config.StorageConfig{Backend: "memory", PublicURL: "memory://local", KeyPrefix: "uploads"},
		Queue:           config.QueueConfig{Backend: "memory", Capacity: 16},
		Worker: config.WorkerConfig{
			Count:                2,
			TransformConcurrency: 2,
			TaskTimeout:          10 * time.Second,
			MaxDeliveries:        3,
			RetryBackoff:         time.Millisecond,
			ProcessedMaxDim:      1200,
			ProcessedQuality:     80,
			ThumbMaxDim:          300,
			ThumbQuality:         70,
		},
	}
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			m.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, m, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestMemoryPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, memoryConfig(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	done := make(chan error, 1)
	go func() { done <- a.RunWorkers(ctx) }()

	receipt, err := a.Intake.Submit(ctx, jpegBytes(t, 400, 200), "image/jpeg")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var res schema.ResultView
	for time.Now().Before(deadline) {
		res, err = a.Intake.Result(ctx, receipt.ID)
		if err != nil {
			t.Fatalf("Result: %v", err)
		}
		if jobs.IsTerminal(res.Status) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if res.Status != schema.StatusDone || res.ProcessedURL == nil || res.ThumbnailURL == nil {
		t.Fatalf("unexpected result %+v", res)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop after cancel")
	}
}

func TestUnknownBackendsAreRejected(t *testing.T) {
	tests := map[string]func(*config.Config){
		"registry": func(c *config.Config) { c.Registry.Backend = "etcd" },
		"storage":  func(c *config.Config) { c.Storage.Backend = "gcs" },
		"queue":    func(c *config.Config) { c.Queue.Backend = "kafka" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := memoryConfig()
			mutate(&cfg)
			if _, err := New(context.Background(), cfg, testLogger()); err == nil {
				t.Fatalf("expected error for unknown %s backend", name)
			}
		})
	}
}

func TestSQLiteRegistryBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Registry = config.RegistryConfig{Backend: "sqlite", SQLitePath: t.TempDir() + "/jobs.db"}

	a, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	receipt, err := a.Intake.Submit(context.Background(), jpegBytes(t, 10, 10), "image/jpeg")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, err := a.Intake.Status(context.Background(), receipt.ID)
	if err != nil || st.Status != schema.StatusPending {
		t.Fatalf("unexpected status %+v err=%v", st, err)
	}
}

func TestWorkerConfigMapping(t *testing.T) {
	pc := WorkerConfig(memoryConfig().Worker)
	if pc.Processed.Name != "processed" || pc.Processed.MaxDimension != 1200 || pc.Processed.Quality != 80 {
		t.Fatalf("unexpected processed spec %+v", pc.Processed)
	}
	if pc.Thumbnail.Name != "thumbnail" || pc.Thumbnail.MaxDimension != 300 || pc.Thumbnail.Quality != 70 {
		t.Fatalf("unexpected thumbnail spec %+v", pc.Thumbnail)
	}
	if pc.TaskTimeout != 10*time.Second || pc.TransformConcurrency != 2 {
		t.Fatalf("unexpected worker settings %+v", pc)
	}
}

func TestHTTPServerRoutes(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	srv := a.HTTPServer()
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
}

func TestInitSentryWithoutDSN(t *testing.T) {
	flush, err := InitSentry(memoryConfig(), "test")
	if err != nil {
		t.Fatalf("InitSentry: %v", err)
	}
	flush()
}
