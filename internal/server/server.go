// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"

	"github.com/Elderusr/stage7-upload-service/internal/intake"
	"github.com/Elderusr/stage7-upload-service/internal/jobs"
	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

const (
	// FormField is the multipart field carrying the image.
	FormField = "file"

	maxMultipartMemory = 8 << 20
)

// Intake is the part of intake.Coordinator the HTTP layer needs.
type Intake interface {
	Submit(ctx context.Context, data []byte, contentType string) (schema.Receipt, error)
	Status(ctx context.Context, id string) (schema.StatusView, error)
	Result(ctx context.Context, id string) (schema.ResultView, error)
}

type Handler struct {
	intake        Intake
	maxUploadSize int64
	metrics       http.Handler
	log           *slog.Logger
}

func New(in Intake, maxUploadSize int64, metricsHandler http.Handler, logger *slog.Logger) *Handler {
	return &Handler{
		intake:        in,
		maxUploadSize: maxUploadSize,
		metrics:       metricsHandler,
		log:           logger,
	}
}

// Router mounts the upload, status, result, health and metrics routes.
func (h *Handler) Router() chi.Router {
	reqLog := &httplog.Logger{
		Logger:  h.log,
		Options: httplog.Options{Concise: true},
	}

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(reqLog, []string{"/healthz", "/metrics"}))

	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Post("/upload", h.Upload)
	r.Get("/upload/{id}/status", h.Status)
	r.Get("/upload/{id}/result", h.Result)
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// Upload accepts either a multipart form with a "file" field or a raw body.
// The content type is sniffed from the bytes, never taken from the client.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	data, err := readUpload(r)
	if err != nil {
		h.writeReadError(w, r, err)
		return
	}
	contentType := mimetype.Detect(data).String()

	receipt, err := h.intake.Submit(r.Context(), data, contentType)
	if err != nil {
		h.writeError(w, r, err, receipt)
		return
	}
	writeEnvelope(w, r, http.StatusCreated, "File uploaded successfully", receipt)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.intake.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, schema.Receipt{})
		return
	}
	writeEnvelope(w, r, http.StatusOK, "Job status retrieved successfully", view)
}

// Result renders the record itself, without the envelope.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.intake.Result(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, schema.Receipt{})
		return
	}
	render.JSON(w, r, view)
}

func readUpload(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return io.ReadAll(r.Body)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile(FormField)
	if err != nil {
		return nil, fmt.Errorf("%w: missing %q form field", intake.ErrValidation, FormField)
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (h *Handler) writeReadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge) || strings.Contains(err.Error(), "too large"):
		writeEnvelope(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("uploaded file exceeds maximum allowed size of %d bytes", h.maxUploadSize), nil)
	case errors.Is(err, intake.ErrValidation):
		writeEnvelope(w, r, http.StatusBadRequest, err.Error(), nil)
	default:
		writeEnvelope(w, r, http.StatusBadRequest, "could not read upload: "+err.Error(), nil)
	}
}

// writeError maps error kinds to status codes. A receipt with an id is
// included so the caller can still poll a job that was recorded as failed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, receipt schema.Receipt) {
	switch {
	case errors.Is(err, intake.ErrValidation):
		writeEnvelope(w, r, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, jobs.ErrNotFound):
		writeEnvelope(w, r, http.StatusNotFound, fmt.Sprintf("Job with ID %s not found", chi.URLParam(r, "id")), nil)
	case errors.Is(err, intake.ErrDependencyUnavailable):
		h.log.Error("upload failed", "err", err, "job_id", receipt.ID)
		var data any
		if receipt.ID != "" {
			data = receipt
		}
		writeEnvelope(w, r, http.StatusServiceUnavailable, "Failed to upload file and add to queue: "+err.Error(), data)
	default:
		h.log.Error("request failed", "err", err, "path", r.URL.Path)
		writeEnvelope(w, r, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, code int, msg string, data any) {
	render.Status(r, code)
	render.JSON(w, r, schema.Envelope{StatusCode: code, Message: msg, Data: data})
}
