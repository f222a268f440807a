// pkg/schema/events.go
package schema

// JobStatus is the externally visible lifecycle state of an image job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

// ProcessingTask is the queue payload handed from intake to the worker pool.
// SourceKey is the blob store key of the original upload.
type ProcessingTask struct {
	JobID       string `json:"job_id"`
	SourceKey   string `json:"source_key"`
	ContentType string `json:"content_type,omitempty"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// Envelope wraps upload, status and error response bodies.
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
}

type Receipt struct {
	ID          string    `json:"id"`
	OriginalURL string    `json:"originalUrl"`
	Status      JobStatus `json:"status"`
}

type StatusView struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
}

// ResultView is the full job record. Derived URLs stay null until the job is done.
type ResultView struct {
	ID            string    `json:"id"`
	Status        JobStatus `json:"status"`
	OriginalURL   string    `json:"originalUrl"`
	ProcessedURL  *string   `json:"processedUrl"`
	ThumbnailURL  *string   `json:"thumbnailUrl"`
	FailureReason *string   `json:"failureReason,omitempty"`
	CreatedAt     int64     `json:"createdAt"`
	UpdatedAt     int64     `json:"updatedAt"`
}

// LifecycleEvent is published whenever a job record changes.
type LifecycleEvent struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	OriginalURL  string    `json:"original_url,omitempty"`
	ProcessedURL string    `json:"processed_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Error        string    `json:"error,omitempty"`
	HappenedAt   int64     `json:"happened_at"`
}
