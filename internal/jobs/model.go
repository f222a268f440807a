// internal/jobs/model.go
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

// Status represents the lifecycle state of an image job.
type Status = schema.JobStatus

const (
	StatusPending    = schema.StatusPending
	StatusProcessing = schema.StatusProcessing
	StatusDone       = schema.StatusDone
	StatusFailed     = schema.StatusFailed
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminal wraps ErrInvalidTransition.
	ErrTerminal = fmt.Errorf("%w: job is in a terminal state", ErrInvalidTransition)
	// ErrClaimed wraps ErrInvalidTransition. Another worker holds an unexpired lease.
	ErrClaimed = fmt.Errorf("%w: job is claimed by another worker", ErrInvalidTransition)
)

// Record is the status/result entry tracked per submitted image.
// Empty URL and reason fields mean "not set".
type Record struct {
	ID            string
	SourceKey     string
	OriginalURL   string
	ContentType   string
	Status        Status
	ProcessedURL  string
	ThumbnailURL  string
	FailureReason string
	// LeaseOwner and LeaseUntil identify the worker holding a processing job.
	// A zero LeaseUntil means the job may be claimed by anyone.
	LeaseOwner string
	LeaseUntil time.Time
	// Claims counts successful moves into processing.
	Claims    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Patch describes one transition and the fields that transition sets.
type Patch struct {
	Status        Status
	ProcessedURL  string
	ThumbnailURL  string
	FailureReason string
	LeaseOwner    string
	LeaseUntil    time.Time
	release       bool
}

// Processing claims a pending job without a lease.
func Processing() Patch { return Patch{Status: StatusProcessing} }

// Claim moves a job into processing on behalf of owner until the given time.
// It may also take over a processing job whose lease has run out.
func Claim(owner string, until time.Time) Patch {
	return Patch{Status: StatusProcessing, LeaseOwner: owner, LeaseUntil: until}
}

// Release gives up owner's lease on a processing job so that a later
// delivery can claim it straight away.
func Release(owner string) Patch {
	return Patch{Status: StatusProcessing, LeaseOwner: owner, release: true}
}

func Done(processedURL, thumbnailURL string) Patch {
	return Patch{Status: StatusDone, ProcessedURL: processedURL, ThumbnailURL: thumbnailURL}
}

func Failed(err error) Patch {
	p := Patch{Status: StatusFailed}
	if err != nil {
		p.FailureReason = err.Error()
	}
	return p
}

// IsTerminal reports whether no further mutation is permitted.
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusFailed
}

// allowedFrom lists, for each target status, the states it may be entered from.
var allowedFrom = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusDone:       {StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
}

// CanTransition enforces the job state machine edges.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// validate checks the patch in isolation and normalizes it.
func (p Patch) validate() (Patch, error) {
	if p.Status != StatusProcessing && (p.LeaseOwner != "" || !p.LeaseUntil.IsZero()) {
		return p, fmt.Errorf("%w: only processing carries a lease", ErrInvalidTransition)
	}
	switch p.Status {
	case StatusProcessing:
		if p.ProcessedURL != "" || p.ThumbnailURL != "" || p.FailureReason != "" {
			return p, fmt.Errorf("%w: processing carries no result fields", ErrInvalidTransition)
		}
		if p.LeaseOwner == "" && (p.release || !p.LeaseUntil.IsZero()) {
			return p, fmt.Errorf("%w: lease requires an owner", ErrInvalidTransition)
		}
	case StatusDone:
		if p.ProcessedURL == "" || p.ThumbnailURL == "" {
			return p, fmt.Errorf("%w: done requires both processed and thumbnail urls", ErrInvalidTransition)
		}
		if p.FailureReason != "" {
			return p, fmt.Errorf("%w: done carries no failure reason", ErrInvalidTransition)
		}
	case StatusFailed:
		if p.ProcessedURL != "" || p.ThumbnailURL != "" {
			return p, fmt.Errorf("%w: failed carries no result urls", ErrInvalidTransition)
		}
		if p.FailureReason == "" {
			p.FailureReason = "unknown failure"
		}
	default:
		return p, fmt.Errorf("%w: unsupported target status %q", ErrInvalidTransition, p.Status)
	}
	return p, nil
}

// apply merges p into rec after checking the transition from rec's current status.
func apply(rec *Record, p Patch, now time.Time) error {
	p, err := p.validate()
	if err != nil {
		return err
	}
	if IsTerminal(rec.Status) {
		return fmt.Errorf("%w (%s)", ErrTerminal, rec.Status)
	}
	if p.release {
		if rec.Status != StatusProcessing {
			return fmt.Errorf("%w: release from %s", ErrInvalidTransition, rec.Status)
		}
		if rec.LeaseOwner != p.LeaseOwner {
			return fmt.Errorf("%w: lease held by %q", ErrClaimed, rec.LeaseOwner)
		}
		rec.LeaseOwner, rec.LeaseUntil = "", time.Time{}
		rec.UpdatedAt = now
		return nil
	}
	if rec.Status == StatusProcessing && p.Status == StatusProcessing && !p.LeaseUntil.IsZero() {
		if rec.LeaseUntil.After(now) {
			return fmt.Errorf("%w until %s", ErrClaimed, rec.LeaseUntil.Format(time.RFC3339))
		}
	} else if !CanTransition(rec.Status, p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, p.Status)
	}
	if p.Status == StatusProcessing {
		rec.Claims++
	}
	rec.Status = p.Status
	rec.ProcessedURL = p.ProcessedURL
	rec.ThumbnailURL = p.ThumbnailURL
	rec.FailureReason = p.FailureReason
	rec.LeaseOwner = p.LeaseOwner
	rec.LeaseUntil = p.LeaseUntil
	rec.UpdatedAt = now
	return nil
}

// announces reports whether a successful update with p changed the status
// as seen from outside. Releases and repeated claims do not.
func (p Patch) announces(rec Record) bool {
	if p.release {
		return false
	}
	return p.Status != StatusProcessing || rec.Claims <= 1
}

// Event converts a record into its published lifecycle form.
func (r Record) Event() schema.LifecycleEvent {
	return schema.LifecycleEvent{
		JobID:        r.ID,
		Status:       r.Status,
		OriginalURL:  r.OriginalURL,
		ProcessedURL: r.ProcessedURL,
		ThumbnailURL: r.ThumbnailURL,
		Error:        r.FailureReason,
		HappenedAt:   r.UpdatedAt.Unix(),
	}
}

// View renders the full record for the result entrypoint.
func (r Record) View() schema.ResultView {
	return schema.ResultView{
		ID:            r.ID,
		Status:        r.Status,
		OriginalURL:   r.OriginalURL,
		ProcessedURL:  optional(r.ProcessedURL),
		ThumbnailURL:  optional(r.ThumbnailURL),
		FailureReason: optional(r.FailureReason),
		CreatedAt:     r.CreatedAt.Unix(),
		UpdatedAt:     r.UpdatedAt.Unix(),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
