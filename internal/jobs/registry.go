package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the single source of truth for job status and results.
// Update is the only mutation path and is atomic with respect to Get.
type Registry interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Update(ctx context.Context, id string, patch Patch) (Record, error)
	// List returns records in the given status, oldest first.
	List(ctx context.Context, status Status, limit int) ([]Record, error)
}

// checkNew validates a record about to be created and fills timestamps.
func checkNew(rec *Record, now time.Time) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.Status != StatusPending {
		return fmt.Errorf("%w: records are created pending, got %s", ErrInvalidTransition, rec.Status)
	}
	if rec.ProcessedURL != "" || rec.ThumbnailURL != "" || rec.FailureReason != "" {
		return fmt.Errorf("%w: new record carries result fields", ErrInvalidTransition)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	return nil
}

// MemoryRegistry keeps records in process memory.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRegistry) Create(_ context.Context, rec Record) error {
	if err := checkNew(&rec, m.now()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *MemoryRegistry) Update(_ context.Context, id string, patch Patch) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// rec is a copy; the map only sees it once apply has succeeded.
	if err := apply(&rec, patch, m.now()); err != nil {
		return Record{}, err
	}
	m.records[id] = rec
	return rec, nil
}

func (m *MemoryRegistry) List(_ context.Context, status Status, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range m.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
