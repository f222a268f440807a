package blob

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps blobs in process memory. Setting PutErr or GetErr makes
// the corresponding call fail with that error.
type MemoryStore struct {
	BaseURL string
	Prefix  string

	mu      sync.RWMutex
	objects map[string]memObject
	PutErr  error
	GetErr  error
}

type memObject struct {
	data        []byte
	contentType string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{BaseURL: baseURL, objects: make(map[string]memObject)}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return Object{}, m.PutErr
	}
	key := NewKey(m.Prefix, contentType)
	m.objects[key] = memObject{data: append([]byte(nil), data...), contentType: contentType}
	return Object{Key: key, URL: PublicURL(m.BaseURL, key)}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

// Fail sets the errors returned by subsequent Put and Get calls.
func (m *MemoryStore) Fail(putErr, getErr error) {
	m.mu.Lock()
	m.PutErr, m.GetErr = putErr, getErr
	m.mu.Unlock()
}

// ContentType reports the content type a key was stored with.
func (m *MemoryStore) ContentType(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.contentType, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
