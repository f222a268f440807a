// internal/blob/blob.go
package blob

import (
	"context"
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	// ErrNotFound means the key does not exist. It is permanent.
	ErrNotFound = errors.New("blob not found")
	// ErrUnavailable means the store could not be reached or refused the call.
	ErrUnavailable = errors.New("blob store unavailable")
)

// DefaultKeyPrefix is used when no prefix is configured.
const DefaultKeyPrefix = "uploads"

// Object identifies a stored blob.
type Object struct {
	Key string
	URL string
}

// Store is a content-addressed put/get store whose objects are reachable at a
// public URL.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// NewKey returns "<prefix>/<uuid><ext>" where ext is derived from contentType.
func NewKey(prefix, contentType string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + "/" + uuid.NewString() + extension(contentType)
}

// PublicURL joins base and key with exactly one slash.
func PublicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

func extension(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	m := mimetype.Lookup(strings.ToLower(strings.TrimSpace(mt)))
	if m == nil {
		return ""
	}
	return m.Extension()
}
