package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrObjectNotFound indicates the key does not exist in the store.
	ErrObjectNotFound = errors.New("object not found")
	// ErrUnavailable wraps every other store failure after retries are exhausted.
	ErrUnavailable = errors.New("object store unavailable")
)

// Broker stores audio payloads by opaque key. Objects are private; callers stream
// them through the service and never receive a direct URL.
type Broker interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// NewKey returns a fresh object key under prefix with the given extension.
func NewKey(prefix, ext string) string {
	prefix = strings.Trim(prefix, "/")
	ext = strings.TrimPrefix(ext, ".")
	name := uuid.NewString()
	if ext != "" {
		name += "." + ext
	}
	if prefix == "" {
		return name
	}
	return fmt.Sprintf("%s/%s", prefix, name)
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, err)
}
