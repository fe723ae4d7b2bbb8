// Package store is the gateway's small object store. It holds the model map,
// credentials, audit blobs and request attachments under slash-separated
// keys.
//
// Two backends are available:
//   - RedisBlob  shared across replicas.
//   - MemoryBlob in-process, for single-instance runs and tests.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("store: not found")
	// ErrExists is returned by PutOnce when the key is already written.
	ErrExists = errors.New("store: already exists")
)

// Blob is a key/value object store.
type Blob interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutOnce writes value only if key is absent.
	PutOnce(ctx context.Context, key string, value []byte) error
}
