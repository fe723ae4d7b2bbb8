// Package secrets caches upstream credentials by name for the lifetime of the
// process.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
)

// ErrNotFound is returned when a source has no value, or an empty one, for
// the requested name.
var ErrNotFound = errors.New("secrets: not found")

// Source looks up one secret by name.
type Source interface {
	Lookup(ctx context.Context, name string) (string, error)
}

type entry struct {
	mu    sync.Mutex
	value string
	ok    bool
}

// Cache fetches each secret once and keeps it. Failed fetches are not cached,
// so the next request retries. Each name has its own lock: a slow fetch for
// one credential never stalls another.
type Cache struct {
	src     Source
	entries sync.Map // name -> *entry
}

func NewCache(src Source) *Cache {
	return &Cache{src: src}
}

// Get returns the secret called name.
func (c *Cache) Get(ctx context.Context, name string) (string, error) {
	v, _ := c.entries.LoadOrStore(name, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ok {
		return e.value, nil
	}

	val, err := c.src.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	e.value, e.ok = val, true
	return val, nil
}

// EnvSource reads secrets from process environment variables. Values in
// Overrides win over the environment; config loaders use it to pass values
// read from .env or config files.
type EnvSource struct {
	Overrides map[string]string
}

func (s EnvSource) Lookup(_ context.Context, name string) (string, error) {
	if v := s.Overrides[name]; v != "" {
		return v, nil
	}
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// BlobSource reads secrets from the object store under secrets/<name>.
type BlobSource struct {
	Blob store.Blob
}

func (s BlobSource) Lookup(ctx context.Context, name string) (string, error) {
	data, err := s.Blob.Get(ctx, "secrets/"+name)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: fetch %s: %w", name, err)
	}
	return string(data), nil
}
