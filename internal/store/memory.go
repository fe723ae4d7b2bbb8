package store

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryBlob is an in-process Blob. It is safe for concurrent use.
type MemoryBlob struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{items: make(map[string][]byte)}
}

func (m *MemoryBlob) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *MemoryBlob) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.items[key] = slices.Clone(value)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBlob) PutOnce(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; ok {
		return ErrExists
	}
	m.items[key] = slices.Clone(value)
	return nil
}

// Keys lists stored keys with the given prefix, sorted.
func (m *MemoryBlob) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
