package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and the memory
// backend. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Exists reports whether the named object is present.
func (ms *MemoryStore) Exists(_ context.Context, name string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, ok := ms.objects[name]
	return ok, nil
}

// Get returns a copy of the named object.
func (ms *MemoryStore) Get(_ context.Context, name string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	data, ok := ms.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put stores a copy of data under name.
func (ms *MemoryStore) Put(_ context.Context, name string, data []byte, opts PutOptions) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.objects[name]; ok && !opts.Upsert {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	ms.objects[name] = stored
	return nil
}

// Len returns the number of stored objects.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.objects)
}
