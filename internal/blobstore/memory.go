package blobstore

import (
	"context"
	"sync"
)

// MemoryObjects is an in-process ObjectStore for local runs and tests.
type MemoryObjects struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryObjects returns an empty store.
func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

// PutObject stores a copy of data under key.
func (m *MemoryObjects) PutObject(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// GetObject returns a copy of the object under key.
func (m *MemoryObjects) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// RemoveObject deletes key.
func (m *MemoryObjects) RemoveObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryObjects) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
