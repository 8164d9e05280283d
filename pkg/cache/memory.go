package cache

import (
	"context"
	"sync"
)

// MemoryPresenceCache keeps entries in process memory only; they do not
// survive a restart. It is the default store and the one used in tests.
type MemoryPresenceCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
}

// NewMemoryPresenceCache returns an empty store.
func NewMemoryPresenceCache[V any]() *MemoryPresenceCache[V] {
	return &MemoryPresenceCache[V]{entries: make(map[string]V)}
}

func (m *MemoryPresenceCache[V]) Set(_ context.Context, deviceID string, value V) error {
	m.mu.Lock()
	m.entries[deviceID] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryPresenceCache[V]) Fetch(_ context.Context, deviceID string) (V, error) {
	m.mu.RLock()
	value, ok := m.entries[deviceID]
	m.mu.RUnlock()
	if !ok {
		return value, notFound(deviceID)
	}
	return value, nil
}

func (m *MemoryPresenceCache[V]) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	delete(m.entries, deviceID)
	m.mu.Unlock()
	return nil
}

// Scan visits a copy of the entries, so fn may call back into the store.
func (m *MemoryPresenceCache[V]) Scan(ctx context.Context, fn func(deviceID string, value V) error) error {
	m.mu.RLock()
	copied := make(map[string]V, len(m.entries))
	for id, v := range m.entries {
		copied[id] = v
	}
	m.mu.RUnlock()

	for id, v := range copied {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id, v); err != nil {
			return err
		}
	}
	return nil
}

// Len reports how many devices have an entry.
func (m *MemoryPresenceCache[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryPresenceCache[V]) Close() error { return nil }
