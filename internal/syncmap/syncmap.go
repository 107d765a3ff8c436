// Package syncmap provides a small generic, mutex-guarded map used for
// registries that outlive any single connection (e.g. the last-known
// bitfield reported by each peer id).
package syncmap

import "sync"

// Map is a concurrency-safe map[K]V.
type Map[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{data: make(map[K]V)}
}

// Put sets key to val.
func (m *Map[K, V]) Put(key K, val V) {
	m.mu.Lock()
	m.data[key] = val
	m.mu.Unlock()
}

// Get returns the value stored for key, if any.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	val, ok := m.data[key]
	m.mu.RUnlock()
	return val, ok
}

// Delete removes keys, if present.
func (m *Map[K, V]) Delete(keys ...K) {
	m.mu.Lock()
	for _, key := range keys {
		delete(m.data, key)
	}
	m.mu.Unlock()
}

// Len returns the number of entries currently stored.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Range calls f for every entry, stopping early if f returns false. f must
// not call back into the same Map.
func (m *Map[K, V]) Range(f func(key K, val V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for k, v := range m.data {
		if !f(k, v) {
			return
		}
	}
}

// All reports whether every entry satisfies pred.
func (m *Map[K, V]) All(pred func(val V) bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.data {
		if !pred(v) {
			return false
		}
	}
	return true
}
