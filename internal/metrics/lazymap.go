package metrics

import "sync"

// lazyMap creates entries on first use. The map lock only guards membership;
// each entry carries its own lock.
type lazyMap[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*V
}

func newLazyMap[K comparable, V any]() *lazyMap[K, V] {
	return &lazyMap[K, V]{entries: make(map[K]*V)}
}

func (m *lazyMap[K, V]) get(key K, create func() *V) *V {
	m.mu.RLock()
	v, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if v, ok := m.entries[key]; ok {
		return v
	}

	v = create()
	m.entries[key] = v
	return v
}

func (m *lazyMap[K, V]) lookup(key K) (*V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *lazyMap[K, V]) each(fn func(K, *V)) {
	m.mu.RLock()
	keys := make([]K, 0, len(m.entries))
	values := make([]*V, 0, len(m.entries))
	for k, v := range m.entries {
		keys = append(keys, k)
		values = append(values, v)
	}
	m.mu.RUnlock()

	for i := range keys {
		fn(keys[i], values[i])
	}
}

func (m *lazyMap[K, V]) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[K]*V)
}
