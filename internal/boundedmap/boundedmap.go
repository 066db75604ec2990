// Package boundedmap is the access-ordered, fixed-capacity map backing a
// Cache's entries. It wraps hashicorp/golang-lru/v2's simplelru.LRU rather
// than an admission-controlled cache like ristretto: an admission-
// controlled cache applies writes asynchronously through a ring buffer
// and is probabilistic about what it keeps, so it cannot guarantee
// "size() <= max_entries at every observable moment". simplelru.LRU is
// synchronous and exact, and is deliberately *not* internally locked: the
// owning Cache already needs one mutex across entries and the last-seen
// nonce together, so a second lock here would just be redundant
// contention.
package boundedmap

import (
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// Map is a non-thread-safe, fixed-capacity, access-ordered map. Callers
// must serialize their own access (Cache does, via its own mutex).
type Map[K comparable, V any] struct {
	inner *lru.LRU[K, V]
}

// New builds a Map with room for capacity entries. capacity must be
// positive. onEvict, if non-nil, is called for every entry removed by
// Add (capacity overflow), Remove, and Purge.
func New[K comparable, V any](capacity int, onEvict func(key K, value V)) *Map[K, V] {
	inner, err := lru.NewLRU[K, V](capacity, onEvict)
	if err != nil {
		// Only returns an error for a non-positive size, which is a
		// construction-time programming error.
		panic(err)
	}
	return &Map[K, V]{inner: inner}
}

// Get returns the value for key and marks it most-recently-used.
func (m *Map[K, V]) Get(key K) (V, bool) {
	return m.inner.Get(key)
}

// Add inserts or overwrites key, evicting the least-recently-used entry if
// the map is over capacity as a result.
func (m *Map[K, V]) Add(key K, value V) {
	m.inner.Add(key, value)
}

// Remove deletes key if present.
func (m *Map[K, V]) Remove(key K) {
	m.inner.Remove(key)
}

// Purge drops every entry, resetting size to zero but not capacity.
func (m *Map[K, V]) Purge() {
	m.inner.Purge()
}

// Len returns the current number of entries.
func (m *Map[K, V]) Len() int {
	return m.inner.Len()
}
