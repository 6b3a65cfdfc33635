// Package safemap provides a type-safe, concurrent map that remembers the
// order in which keys were first stored. Iteration walks a snapshot in that
// order, so callers may store or delete entries from inside Range without
// revisiting or skipping unrelated entries.
package safemap

import (
	"container/list"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// SafeMap is an insertion-ordered map that is safe for use by multiple
// goroutines. Keys must be comparable; values may be any type.
//
// Store, Load and Delete are O(1). Range and Values copy the entries under a
// read lock and are O(n) in the number of entries.
type SafeMap[K comparable, V any] struct {
	mu    sync.RWMutex
	order *list.List
	index map[K]*list.Element
}

// NewSafeMap returns a new, empty SafeMap ready for use.
//
// Returns:
//   - A pointer to a new SafeMap[K, V]
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{
		order: list.New(),
		index: make(map[K]*list.Element),
	}
}

// Store sets the value for key k. A new key is appended to the iteration
// order; overwriting an existing key keeps its position.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(k, v)
}

// TryStore stores v under k only if k is already present or the map holds
// fewer than limit entries. The length check and the insert happen under the
// same lock, so concurrent callers can never push the map past limit.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
//   - limit: The maximum number of entries allowed after the insert
//
// Returns:
//   - true if the value was stored, false if the map was full
func (m *SafeMap[K, V]) TryStore(k K, v V, limit int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.index[k]; !found && len(m.index) >= limit {
		return false
	}

	m.storeLocked(k, v)
	return true
}

func (m *SafeMap[K, V]) storeLocked(k K, v V) {
	if el, found := m.index[k]; found {
		el.Value.(*entry[K, V]).value = v
		return
	}

	m.index[k] = m.order.PushBack(&entry[K, V]{key: k, value: v})
}

// Load returns the value for key k and whether it was present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	el, found := m.index[k]
	if !found {
		var empty V
		return empty, false
	}

	return el.Value.(*entry[K, V]).value, true
}

// LoadAndDelete removes the entry for key k and returns its previous value.
//
// Parameters:
//   - k: The key to remove
//
// Returns:
//   - The removed value, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, found := m.index[k]
	if !found {
		var empty V
		return empty, false
	}

	delete(m.index, k)
	m.order.Remove(el)
	return el.Value.(*entry[K, V]).value, true
}

// Delete removes the entry for key k. It is a no-op for a missing key.
func (m *SafeMap[K, V]) Delete(k K) {
	m.LoadAndDelete(k)
}

// Has reports whether key k is present in the map.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.Load(k)
	return found
}

// Len returns the number of entries in the map.
func (m *SafeMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}

// Range calls f for each entry in insertion order until f returns false.
// It iterates a snapshot taken before the first call to f, so f may modify
// the map. Entries deleted during iteration are still visited if they were
// part of the snapshot; entries stored during iteration are not.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	for _, e := range m.snapshot() {
		if !f(e.key, e.value) {
			return
		}
	}
}

// Values returns the values in insertion order.
//
// Returns:
//   - A new slice holding every value currently in the map
func (m *SafeMap[K, V]) Values() []V {
	snap := m.snapshot()
	values := make([]V, len(snap))
	for i, e := range snap {
		values[i] = e.value
	}

	return values
}

func (m *SafeMap[K, V]) snapshot() []entry[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make([]entry[K, V], 0, len(m.index))
	for el := m.order.Front(); el != nil; el = el.Next() {
		snap = append(snap, *el.Value.(*entry[K, V]))
	}

	return snap
}
