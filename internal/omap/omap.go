// Package omap provides a small insertion-ordered map, the "equivalent
// structure" spec.md §1 allows in place of the original's intrusive
// ordered map. Peer/Node/Handle tables are single-threaded per spec.md
// §5, so unlike the teacher's util.Map this type takes no locks — callers
// that share a Peer across goroutines must synchronize externally.
package omap

// Map is an order-preserving mapping from comparable keys to values,
// grounded on the teacher's generic util.Map but stripped of its
// in-process locking (not needed: a Peer's tables are single-threaded).
type Map[K comparable, V any] struct {
	vals  map[K]V
	order []K
}

// New allocates an empty ordered map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{vals: make(map[K]V)}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	return len(m.vals)
}

// Get looks up a value by key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Has reports whether the key is present.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.vals[key]
	return ok
}

// Put inserts or overwrites a key/value pair, appending to the
// insertion order only the first time the key is seen.
func (m *Map[K, V]) Put(key K, val V) {
	if _, ok := m.vals[key]; !ok {
		m.order = append(m.order, key)
	}
	m.vals[key] = val
}

// Delete removes a key, if present.
func (m *Map[K, V]) Delete(key K) {
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The slice is owned by the
// caller and safe to mutate.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, len(m.order))
	copy(out, m.order)
	return out
}

// Range calls f for every entry in insertion order, stopping early if f
// returns false.
func (m *Map[K, V]) Range(f func(key K, val V) bool) {
	for _, k := range m.order {
		v, ok := m.vals[k]
		if !ok {
			continue
		}
		if !f(k, v) {
			return
		}
	}
}

// Values returns the values in insertion order.
func (m *Map[K, V]) Values() []V {
	out := make([]V, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.vals[k])
	}
	return out
}
