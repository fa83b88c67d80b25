package proc

import "sync"

// SideTable attaches one kind of metadata to entities identified by K.
// Backends use it to keep per-process and per-thread OS details next to
// the portable model without extending it.
type SideTable[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewSideTable returns an empty table.
func NewSideTable[K comparable, V any]() *SideTable[K, V] {
	return &SideTable[K, V]{items: make(map[K]V)}
}

// Get returns the value stored for key.
func (st *SideTable[K, V]) Get(key K) (V, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.items[key]
	return v, ok
}

// Set stores v for key, replacing any previous value.
func (st *SideTable[K, V]) Set(key K, v V) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.items[key] = v
}

// Delete removes the value stored for key.
func (st *SideTable[K, V]) Delete(key K) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.items, key)
}

// DeleteFunc removes every entry for which del returns true.
func (st *SideTable[K, V]) DeleteFunc(del func(K, V) bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for k, v := range st.items {
		if del(k, v) {
			delete(st.items, k)
		}
	}
}

// Range calls f for every entry until f returns false. The table must not
// be modified by f.
func (st *SideTable[K, V]) Range(f func(K, V) bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for k, v := range st.items {
		if !f(k, v) {
			return
		}
	}
}

// Len returns the number of entries.
func (st *SideTable[K, V]) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.items)
}
