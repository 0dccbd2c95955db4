package sync

import "sync"

// TypedSyncMap is a thin generic wrapper around sync.Map.
type TypedSyncMap[K comparable, V any] struct {
	m sync.Map
}

func (m *TypedSyncMap[K, V]) Delete(key K) { m.m.Delete(key) }

func (m *TypedSyncMap[K, V]) Load(key K) (V, bool) {
	v, ok := m.m.Load(key)
	if !ok {
		return *new(V), false
	}

	vv, ok := v.(V)
	return vv, ok
}

func (m *TypedSyncMap[K, V]) Store(key K, value V) { m.m.Store(key, value) }

// Range calls fn for each key/value pair in the map, stopping
// early if fn returns false.
func (m *TypedSyncMap[K, V]) Range(fn func(K, V) bool) {
	m.m.Range(func(k, v any) bool {
		return fn(k.(K), v.(V))
	})
}

// Memo lazily computes and caches a value per key. Concurrent callers asking
// for the same key block on a single computation. Errors are cached too, so
// a failing key is never recomputed during the lifetime of the memo.
type Memo[K comparable, V any] struct {
	entries TypedSyncMap[K, *memoEntry[V]]
}

type memoEntry[V any] struct {
	once  sync.Once
	value V
	err   error
}

func (m *Memo[K, V]) Get(key K, compute func(K) (V, error)) (V, error) {
	fresh := &memoEntry[V]{}
	actual, _ := m.entries.m.LoadOrStore(key, fresh)
	entry := actual.(*memoEntry[V])

	entry.once.Do(func() {
		entry.value, entry.err = compute(key)
	})

	return entry.value, entry.err
}

// Peek returns the cached value for the key, if it has been computed
// successfully.
func (m *Memo[K, V]) Peek(key K) (V, bool) {
	entry, ok := m.entries.Load(key)
	if !ok || entry.err != nil {
		return *new(V), false
	}

	return entry.value, true
}
