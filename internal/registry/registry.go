// Package registry holds the generic keyed registry the daemon keeps its
// agents in.
package registry

import (
	"cmp"
	"maps"
	"slices"
	"sync"
)

// BaseRegistry is a map guarded by a RWMutex, with a running size total the
// owner maintains through UpdateSize.
type BaseRegistry[K cmp.Ordered, V any] struct {
	data      map[K]V
	totalSize int64
	mu        sync.RWMutex
}

func NewBaseRegistry[K cmp.Ordered, V any]() *BaseRegistry[K, V] {
	return &BaseRegistry[K, V]{
		data: make(map[K]V),
	}
}

// Add stores value under key and reports whether it replaced an entry.
func (r *BaseRegistry[K, V]) Add(key K, value V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.data[key]
	r.data[key] = value
	return replaced
}

func (r *BaseRegistry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, exists := r.data[key]
	return value, exists
}

// Remove deletes key and returns what was stored there.
func (r *BaseRegistry[K, V]) Remove(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, exists := r.data[key]
	delete(r.data, key)
	return value, exists
}

// GetAll returns all items (copy to prevent external modification)
func (r *BaseRegistry[K, V]) GetAll() map[K]V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[K]V, len(r.data))
	maps.Copy(result, r.data)
	return result
}

// Keys returns the keys in ascending order.
func (r *BaseRegistry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.data))
}

// Values returns the items ordered by key.
func (r *BaseRegistry[K, V]) Values() []V {
	keys := r.Keys()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		if v, ok := r.data[k]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (r *BaseRegistry[K, V]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *BaseRegistry[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = make(map[K]V)
	r.totalSize = 0
}

// UpdateSize adjusts the size total by delta.
func (r *BaseRegistry[K, V]) UpdateSize(delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalSize += delta
}

func (r *BaseRegistry[K, V]) GetSize() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalSize
}
