// Package cache provides the process wide caches used by the gateway and a
// loader that computes each missing entry at most once at a time.
package cache

import (
	"sync"

	"github.com/Yiling-J/theine-go"
)

// Cache defines an interface for a generic cache keyed by string.
type Cache[V any] interface {

	// Get returns the value for the given key in the cache, if it exists.
	Get(key string) (V, bool)

	// Set sets a value for the key in the cache, with the given cost.
	Set(key string, entry V, cost int64) bool

	// Close closes the cache, cleaning up any residual resources before returning.
	Close()
}

// InMemoryCache keeps every entry for the lifetime of the process.
type InMemoryCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
}

var _ Cache[any] = (*InMemoryCache[any])(nil)

func NewInMemoryCache[V any]() *InMemoryCache[V] {
	return &InMemoryCache[V]{entries: map[string]V{}}
}

func (c *InMemoryCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *InMemoryCache[V]) Set(key string, entry V, _ int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	return true
}

func (c *InMemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *InMemoryCache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]V{}
}

// BoundedCache evicts entries once the total cost exceeds its capacity.
type BoundedCache[V any] struct {
	cache *theine.Cache[string, V]
}

var _ Cache[any] = (*BoundedCache[any])(nil)

func NewBoundedCache[V any](maxCost int64) (*BoundedCache[V], error) {
	c, err := theine.NewBuilder[string, V](maxCost).Build()
	if err != nil {
		return nil, err
	}
	return &BoundedCache[V]{cache: c}, nil
}

func (c *BoundedCache[V]) Get(key string) (V, bool) {
	return c.cache.Get(key)
}

func (c *BoundedCache[V]) Set(key string, entry V, cost int64) bool {
	return c.cache.Set(key, entry, cost)
}

func (c *BoundedCache[V]) Close() {
	c.cache.Close()
}

// New returns an unbounded cache when maxCost is zero and a bounded one
// otherwise.
func New[V any](maxCost int64) (Cache[V], error) {
	if maxCost <= 0 {
		return NewInMemoryCache[V](), nil
	}
	return NewBoundedCache[V](maxCost)
}
