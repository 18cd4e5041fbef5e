// Package cache is a bounded, expiring read-through cache. It is advisory:
// a miss always falls through to the loader and errors are never cached.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// TTL caches values by key for a fixed time, evicting least recently used entries past size.
type TTL[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
	// epoch advances on every Put and Remove; a load that started in an
	// older epoch returns its value but does not store it.
	epoch atomic.Uint64
}

// New creates a cache holding at most size entries, each for at most ttl.
func New[V any](size int, ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		lru: expirable.NewLRU[string, V](size, nil, ttl),
	}
}

// Get returns the cached value for key or loads it. Concurrent misses on the
// same key share one load.
func (c *TTL[V]) Get(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(key, func() (any, error) {
		started := c.epoch.Load()
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		if c.epoch.Load() == started {
			c.lru.Add(key, v)
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Put stores a value, replacing any cached one.
func (c *TTL[V]) Put(key string, v V) {
	c.epoch.Add(1)
	c.group.Forget(key)
	c.lru.Add(key, v)
}

// Remove drops key from the cache. Loads already in flight for key are not
// shared with later callers and do not repopulate the cache.
func (c *TTL[V]) Remove(key string) {
	c.epoch.Add(1)
	c.group.Forget(key)
	c.lru.Remove(key)
}

// Len returns the number of cached entries.
func (c *TTL[V]) Len() int {
	return c.lru.Len()
}
