// Package cache provides a small read-through cache with a short TTL,
// used for per-process tenant and start-message config on the webhook
// hot path.
package cache

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a generic key/value cache. Misses call the loader outside the
// lock, so concurrent misses on the same key may each load; the loaders
// here are cheap single-row reads, so duplicate loads are acceptable.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	ttl     time.Duration
	loader  func(ctx context.Context, key string) (V, error)
}

func NewTTL[V any](ttl time.Duration, loader func(ctx context.Context, key string) (V, error)) *TTL[V] {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &TTL[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		loader:  loader,
	}
}

func (c *TTL[V]) Get(ctx context.Context, key string) (V, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.value, nil
	}

	v, err := c.loader(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = entry[V]{value: v, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}

// Invalidate drops the cached entry so the next Get reloads.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep removes expired entries. Called periodically so long-idle keys
// do not pin memory.
func (c *TTL[V]) Sweep() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
