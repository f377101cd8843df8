// Package cache wraps patrickmn/go-cache with a typed interface so callers
// get compile-time value types instead of interface{} assertions.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/marcushq/marcus/internal/log"
)

// TTL is a string-keyed cache holding values of type V with per-entry
// expiration. Safe for concurrent use.
type TTL[V any] struct {
	inner      *gocache.Cache
	defaultTTL time.Duration
}

// NewTTL creates a cache with the given default expiration. Entries are
// swept at twice the default TTL.
func NewTTL[V any](defaultTTL time.Duration) *TTL[V] {
	cleanup := 2 * defaultTTL
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &TTL[V]{
		inner:      gocache.New(defaultTTL, cleanup),
		defaultTTL: defaultTTL,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := c.inner.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		// A mismatched type means two callers shared a key; drop the entry.
		log.Warn(log.CatCache, "cache type mismatch, evicting", "key", key)
		c.inner.Delete(key)
		return zero, false
	}
	return v, true
}

// Set stores value under key with the default TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.inner.Set(key, value, gocache.DefaultExpiration)
}

// SetFor stores value under key with an explicit TTL.
func (c *TTL[V]) SetFor(key string, value V, ttl time.Duration) {
	c.inner.Set(key, value, ttl)
}

// Delete removes key if present.
func (c *TTL[V]) Delete(key string) {
	c.inner.Delete(key)
}

// Len returns the number of entries, including not-yet-swept expired ones.
func (c *TTL[V]) Len() int {
	return c.inner.ItemCount()
}
