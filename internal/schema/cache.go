package schema

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a built Metadata stays fresh.
const DefaultTTL = 300 * time.Second

// BuildFunc introspects a backend and returns fresh metadata.
type BuildFunc func(ctx context.Context) (*Metadata, error)

// Cache is a TTL cache of Metadata keyed by an opaque string.
// Uses sync.Map for lock-free reads on the hot path; concurrent misses for
// the same key collapse onto a single build.
type Cache struct {
	entries sync.Map // map[string]*cacheEntry
	group   singleflight.Group
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	meta      *Metadata
	expiresAt time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache with the given TTL. A zero TTL uses DefaultTTL.
func NewCache(ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns fresh metadata for key. Expiry is checked lazily here.
func (c *Cache) Get(key string) (*Metadata, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.entries.CompareAndDelete(key, entry)
		return nil, false
	}
	return entry.meta, true
}

// GetOrBuild returns cached metadata or runs build at most once per key
// among concurrent callers. Build errors are not cached.
func (c *Cache) GetOrBuild(ctx context.Context, key string, build BuildFunc) (*Metadata, error) {
	if meta, ok := c.Get(key); ok {
		return meta, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A caller that lost the race may arrive after the winner stored.
		if meta, ok := c.Get(key); ok {
			return meta, nil
		}
		meta, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, meta)
		return meta, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metadata), nil
}

// Set stores metadata with a fresh TTL, replacing any previous entry whole.
func (c *Cache) Set(key string, meta *Metadata) {
	c.entries.Store(key, &cacheEntry{meta: meta, expiresAt: c.now().Add(c.ttl)})
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.entries.Delete(key)
}

// InvalidateAll drops every key.
func (c *Cache) InvalidateAll() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}
