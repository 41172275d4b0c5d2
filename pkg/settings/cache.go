package settings

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is a local in-memory caching layer over a settings Backend.
// Entries expire after a TTL; a worker that reads a flag like the A/B test
// toggle on every job therefore sees updates within one TTL.
type Cache struct {
	Backend Backend
	Cache   *lru.Cache
	TTL     time.Duration
}

type cacheEntry struct {
	doc         json.RawMessage
	lastUpdated time.Time
}

// NewCache creates a caching layer that keeps the number of entries specified.
func NewCache(backend Backend, cacheSize int, ttl time.Duration) (*Cache, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Cache{
		Backend: backend,
		Cache:   cache,
		TTL:     ttl,
	}, nil
}

// Load consults the in-memory cache for a settings document.
// If the cache is missed, it falls back to LoadSlow.
func (c *Cache) Load(ctx context.Context, name string) (json.RawMessage, error) {
	entryI, ok := c.Cache.Get(name)
	if ok {
		// Fast path: Read from cache.
		entry := entryI.(*cacheEntry)
		now := time.Now()
		// Check if cache entry has expired.
		if now.Sub(entry.lastUpdated) > c.TTL {
			c.Cache.Remove(name)
			c.GC() // Also prune other expired entries while we're at it.
			return c.LoadSlow(ctx, name)
		}
		return entry.doc, nil
	}
	// Slow path: Read from backend.
	return c.LoadSlow(ctx, name)
}

// LoadSlow reads from the underlying backend, writes to the cache and returns.
func (c *Cache) LoadSlow(ctx context.Context, name string) (json.RawMessage, error) {
	doc, err := c.Backend.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	c.Cache.Add(name, &cacheEntry{
		doc:         doc,
		lastUpdated: time.Now(),
	})
	return doc, nil
}

// GC removes all expired entries.
func (c *Cache) GC() {
	now := time.Now()
	for {
		name, entryI, ok := c.Cache.GetOldest()
		if !ok {
			break
		}
		entry := entryI.(*cacheEntry)
		if now.Sub(entry.lastUpdated) <= c.TTL {
			break
		}
		c.Cache.Remove(name)
	}
}

// Assert Cache implements Backend.
var _ Backend = (*Cache)(nil)

// Bool reads a boolean flag setting. Missing settings return the fallback.
func Bool(ctx context.Context, b Backend, name string, fallback bool) (bool, error) {
	doc, err := b.Load(ctx, name)
	if err == ErrNotFound {
		return fallback, nil
	} else if err != nil {
		return fallback, err
	}
	var v bool
	if err := json.Unmarshal(doc, &v); err != nil {
		return fallback, err
	}
	return v, nil
}
