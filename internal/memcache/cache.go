// Package memcache holds decoded bitmaps keyed by their full cache key.
//
// The cache is bounded by entry count, by total bitmap bytes, or both, and
// evicts least-recently-used entries first. Get refreshes recency.
package memcache

import (
	"context"
	"image"
	"math"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ironsheep/image-loader/internal/imaging"
	"github.com/ironsheep/image-loader/internal/observe"
)

// Config bounds the cache. A zero field disables that bound; at least one
// bound should be set for a long-running process.
type Config struct {
	MaxEntries int
	MaxBytes   int64
}

type entry struct {
	img  image.Image
	size int64
}

// Cache is safe for concurrent use.
type Cache struct {
	// mu serializes mutations so the byte total and the LRU agree.
	mu       sync.Mutex
	lru      *lru.Cache[string, entry]
	size     atomic.Int64
	maxBytes int64
	metrics  *observe.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics records hits and misses.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates an empty cache.
func New(cfg Config, opts ...Option) (*Cache, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = math.MaxInt32
	}

	c := &Cache{maxBytes: cfg.MaxBytes}
	l, err := lru.NewWithEvict[string, entry](maxEntries, func(_ string, e entry) {
		c.size.Add(-e.size)
	})
	if err != nil {
		return nil, err
	}
	c.lru = l

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the bitmap stored under key and marks it most recently used.
func (c *Cache) Get(ctx context.Context, key string) (image.Image, bool) {
	e, ok := c.lru.Get(key)
	c.metrics.MemoryCacheLookup(ctx, ok)
	if !ok {
		return nil, false
	}
	return e.img, true
}

// Contains reports whether key is cached without touching recency.
func (c *Cache) Contains(key string) bool {
	return c.lru.Contains(key)
}

// Set stores img under key, replacing any previous bitmap, and evicts the
// least recently used entries until both bounds hold. A bitmap larger than
// the whole byte budget is not stored and Set returns false.
func (c *Cache) Set(key string, img image.Image) bool {
	size := imaging.ByteSize(img)
	if c.maxBytes > 0 && size > c.maxBytes {
		c.Remove(key)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
	c.lru.Add(key, entry{img: img, size: size})
	c.size.Add(size)

	for c.maxBytes > 0 && c.size.Load() > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	return true
}

// Remove deletes key if present.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Len returns the number of cached bitmaps.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Size returns the total bytes held by cached bitmaps.
func (c *Cache) Size() int64 {
	return c.size.Load()
}

// Keys returns the cached keys from oldest to newest.
func (c *Cache) Keys() []string {
	return c.lru.Keys()
}
