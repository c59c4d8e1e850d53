package artifact

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"weather_forecaster/internal/predictor"
)

// Key identifies an artifact.
type Key struct {
	City  string
	Model string
}

type cached struct {
	predictor predictor.Predictor
	meta      predictor.Meta
	modTime   time.Time
	size      int64
}

// fresh reports whether the entry still matches the file on disk.
func (c cached) fresh(modTime time.Time, size int64) bool {
	return c.modTime.Equal(modTime) && c.size == size
}

// Cache is a size-bounded LRU of decoded predictors.
type Cache struct {
	lru    *lru.Cache[Key, cached]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats holds cache counters for observability.
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// NewCache creates a cache holding at most size predictors.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New[Key, cached](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

func (c *Cache) get(k Key, modTime time.Time, size int64) (cached, bool) {
	entry, ok := c.lru.Get(k)
	if !ok || !entry.fresh(modTime, size) {
		c.misses.Add(1)
		return cached{}, false
	}
	c.hits.Add(1)
	return entry, true
}

func (c *Cache) add(k Key, entry cached) {
	c.lru.Add(k, entry)
}

func (c *Cache) remove(k Key) {
	c.lru.Remove(k)
}

// Len returns the number of cached predictors.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns current cache statistics.
func (c *Cache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	rate := 0.0
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{Hits: hits, Misses: misses, Size: c.lru.Len(), HitRate: rate}
}
