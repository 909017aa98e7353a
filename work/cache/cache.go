package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// responseCacheEntries bounds how many upstream documents are held at once.
const responseCacheEntries = 1000

// Cache holds raw upstream response bodies (playlists, Xtream catalogs, EPG
// documents) for a fixed time-to-live. Entries expire individually, measured
// from the moment they were written.
type Cache struct {
	store    *otter.Cache[string, []byte]
	duration time.Duration
}

// NewCache creates a response cache whose entries live for duration.
//
// Parameters:
//   - duration: how long entries are considered valid; zero or negative disables caching
//
// Returns:
//   - *Cache: ready to use cache
func NewCache(duration time.Duration) *Cache {
	c := &Cache{duration: duration}
	if duration <= 0 {
		return c
	}

	c.store = otter.Must(&otter.Options[string, []byte]{
		MaximumSize:      responseCacheEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, []byte](duration),
	})
	return c
}

// Get returns the cached body for key.
//
// Returns:
//   - []byte: cached body when present and not expired
//   - bool: true on a hit
func (c *Cache) Get(key string) ([]byte, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	return c.store.GetIfPresent(key)
}

// Set stores value under key, replacing any existing entry and restarting its TTL.
func (c *Cache) Set(key string, value []byte) {
	if c == nil || c.store == nil {
		return
	}
	c.store.Set(key, value)
}

// Delete drops key from the cache.
func (c *Cache) Delete(key string) {
	if c == nil || c.store == nil {
		return
	}
	c.store.Invalidate(key)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	if c == nil || c.store == nil {
		return
	}
	c.store.InvalidateAll()
}

// Len reports the approximate number of live entries.
func (c *Cache) Len() int {
	if c == nil || c.store == nil {
		return 0
	}
	return c.store.EstimatedSize()
}

// Duration returns the configured time-to-live.
func (c *Cache) Duration() time.Duration {
	return c.duration
}
