package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheSetGetDelete(t *testing.T) {
	c := NewCache(time.Minute)

	_, ok := c.Get("playlist:a")
	assert.False(t, ok)

	c.Set("playlist:a", []byte("#EXTM3U"))
	got, ok := c.Get("playlist:a")
	assert.True(t, ok)
	assert.Equal(t, []byte("#EXTM3U"), got)
	assert.Equal(t, 1, c.Len())

	c.Delete("playlist:a")
	_, ok = c.Get("playlist:a")
	assert.False(t, ok)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	c.Set("k", []byte("v"))

	assert.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCacheClear(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))

	c.Clear()

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestDisabledCacheNeverHits(t *testing.T) {
	c := NewCache(0)
	c.Set("k", []byte("v"))

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())

	var nilCache *Cache
	_, ok = nilCache.Get("k")
	assert.False(t, ok)
}
