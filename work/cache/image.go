package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"iptv-relay/work/config"
	"iptv-relay/work/database"
	"iptv-relay/work/logger"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
	"golang.org/x/crypto/blake2b"
)

// Image is a cached image body and its content type.
type Image struct {
	ContentType string
	Data        []byte
}

// Store persists image bodies behind the in-memory cache. *database.DB implements it.
type Store interface {
	SaveImage(rec *database.ImageRecord) error
	LoadImage(key string) (*database.ImageRecord, error)
	TouchImage(key string) error
	DeleteImage(key string) error
	LoadTopImages(limit int) ([]*database.ImageRecord, error)
	ClearImages() error
}

// Submitter runs background work. *ants.Pool implements it.
type Submitter interface {
	Submit(task func()) error
}

// ImageStats is a point-in-time view of the image cache.
type ImageStats struct {
	Entries    int     `json:"entries"`
	Capacity   int     `json:"capacity"`
	MaxBytes   int64   `json:"maxBytes"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hitRate"`
	StoreHits  uint64  `json:"storeHits"`
	Warmed     int64   `json:"warmed"`
	Persistent bool    `json:"persistent"`
}

// ImageCache keeps recently and frequently requested images in memory, bounded
// by entry count and total bytes, with a per-entry TTL. When a Store is given,
// writes, hits and evictions are mirrored to it in the background so the
// cache can be rebuilt after a restart with Warm, and a memory miss falls
// back to the stored row.
type ImageCache struct {
	entries  *otter.Cache[string, *Image]
	counter  *stats.Counter
	store    Store
	pool     Submitter
	capacity int
	maxBytes int64
	ttl      time.Duration
	warmed    atomic.Int64
	storeHits atomic.Uint64
}

// NewImageCache builds the image cache from cfg. store and pool may be nil.
func NewImageCache(cfg *config.Config, store Store, pool Submitter) *ImageCache {
	ic := &ImageCache{
		counter:  stats.NewCounter(),
		store:    store,
		pool:     pool,
		capacity: cfg.ImageCacheSize,
		maxBytes: cfg.ImageCacheMaxBytes,
		ttl:      cfg.ImageCacheTTL,
	}
	if ic.capacity <= 0 {
		ic.capacity = 500
	}

	opts := &otter.Options[string, *Image]{
		StatsRecorder: ic.counter,
		OnDeletion: func(e otter.DeletionEvent[string, *Image]) {
			if e.WasEvicted() {
				ic.persist(func(s Store) error { return s.DeleteImage(e.Key) })
			}
		},
	}
	if ic.ttl > 0 {
		opts.ExpiryCalculator = otter.ExpiryWriting[string, *Image](ic.ttl)
	}

	if ic.maxBytes > 0 {
		// every entry weighs at least maxBytes/capacity, which caps the entry
		// count at capacity as well as the byte total at maxBytes
		floor := ic.maxBytes / int64(ic.capacity)
		opts.MaximumWeight = uint64(ic.maxBytes)
		opts.Weigher = func(_ string, img *Image) uint32 {
			w := int64(len(img.Data))
			if w < floor {
				w = floor
			}
			if w > int64(^uint32(0)) {
				w = int64(^uint32(0))
			}
			return uint32(w)
		}
	} else {
		opts.MaximumSize = ic.capacity
	}

	ic.entries = otter.Must(opts)
	return ic
}

// Key returns the cache key for an image URL: hex blake2b-256 of the URL.
func Key(url string) string {
	sum := blake2b.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached image for url. On a memory miss the store is
// consulted and a live row is put back in memory with its remaining TTL.
func (ic *ImageCache) Get(url string) (*Image, bool) {
	key := Key(url)
	img, ok := ic.entries.GetIfPresent(key)
	if !ok {
		img, ok = ic.load(key)
	}
	if ok {
		ic.persist(func(s Store) error { return s.TouchImage(key) })
	}
	return img, ok
}

// load reads key from the store. Expired rows count as a miss and are left
// for Warm or the maintenance prune to remove.
func (ic *ImageCache) load(key string) (*Image, bool) {
	if ic.store == nil {
		return nil, false
	}

	rec, err := ic.store.LoadImage(key)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			logger.Warn("{cache/image - load} image store read failed for %s: %v", key, err)
		}
		return nil, false
	}

	age := time.Since(rec.CreatedAt)
	if ic.ttl > 0 && age >= ic.ttl {
		return nil, false
	}

	img := &Image{ContentType: rec.ContentType, Data: rec.Data}
	ic.entries.Set(key, img)
	if ic.ttl > 0 {
		ic.entries.SetExpiresAfter(key, ic.ttl-age)
	}
	ic.storeHits.Add(1)
	return img, true
}

// Set caches img for url and saves it to the store in the background. The
// save is skipped when img has already left memory by the time it runs, and
// undone when img leaves memory while it runs, so an eviction that overtakes
// the save on the pool leaves no row behind.
func (ic *ImageCache) Set(url string, img *Image) {
	key := Key(url)
	ic.entries.Set(key, img)
	ic.persist(func(s Store) error {
		if !ic.holds(key, img) {
			return nil
		}
		err := s.SaveImage(&database.ImageRecord{
			Key:         key,
			URL:         url,
			ContentType: img.ContentType,
			Data:        img.Data,
		})
		if err != nil {
			return err
		}
		if _, ok := ic.entries.GetEntryQuietly(key); !ok {
			return s.DeleteImage(key)
		}
		return nil
	})
}

// holds reports whether key currently maps to img in memory.
func (ic *ImageCache) holds(key string, img *Image) bool {
	e, ok := ic.entries.GetEntryQuietly(key)
	return ok && e.Value == img
}

// Delete removes url from memory and from the store.
func (ic *ImageCache) Delete(url string) {
	key := Key(url)
	ic.entries.Invalidate(key)
	ic.persist(func(s Store) error { return s.DeleteImage(key) })
}

// Clear empties the cache and the store. The store is cleared synchronously
// so a following Warm cannot resurrect entries.
func (ic *ImageCache) Clear() error {
	ic.entries.InvalidateAll()
	if ic.store == nil {
		return nil
	}
	return ic.store.ClearImages()
}

// Len reports the approximate number of cached images.
func (ic *ImageCache) Len() int {
	return ic.entries.EstimatedSize()
}

// Stats returns counters for the admin surface.
func (ic *ImageCache) Stats() ImageStats {
	snap := ic.counter.Snapshot()
	st := ImageStats{
		Entries:    ic.entries.EstimatedSize(),
		Capacity:   ic.capacity,
		MaxBytes:   ic.maxBytes,
		Hits:       snap.Hits,
		Misses:     snap.Misses,
		StoreHits:  ic.storeHits.Load(),
		Warmed:     ic.warmed.Load(),
		Persistent: ic.store != nil,
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		st.HitRate = float64(snap.Hits) / float64(total)
	}
	return st
}

// Warm loads the best scored images from the store into memory. Rows older
// than the TTL are dropped from the store instead. It returns the number of
// images loaded.
func (ic *ImageCache) Warm(ctx context.Context) (int, error) {
	if ic.store == nil {
		return 0, nil
	}

	records, err := ic.store.LoadTopImages(ic.capacity)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		age := time.Since(rec.CreatedAt)
		if ic.ttl > 0 && age >= ic.ttl {
			if err := ic.store.DeleteImage(rec.Key); err != nil {
				logger.Warn("{cache/image - Warm} failed to drop expired image %s: %v", rec.Key, err)
			}
			continue
		}
		ic.entries.Set(rec.Key, &Image{ContentType: rec.ContentType, Data: rec.Data})
		if ic.ttl > 0 {
			ic.entries.SetExpiresAfter(rec.Key, ic.ttl-age)
		}
		loaded++
	}

	ic.warmed.Add(int64(loaded))
	logger.Info("{cache/image - Warm} Loaded %d of %d stored images", loaded, len(records))
	return loaded, nil
}

// persist runs fn against the store on the worker pool, or inline when there
// is no pool. Failures are logged and otherwise ignored.
func (ic *ImageCache) persist(fn func(Store) error) {
	if ic.store == nil {
		return
	}

	task := func() {
		if err := fn(ic.store); err != nil {
			logger.Warn("{cache/image - persist} image store write failed: %v", err)
		}
	}

	if ic.pool == nil {
		task()
		return
	}
	if err := ic.pool.Submit(task); err != nil {
		logger.Debug("{cache/image - persist} worker pool rejected image store write: %v", err)
	}
}
