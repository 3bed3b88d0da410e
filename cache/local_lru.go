package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/huykn/offline-cache/types"
)

// LRUCacheFactory creates LRU cache instances.
type LRUCacheFactory struct {
	maxSize int
}

// NewLRUCacheFactory creates a new LRU cache factory.
func NewLRUCacheFactory(maxSize int) LocalCacheFactory {
	return &LRUCacheFactory{maxSize: maxSize}
}

// Create creates a new LRU cache instance.
func (lcf *LRUCacheFactory) Create() (LocalCache, error) {
	return NewLRUCache(lcf.maxSize)
}

// LRUCache is a local LRU cache implementation using golang-lru.
type LRUCache struct {
	cache     *lru.Cache[string, types.CacheEntry]
	hits      int64
	misses    int64
	evictions int64
	maxSize   int64
	removing  int32
}

// NewLRUCache creates a new LRU-based local cache.
func NewLRUCache(maxSize int) (*LRUCache, error) {
	lc := &LRUCache{maxSize: int64(maxSize)}

	cache, err := lru.NewWithEvict[string, types.CacheEntry](maxSize, func(string, types.CacheEntry) {
		// Remove and Purge also fire the callback; only capacity evictions count.
		if atomic.LoadInt32(&lc.removing) == 0 {
			atomic.AddInt64(&lc.evictions, 1)
		}
	})
	if err != nil {
		return nil, err
	}
	lc.cache = cache

	return lc, nil
}

// Get retrieves an entry from the local cache.
func (lc *LRUCache) Get(key string) (types.CacheEntry, bool) {
	entry, found := lc.cache.Get(key)
	if found {
		atomic.AddInt64(&lc.hits, 1)
	} else {
		atomic.AddInt64(&lc.misses, 1)
	}
	return entry, found
}

// Set stores an entry in the local cache.
func (lc *LRUCache) Set(key string, entry types.CacheEntry, cost int64) bool {
	lc.cache.Add(key, entry)
	return true
}

// Delete removes an entry from the local cache.
func (lc *LRUCache) Delete(key string) {
	atomic.StoreInt32(&lc.removing, 1)
	lc.cache.Remove(key)
	atomic.StoreInt32(&lc.removing, 0)
}

// Clear removes all entries from the local cache.
func (lc *LRUCache) Clear() {
	atomic.StoreInt32(&lc.removing, 1)
	lc.cache.Purge()
	atomic.StoreInt32(&lc.removing, 0)
}

// Close closes the local cache.
func (lc *LRUCache) Close() {
	lc.Clear()
}

// Metrics returns cache metrics.
func (lc *LRUCache) Metrics() LocalCacheMetrics {
	return LocalCacheMetrics{
		Hits:      atomic.LoadInt64(&lc.hits),
		Misses:    atomic.LoadInt64(&lc.misses),
		Evictions: atomic.LoadInt64(&lc.evictions),
		Size:      int64(lc.cache.Len()),
	}
}
