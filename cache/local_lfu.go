package cache

import (
	"sync/atomic"

	lfu "github.com/dgraph-io/ristretto"

	"github.com/huykn/offline-cache/types"
)

// LFUCacheFactory creates Ristretto cache instances.
type LFUCacheFactory struct {
	config LocalCacheConfig
}

// NewLFUCacheFactory creates a new Ristretto cache factory.
func NewLFUCacheFactory(config LocalCacheConfig) LocalCacheFactory {
	return &LFUCacheFactory{config: config}
}

// Create creates a new Ristretto cache instance.
func (rcf *LFUCacheFactory) Create() (LocalCache, error) {
	return NewLFUCache(rcf.config)
}

// NewLFUCache creates a new Ristretto-based local cache.
func NewLFUCache(config LocalCacheConfig) (*LFUCache, error) {
	rc := &LFUCache{}

	cache, err := lfu.NewCache(&lfu.Config{
		NumCounters:        config.NumCounters,
		MaxCost:            config.MaxCost,
		BufferItems:        config.BufferItems,
		IgnoreInternalCost: config.IgnoreInternalCost,
		OnEvict: func(item *lfu.Item) {
			atomic.AddInt64(&rc.evictions, 1)
		},
	})
	if err != nil {
		return nil, err
	}
	rc.cache = cache

	return rc, nil
}

// LFUCache is a local LFU cache implementation using lfu.
type LFUCache struct {
	cache     *lfu.Cache
	hits      int64
	misses    int64
	evictions int64
}

// Get retrieves an entry from the local cache.
func (rc *LFUCache) Get(key string) (types.CacheEntry, bool) {
	value, found := rc.cache.Get(key)
	if found {
		if entry, ok := value.(types.CacheEntry); ok {
			atomic.AddInt64(&rc.hits, 1)
			return entry, true
		}
	}
	atomic.AddInt64(&rc.misses, 1)
	return types.CacheEntry{}, false
}

// Set stores an entry in the local cache. Ristretto buffers writes, so Set
// waits for the buffer to drain; a response stored by the router must be
// visible to the next lookup of the same fingerprint.
func (rc *LFUCache) Set(key string, entry types.CacheEntry, cost int64) bool {
	ok := rc.cache.Set(key, entry, cost)
	rc.cache.Wait()
	return ok
}

// Delete removes an entry from the local cache.
func (rc *LFUCache) Delete(key string) {
	rc.cache.Del(key)
}

// Clear removes all entries from the local cache.
func (rc *LFUCache) Clear() {
	rc.cache.Clear()
}

// Close closes the local cache.
func (rc *LFUCache) Close() {
	rc.cache.Close()
}

// Metrics returns cache metrics.
func (rc *LFUCache) Metrics() LocalCacheMetrics {
	return LocalCacheMetrics{
		Hits:      atomic.LoadInt64(&rc.hits),
		Misses:    atomic.LoadInt64(&rc.misses),
		Evictions: atomic.LoadInt64(&rc.evictions),
		Size:      int64(rc.cache.MaxCost()),
	}
}
