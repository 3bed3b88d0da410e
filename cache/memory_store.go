package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/huykn/offline-cache/types"
)

// MemoryStore is an in-process Store holding one LocalCache per cache name.
type MemoryStore struct {
	factory LocalCacheFactory
	mu      sync.RWMutex
	caches  map[string]LocalCache
	closed  int32
}

// NewMemoryStore creates a MemoryStore whose named caches are created by
// factory.
func NewMemoryStore(factory LocalCacheFactory) *MemoryStore {
	return &MemoryStore{
		factory: factory,
		caches:  make(map[string]LocalCache),
	}
}

// Get retrieves the entry for key in the named cache.
func (ms *MemoryStore) Get(ctx context.Context, cacheName, key string) (types.CacheEntry, error) {
	if atomic.LoadInt32(&ms.closed) != 0 {
		return types.CacheEntry{}, ErrCacheClosed
	}

	ms.mu.RLock()
	local, ok := ms.caches[cacheName]
	ms.mu.RUnlock()
	if !ok {
		return types.CacheEntry{}, types.ErrNotFound
	}

	entry, found := local.Get(key)
	if !found {
		return types.CacheEntry{}, types.ErrNotFound
	}
	return entry, nil
}

// Put stores entry in its named cache, creating the cache on first use.
func (ms *MemoryStore) Put(ctx context.Context, entry types.CacheEntry) error {
	if atomic.LoadInt32(&ms.closed) != 0 {
		return ErrCacheClosed
	}

	local, err := ms.open(entry.CacheName)
	if err != nil {
		return err
	}

	cost := int64(len(entry.Payload))
	if cost == 0 {
		cost = 1
	}
	if !local.Set(entry.Key.String(), entry, cost) {
		return ErrEntryRejected
	}
	return nil
}

// Delete removes one entry from the named cache.
func (ms *MemoryStore) Delete(ctx context.Context, cacheName, key string) error {
	if atomic.LoadInt32(&ms.closed) != 0 {
		return ErrCacheClosed
	}

	ms.mu.RLock()
	local, ok := ms.caches[cacheName]
	ms.mu.RUnlock()
	if ok {
		local.Delete(key)
	}
	return nil
}

// CacheNames lists every cache that currently exists, sorted.
func (ms *MemoryStore) CacheNames(ctx context.Context) ([]string, error) {
	if atomic.LoadInt32(&ms.closed) != 0 {
		return nil, ErrCacheClosed
	}

	ms.mu.RLock()
	names := make([]string, 0, len(ms.caches))
	for name := range ms.caches {
		names = append(names, name)
	}
	ms.mu.RUnlock()

	sort.Strings(names)
	return names, nil
}

// DeleteCache removes a whole named cache.
func (ms *MemoryStore) DeleteCache(ctx context.Context, cacheName string) error {
	if atomic.LoadInt32(&ms.closed) != 0 {
		return ErrCacheClosed
	}

	ms.mu.Lock()
	local, ok := ms.caches[cacheName]
	delete(ms.caches, cacheName)
	ms.mu.Unlock()

	if ok {
		local.Close()
	}
	return nil
}

// Metrics returns the metrics of one named cache.
func (ms *MemoryStore) Metrics(cacheName string) (LocalCacheMetrics, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	local, ok := ms.caches[cacheName]
	if !ok {
		return LocalCacheMetrics{}, false
	}
	return local.Metrics(), true
}

// Close closes every named cache.
func (ms *MemoryStore) Close() error {
	if !atomic.CompareAndSwapInt32(&ms.closed, 0, 1) {
		return nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	for name, local := range ms.caches {
		local.Close()
		delete(ms.caches, name)
	}
	return nil
}

func (ms *MemoryStore) open(cacheName string) (LocalCache, error) {
	ms.mu.RLock()
	local, ok := ms.caches[cacheName]
	ms.mu.RUnlock()
	if ok {
		return local, nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if local, ok := ms.caches[cacheName]; ok {
		return local, nil
	}
	local, err := ms.factory.Create()
	if err != nil {
		return nil, err
	}
	ms.caches[cacheName] = local
	return local, nil
}

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = NewError("cache is closed")

// ErrEntryRejected is returned when a local cache refuses an entry.
var ErrEntryRejected = NewError("cache entry rejected")
