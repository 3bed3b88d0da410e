package cache

import (
	"context"

	"github.com/huykn/offline-cache/types"
)

// Logger defines the interface for logging in the offline layer.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Marshaller defines the interface for JSON marshalling/unmarshalling.
type Marshaller interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes a value from bytes.
	Unmarshal(data []byte, v any) error
}

// LocalCache defines the interface for one in-process named cache.
type LocalCache interface {
	// Get retrieves an entry from the local cache.
	Get(key string) (types.CacheEntry, bool)

	// Set stores an entry in the local cache, replacing any previous entry
	// for the same key.
	Set(key string, entry types.CacheEntry, cost int64) bool

	// Delete removes an entry from the local cache.
	Delete(key string)

	// Clear removes all entries from the local cache.
	Clear()

	// Close closes the local cache.
	Close()

	// Metrics returns cache metrics.
	Metrics() LocalCacheMetrics
}

// LocalCacheMetrics represents local cache metrics.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// LocalCacheFactory defines the interface for creating local cache implementations.
type LocalCacheFactory interface {
	// Create creates a new local cache instance.
	Create() (LocalCache, error)
}

// Store is a set of named key/value caches holding response snapshots.
// It has no knowledge of versions or serving strategies.
type Store interface {
	// Get retrieves the entry for key in the named cache.
	// Returns types.ErrNotFound when absent.
	Get(ctx context.Context, cacheName, key string) (types.CacheEntry, error)

	// Put stores entry in entry.CacheName, replacing any entry with the
	// same key.
	Put(ctx context.Context, entry types.CacheEntry) error

	// Delete removes one entry from the named cache.
	Delete(ctx context.Context, cacheName, key string) error

	// CacheNames lists every cache that currently exists.
	CacheNames(ctx context.Context) ([]string, error)

	// DeleteCache removes a whole named cache.
	DeleteCache(ctx context.Context, cacheName string) error

	// Close releases the store.
	Close() error
}

// Stats represents versioned store statistics.
type Stats struct {
	Hits          int64
	Misses        int64
	Writes        int64
	ReadFailures  int64
	WriteFailures int64
}
