package cache

import (
	"time"
)

// Backend names accepted by Options.Backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// LocalCacheConfig configures each in-process named cache.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * MaxItems
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	// Entries are costed by payload size in bytes.
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction (Ristretto only).
	// Recommended: 64
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int
}

// Options configures the cache store backend.
type Options struct {
	// Backend selects the store: "memory" or "redis".
	Backend string

	// LocalCacheConfig configures the in-process caches of the memory backend.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates the in-process caches of the memory backend.
	// If nil, defaults to the LRU factory.
	LocalCacheFactory LocalCacheFactory

	// RedisAddr is the Redis server address (e.g., "localhost:6379").
	RedisAddr string

	// RedisPassword is the optional Redis password.
	RedisPassword string

	// RedisDB is the Redis database number.
	RedisDB int

	// KeyPrefix namespaces every Redis key written by the store.
	KeyPrefix string

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// ContextTimeout is the default timeout for store operations.
	ContextTimeout time.Duration

	// OnError is called when a best-effort store operation fails.
	OnError func(error)
}

// DefaultOptions returns default store options.
func DefaultOptions() Options {
	return Options{
		Backend:           BackendMemory,
		RedisAddr:         "localhost:6379",
		RedisDB:           0,
		KeyPrefix:         "offline",
		ContextTimeout:    5 * time.Second,
		LocalCacheConfig:  DefaultLocalCacheConfig(),
		LocalCacheFactory: nil, // Will default to LRU in NewStore()
		Logger:            nil, // Will default to no-op in NewStore()
		DebugMode:         false,
	}
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e5,
		MaxCost:            64 << 20, // 64MB
		BufferItems:        64,
		IgnoreInternalCost: true,
		MaxSize:            10000,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	switch o.Backend {
	case BackendMemory:
		if o.LocalCacheFactory == nil && o.LocalCacheConfig.MaxSize <= 0 {
			return ErrInvalidConfig
		}
	case BackendRedis:
		if o.RedisAddr == "" {
			return ErrInvalidConfig
		}
		if o.KeyPrefix == "" {
			return ErrInvalidConfig
		}
	default:
		return ErrInvalidConfig
	}
	if o.ContextTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid cache configuration")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &cacheError{msg: msg}
}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}
