package offlinecache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/queue"
	"github.com/huykn/offline-cache/retry"
)

// Config configures an offline layer.
type Config struct {
	// NodeID identifies this process on the shared signal channel.
	// If empty, a random ID is generated.
	NodeID string

	// VersionTag is the current cache version. Caches of any other version
	// are deleted on activation.
	VersionTag VersionTag

	// Origin is the application origin, e.g. "https://app.example". It
	// bounds which responses Cache-First stores and where notifications
	// may navigate.
	Origin string

	// DataPrefixes are the path prefixes served Network-First.
	DataPrefixes []string

	// Precache lists the static resources cached on install. Relative
	// entries are resolved against Origin.
	Precache []string

	// InstallConcurrency bounds parallel fetches during install.
	InstallConcurrency int

	// Store selects and configures the cache backend.
	Backend           string
	LocalCacheConfig  LocalCacheConfig
	LocalCacheFactory LocalCacheFactory
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	KeyPrefix         string

	// QueuePath is the SQLite file of the pending-request queue.
	QueuePath string

	// Retry decides backoff and give-up for queued requests.
	Retry RetryPolicy

	// EntryTTL bounds how long a queued request stays eligible for replay.
	EntryTTL time.Duration

	// IdempotencyHeader carries the request fingerprint on replay.
	IdempotencyHeader string

	// SyncInterval raises a periodic sync in Run. Zero disables it.
	SyncInterval time.Duration

	// AttemptTimeout bounds a single replay.
	AttemptTimeout time.Duration

	// SignalChannel is the Redis Pub/Sub channel used to share sync
	// signals with other processes draining the same queue. Empty
	// disables it.
	SignalChannel string

	// MaxAlerts bounds the number of active notifications.
	MaxAlerts int

	// Presenter additionally shows notifications. The websocket hub and
	// the logger always receive them.
	Presenter Presenter

	// Transport reaches the network. If nil, http.DefaultTransport.
	Transport http.RoundTripper

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// ContextTimeout is the default timeout for store operations.
	ContextTimeout time.Duration

	// EnableMetrics records OpenTelemetry metrics on the global meter
	// provider.
	EnableMetrics bool

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultConfig returns default layer configuration.
func DefaultConfig() Config {
	storeDefaults := cache.DefaultOptions()
	queueDefaults := queue.DefaultOptions("offline-queue.db")

	return Config{
		VersionTag:         "v1",
		DataPrefixes:       []string{"/api/"},
		InstallConcurrency: 4,
		Backend:            storeDefaults.Backend,
		LocalCacheConfig:   storeDefaults.LocalCacheConfig,
		RedisAddr:          storeDefaults.RedisAddr,
		RedisDB:            storeDefaults.RedisDB,
		KeyPrefix:          storeDefaults.KeyPrefix,
		QueuePath:          queueDefaults.Path,
		Retry:              retry.DefaultPolicy(),
		EntryTTL:           queueDefaults.EntryTTL,
		IdempotencyHeader:  queue.DefaultIdempotencyHeader,
		SyncInterval:       time.Minute,
		AttemptTimeout:     30 * time.Second,
		MaxAlerts:          100,
		ContextTimeout:     storeDefaults.ContextTimeout,
		EnableMetrics:      true,
		Logger:             nil, // Will default to no-op in New()
		DebugMode:          false,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.VersionTag == "" {
		return fmt.Errorf("%w: version tag is required", ErrInvalidConfig)
	}
	if c.QueuePath == "" {
		return fmt.Errorf("%w: queue path is required", ErrInvalidConfig)
	}
	if c.Origin != "" {
		u, err := url.Parse(c.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: origin must be an absolute URL", ErrInvalidConfig)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	if c.AttemptTimeout <= 0 || c.SyncInterval < 0 || c.EntryTTL < 0 {
		return ErrInvalidConfig
	}
	if c.SignalChannel != "" && c.RedisAddr == "" {
		return fmt.Errorf("%w: signal channel requires a redis address", ErrInvalidConfig)
	}
	opts := c.storeOptions()
	if err := opts.Validate(); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) storeOptions() cache.Options {
	return cache.Options{
		Backend:           c.Backend,
		LocalCacheConfig:  c.LocalCacheConfig,
		LocalCacheFactory: c.LocalCacheFactory,
		RedisAddr:         c.RedisAddr,
		RedisPassword:     c.RedisPassword,
		RedisDB:           c.RedisDB,
		KeyPrefix:         c.KeyPrefix,
		Logger:            c.Logger,
		DebugMode:         c.DebugMode,
		ContextTimeout:    c.ContextTimeout,
		OnError:           c.OnError,
	}
}
