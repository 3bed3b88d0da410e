package offlinecache

import (
	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/notify"
	"github.com/huykn/offline-cache/retry"
	syncer "github.com/huykn/offline-cache/sync"
	"github.com/huykn/offline-cache/types"
)

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// LocalCache is an alias for cache.LocalCache.
type LocalCache = cache.LocalCache

// LocalCacheMetrics is an alias for cache.LocalCacheMetrics.
type LocalCacheMetrics = cache.LocalCacheMetrics

// LocalCacheFactory is an alias for cache.LocalCacheFactory.
type LocalCacheFactory = cache.LocalCacheFactory

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// VersionTag is an alias for cache.VersionTag.
type VersionTag = cache.VersionTag

// RetryPolicy is an alias for retry.Policy.
type RetryPolicy = retry.Policy

// PendingRequest is an alias for types.PendingRequest.
type PendingRequest = types.PendingRequest

// AbandonedRequest is an alias for types.AbandonedRequest.
type AbandonedRequest = types.AbandonedRequest

// Presenter is an alias for notify.Presenter.
type Presenter = notify.Presenter

// Alert is an alias for notify.Alert.
type Alert = notify.Alert

// Report is an alias for sync.Report.
type Report = syncer.Report

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}
