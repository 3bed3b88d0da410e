package offlinecache

import (
	"errors"

	"github.com/huykn/offline-cache/router"
	"github.com/huykn/offline-cache/types"
)

// ErrNotFound is returned when a cache entry or queued request is not found.
var ErrNotFound = types.ErrNotFound

// ErrQueued is matched by errors.Is when a mutation could not reach the
// network and was queued for replay.
var ErrQueued = router.ErrQueued

// ErrUnavailable is matched by errors.Is when a request could be answered
// neither by the network nor by the cache.
var ErrUnavailable = router.ErrUnavailable

// ErrLayerClosed is returned when operations are performed on a closed layer.
var ErrLayerClosed = errors.New("offline layer is closed")

// ErrInvalidConfig is returned when the layer configuration is invalid.
var ErrInvalidConfig = errors.New("invalid offline layer configuration")

// ErrUnknownEvent is returned by Handle for unrecognized events.
var ErrUnknownEvent = errors.New("unknown host event")

// ErrNoQueue is returned by queue operations of a layer running without
// its queue. See Layer.Degraded.
var ErrNoQueue = errors.New("pending-request queue unavailable")

// ErrRedisConnection wraps a failed signal subscription reported through
// OnError.
var ErrRedisConnection = errors.New("redis connection failed")
