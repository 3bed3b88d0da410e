package queue

import (
	"errors"
	"time"

	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/retry"
	"github.com/huykn/offline-cache/types"
)

// DefaultIdempotencyHeader carries the request fingerprint on replay.
const DefaultIdempotencyHeader = "Idempotency-Key"

// ErrInvalidConfig is returned when queue options are invalid.
var ErrInvalidConfig = errors.New("invalid queue configuration")

// Options configures the durable queue.
type Options struct {
	// Path is the SQLite database file.
	Path string

	// Policy decides backoff and give-up for retryable failures.
	Policy retry.Policy

	// EntryTTL abandons an entry as expired when a newer request with the
	// same fingerprint arrives after it. Zero disables expiry.
	EntryTTL time.Duration

	// IdempotencyHeader names the header that carries the fingerprint on
	// replay. Empty disables it.
	IdempotencyHeader string

	// OnAbandon is called after an entry has been moved to the abandoned
	// log. It runs synchronously on the calling goroutine.
	OnAbandon func(types.AbandonedRequest)

	Logger    cache.Logger
	DebugMode bool

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultOptions returns options for a queue stored at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:              path,
		Policy:            retry.DefaultPolicy(),
		EntryTTL:          24 * time.Hour,
		IdempotencyHeader: DefaultIdempotencyHeader,
		Logger:            cache.NewNoOpLogger(),
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidConfig
	}
	if err := o.Policy.Validate(); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	if o.EntryTTL < 0 {
		return ErrInvalidConfig
	}
	return nil
}
