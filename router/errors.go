package router

import (
	"errors"
	"fmt"

	"github.com/huykn/offline-cache/types"
)

var (
	// ErrQueued matches a *QueuedError.
	ErrQueued = errors.New("request queued for replay")

	// ErrUnavailable matches an *UnavailableError.
	ErrUnavailable = errors.New("network unavailable and no cached response")
)

// QueuedError is returned for a mutating request that could not reach the
// network and was durably queued. The application should treat it as
// "accepted, pending".
type QueuedError struct {
	Request   types.PendingRequest
	Coalesced bool
	Err       error
}

func (e *QueuedError) Error() string {
	if e.Coalesced {
		return fmt.Sprintf("%s %s coalesced into queued request %s", e.Request.Method, e.Request.URL, e.Request.ID)
	}
	return fmt.Sprintf("%s %s queued as %s", e.Request.Method, e.Request.URL, e.Request.ID)
}

func (e *QueuedError) Is(target error) bool { return target == ErrQueued }

func (e *QueuedError) Unwrap() error { return e.Err }

// UnavailableError is returned when a request can be answered neither by
// the network nor by the cache, or when a mutation could not be queued.
type UnavailableError struct {
	Method string
	URL    string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Method, e.URL, ErrUnavailable, e.Err)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }
