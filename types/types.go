package types

import (
	"net/http"
	"time"
)

// CacheEntry is a stored response snapshot in one named, versioned cache.
// A fingerprint maps to at most one entry per cache name.
type CacheEntry struct {
	Key       Fingerprint `json:"key"`
	Payload   []byte      `json:"payload"`
	StoredAt  time.Time   `json:"stored_at"`
	CacheName string      `json:"cache_name"`
}

// ResponseSnapshot is the serialized form of an HTTP response held in
// CacheEntry.Payload.
type ResponseSnapshot struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// PendingRequest is a mutating request that has not been delivered yet.
type PendingRequest struct {
	ID            string            `json:"id"`
	Fingerprint   Fingerprint       `json:"fingerprint"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`

	// Revision is bumped whenever a newer payload is coalesced into the
	// entry. A delivery of an older revision must not delete the entry.
	Revision int64 `json:"revision"`
}

// AbandonReason explains why a pending request reached the abandoned log.
type AbandonReason string

const (
	// ReasonRejected means the server answered with a client-error status.
	ReasonRejected AbandonReason = "rejected"
	// ReasonExhausted means the retry ceiling was reached.
	ReasonExhausted AbandonReason = "exhausted"
	// ReasonExpired means the entry outlived the configured entry TTL.
	ReasonExpired AbandonReason = "expired"
	// ReasonCancelled means the entry was abandoned explicitly.
	ReasonCancelled AbandonReason = "cancelled"
)

// AbandonedRequest is the terminal record of a request that will never be
// replayed. It is always surfaced to the user.
type AbandonedRequest struct {
	PendingRequest
	Reason      AbandonReason `json:"reason"`
	StatusCode  int           `json:"status_code,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	AbandonedAt time.Time     `json:"abandoned_at"`
}
