package types

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("entry not found")

// Kind classifies failures of the offline layer.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota
	// KindTransportFailure means no response reached the client. Retryable.
	KindTransportFailure
	// KindApplicationRejection means a reachable server answered with a
	// client-error status. Not retryable.
	KindApplicationRejection
	// KindApplicationServerError means the server answered with a
	// server-error status. Retryable with backoff.
	KindApplicationServerError
	// KindStorageFailure means the local durable store is unavailable.
	KindStorageFailure
	// KindAbandoned means the retry ceiling was reached.
	KindAbandoned
)

func (k Kind) String() string {
	switch k {
	case KindTransportFailure:
		return "transport_failure"
	case KindApplicationRejection:
		return "application_rejection"
	case KindApplicationServerError:
		return "application_server_error"
	case KindStorageFailure:
		return "storage_failure"
	case KindAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind are retried.
func (k Kind) Retryable() bool {
	return k == KindTransportFailure || k == KindApplicationServerError
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ClassifyStatus maps an HTTP status code to a failure kind. Statuses below
// 400 are not failures and map to KindUnknown.
func ClassifyStatus(status int) Kind {
	switch {
	case status >= 500:
		return KindApplicationServerError
	case status >= 400:
		return KindApplicationRejection
	default:
		return KindUnknown
	}
}
