package queue

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/huykn/offline-cache/types"
)

// NewReplayRequest rebuilds the HTTP request for a queued entry. When
// idempotencyHeader is set, the fingerprint is sent in it so the server can
// discard a duplicate delivery.
func NewReplayRequest(ctx context.Context, req types.PendingRequest, idempotencyHeader string) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if idempotencyHeader != "" && httpReq.Header.Get(idempotencyHeader) == "" {
		httpReq.Header.Set(idempotencyHeader, req.Fingerprint.String())
	}
	return httpReq, nil
}

// IdempotencyHeader returns the configured replay header name.
func (q *Queue) IdempotencyHeader() string {
	return q.options.IdempotencyHeader
}
