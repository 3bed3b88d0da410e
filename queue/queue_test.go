package queue

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/huykn/offline-cache/retry"
	"github.com/huykn/offline-cache/types"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func openTestQueue(t *testing.T, path string, clock *testClock, mutate func(*Options)) *Queue {
	t.Helper()
	opts := DefaultOptions(path)
	opts.Now = clock.Now
	opts.Policy = retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute, CeilingAttempts: 3}
	if mutate != nil {
		mutate(&opts)
	}
	q, err := Open(opts)
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func orderRequest(body string) types.PendingRequest {
	return types.PendingRequest{
		Method:  "POST",
		URL:     "https://shop.example/orders",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(body),
	}
}

func TestEnqueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	clock := newClock()

	q := openTestQueue(t, path, clock, nil)
	queued, coalesced, err := q.Enqueue(ctx, orderRequest(`{"sku":"A1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if coalesced {
		t.Fatal("First enqueue must not coalesce")
	}
	if queued.ID == "" || queued.Fingerprint == "" {
		t.Fatalf("Expected id and fingerprint, got %+v", queued)
	}
	if queued.Attempts != 0 || !queued.NextAttemptAt.Equal(clock.now) {
		t.Fatalf("Unexpected initial state %+v", queued)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openTestQueue(t, path, clock, nil)
	got, err := reopened.Get(ctx, queued.ID)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got.Body) != `{"sku":"A1"}` || got.Headers["Content-Type"] != "application/json" {
		t.Fatalf("Entry not restored intact: %+v", got)
	}
	if got.Fingerprint != queued.Fingerprint || !got.EnqueuedAt.Equal(queued.EnqueuedAt) {
		t.Fatalf("Entry metadata changed: %+v", got)
	}
}

func TestOrderReplayScenario(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock, nil)

	queued, _, err := q.Enqueue(ctx, orderRequest(`{"sku":"A1","qty":2}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	due, err := q.ListDue(ctx, clock.now)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != queued.ID {
		t.Fatalf("Expected the order to be due, got %+v", due)
	}

	disp, err := q.MarkAttempt(ctx, due[0], Attempt{Outcome: Delivered, StatusCode: 201})
	if err != nil {
		t.Fatalf("MarkAttempt failed: %v", err)
	}
	if disp != Removed {
		t.Fatalf("Expected Removed, got %s", disp)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("Expected empty queue, got %d", n)
	}
}

func TestEnqueueCoalescesSameFingerprint(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock, nil)

	first, _, _ := q.Enqueue(ctx, types.PendingRequest{Method: "PUT", URL: "https://shop.example/cart/7", Body: []byte("v1")})
	clock.Advance(time.Second)
	second, coalesced, err := q.Enqueue(ctx, types.PendingRequest{Method: "PUT", URL: "https://shop.example/cart/7", Body: []byte("v2")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !coalesced {
		t.Fatal("Expected second PUT to coalesce")
	}
	if second.ID != first.ID || !second.EnqueuedAt.Equal(first.EnqueuedAt) {
		t.Fatalf("Coalesced entry must keep id and position: %+v vs %+v", second, first)
	}
	if second.Revision != 1 {
		t.Fatalf("Expected revision 1, got %d", second.Revision)
	}

	all, _ := q.List(ctx)
	if len(all) != 1 {
		t.Fatalf("Expected one entry, got %d", len(all))
	}
	if string(all[0].Body) != "v2" {
		t.Fatalf("Expected newest payload, got %s", all[0].Body)
	}
}

func TestEnqueueDistinctPostBodies(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), newClock(), nil)

	q.Enqueue(ctx, orderRequest(`{"sku":"A1"}`))
	q.Enqueue(ctx, orderRequest(`{"sku":"B2"}`))
	_, coalesced, _ := q.Enqueue(ctx, orderRequest(`{"sku":"A1"}`))

	if !coalesced {
		t.Fatal("Identical POST must coalesce")
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("Expected 2 entries, got %d", n)
	}
}

func TestEnqueueInvalid(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), newClock(), nil)

	if _, _, err := q.Enqueue(ctx, types.PendingRequest{Method: "POST"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Expected ErrInvalidRequest, got %v", err)
	}
	if _, _, err := q.Enqueue(ctx, types.PendingRequest{Method: "POST", URL: "::bad"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Expected ErrInvalidRequest for bad URL, got %v", err)
	}
}

func TestListDueOrderAndSchedule(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock, nil)

	a, _, _ := q.Enqueue(ctx, orderRequest("a"))
	clock.Advance(time.Millisecond)
	b, _, _ := q.Enqueue(ctx, orderRequest("b"))
	clock.Advance(time.Millisecond)
	c, _, _ := q.Enqueue(ctx, orderRequest("c"))

	due, _ := q.ListDue(ctx, clock.now)
	if len(due) != 3 || due[0].ID != a.ID || due[1].ID != b.ID || due[2].ID != c.ID {
		t.Fatalf("Expected FIFO order, got %+v", due)
	}

	if disp, _ := q.MarkAttempt(ctx, due[0], Attempt{Outcome: Retryable, StatusCode: 503}); disp != Rescheduled {
		t.Fatalf("Expected Rescheduled, got %s", disp)
	}

	due, _ = q.ListDue(ctx, clock.now)
	if len(due) != 2 || due[0].ID != b.ID {
		t.Fatalf("Rescheduled entry must not be due yet, got %+v", due)
	}

	got, _ := q.Get(ctx, a.ID)
	if got.Attempts != 1 {
		t.Fatalf("Expected 1 attempt, got %d", got.Attempts)
	}
	delay := got.NextAttemptAt.Sub(clock.now)
	if delay < time.Second || delay >= 3*time.Second {
		t.Fatalf("Expected delay in [1s,3s), got %v", delay)
	}

	clock.Advance(time.Minute)
	due, _ = q.ListDue(ctx, clock.now)
	if len(due) != 3 || due[0].ID != a.ID {
		t.Fatalf("Entry must keep its position when due again, got %+v", due)
	}
}

func TestRetryExhaustionAbandons(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	var abandoned []types.AbandonedRequest
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock, func(o *Options) {
		o.OnAbandon = func(ab types.AbandonedRequest) { abandoned = append(abandoned, ab) }
	})

	queued, _, _ := q.Enqueue(ctx, orderRequest("x"))
	for i := 0; i < 3; i++ {
		req, err := q.Get(ctx, queued.ID)
		if err != nil {
			t.Fatalf("Get failed on attempt %d: %v", i, err)
		}
		if disp, _ := q.MarkAttempt(ctx, req, Attempt{Outcome: Retryable, Err: io.ErrUnexpectedEOF}); disp != Rescheduled {
			t.Fatalf("Attempt %d: expected Rescheduled, got %s", i, disp)
		}
	}

	req, _ := q.Get(ctx, queued.ID)
	disp, err := q.MarkAttempt(ctx, req, Attempt{Outcome: Retryable, Err: io.ErrUnexpectedEOF})
	if err != nil {
		t.Fatalf("MarkAttempt failed: %v", err)
	}
	if disp != Abandoned {
		t.Fatalf("Expected Abandoned at ceiling, got %s", disp)
	}
	if len(abandoned) != 1 || abandoned[0].Reason != types.ReasonExhausted {
		t.Fatalf("Expected one exhausted notification, got %+v", abandoned)
	}
	if abandoned[0].Detail != io.ErrUnexpectedEOF.Error() {
		t.Fatalf("Expected failure detail, got %q", abandoned[0].Detail)
	}
	if _, err := q.Get(ctx, queued.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Abandoned entry must leave the queue, got %v", err)
	}

	log, _ := q.ListAbandoned(ctx, 0)
	if len(log) != 1 || log[0].ID != queued.ID || log[0].Attempts != 4 {
		t.Fatalf("Unexpected abandoned log %+v", log)
	}
}

func TestRejectedAbandonsImmediately(t *testing.T) {
	ctx := context.Background()
	var abandoned []types.AbandonedRequest
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), newClock(), func(o *Options) {
		o.OnAbandon = func(ab types.AbandonedRequest) { abandoned = append(abandoned, ab) }
	})

	queued, _, _ := q.Enqueue(ctx, orderRequest("x"))
	disp, err := q.MarkAttempt(ctx, queued, Attempt{Outcome: Rejected, StatusCode: 422})
	if err != nil || disp != Abandoned {
		t.Fatalf("Expected Abandoned, got %s (%v)", disp, err)
	}
	if len(abandoned) != 1 || abandoned[0].Reason != types.ReasonRejected || abandoned[0].StatusCode != 422 {
		t.Fatalf("Unexpected notification %+v", abandoned)
	}
}

func TestDeliveryOfStaleRevisionKeepsNewerPayload(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock, nil)

	q.Enqueue(ctx, types.PendingRequest{Method: "PUT", URL: "https://shop.example/profile", Body: []byte("old")})
	due, _ := q.ListDue(ctx, clock.now)

	q.Enqueue(ctx, types.PendingRequest{Method: "PUT", URL: "https://shop.example/profile", Body: []byte("new")})

	disp, err := q.MarkAttempt(ctx, due[0], Attempt{Outcome: Delivered, StatusCode: 200})
	if err != nil {
		t.Fatalf("MarkAttempt failed: %v", err)
	}
	if disp != Superseded {
		t.Fatalf("Expected Superseded, got %s", disp)
	}

	remaining, _ := q.ListDue(ctx, clock.now)
	if len(remaining) != 1 || string(remaining[0].Body) != "new" {
		t.Fatalf("Expected newer payload to stay due, got %+v", remaining)
	}
}

func TestEnqueueExpiredEntry(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	var abandoned []types.AbandonedRequest
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock, func(o *Options) {
		o.EntryTTL = time.Hour
		o.OnAbandon = func(ab types.AbandonedRequest) { abandoned = append(abandoned, ab) }
	})

	first, _, _ := q.Enqueue(ctx, orderRequest("x"))
	clock.Advance(2 * time.Hour)
	second, coalesced, err := q.Enqueue(ctx, orderRequest("x"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if coalesced || second.ID == first.ID {
		t.Fatalf("Expired entry must be replaced by a fresh one: %+v", second)
	}
	if len(abandoned) != 1 || abandoned[0].Reason != types.ReasonExpired || abandoned[0].ID != first.ID {
		t.Fatalf("Expected expired notification, got %+v", abandoned)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("Expected one entry, got %d", n)
	}
}

func TestAbandonCancel(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), clock, nil)

	a, _, _ := q.Enqueue(ctx, orderRequest("a"))
	b, _, _ := q.Enqueue(ctx, orderRequest("b"))

	if _, err := q.Abandon(ctx, a.ID); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	clock.Advance(time.Second)
	ab, err := q.Abandon(ctx, b.ID)
	if err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if ab.Reason != types.ReasonCancelled {
		t.Fatalf("Expected cancelled, got %s", ab.Reason)
	}
	if _, err := q.Abandon(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	log, _ := q.ListAbandoned(ctx, 1)
	if len(log) != 1 || log[0].ID != b.ID {
		t.Fatalf("Expected newest abandoned first, got %+v", log)
	}
}

func TestMarkAttemptGone(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), newClock(), nil)

	queued, _, _ := q.Enqueue(ctx, orderRequest("x"))
	q.Abandon(ctx, queued.ID)

	disp, err := q.MarkAttempt(ctx, queued, Attempt{Outcome: Delivered})
	if err != nil || disp != Gone {
		t.Fatalf("Expected Gone, got %s (%v)", disp, err)
	}
}

func TestClosedQueue(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"), newClock(), nil)
	q.Close()

	if _, _, err := q.Enqueue(ctx, orderRequest("x")); err != ErrQueueClosed {
		t.Fatalf("Expected ErrQueueClosed, got %v", err)
	}
	if _, err := q.ListDue(ctx, time.Now()); err != ErrQueueClosed {
		t.Fatalf("Expected ErrQueueClosed, got %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		valid  bool
	}{
		{"Defaults", func(o *Options) {}, true},
		{"No path", func(o *Options) { o.Path = "" }, false},
		{"Bad policy", func(o *Options) { o.Policy.CeilingAttempts = 0 }, false},
		{"Negative TTL", func(o *Options) { o.EntryTTL = -time.Second }, false},
		{"No TTL", func(o *Options) { o.EntryTTL = 0 }, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			opts := DefaultOptions("q.db")
			test.mutate(&opts)
			err := opts.Validate()
			if test.valid && err != nil {
				t.Fatalf("Expected valid options, got %v", err)
			}
			if !test.valid && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNewReplayRequest(t *testing.T) {
	req := types.PendingRequest{
		Method:      "POST",
		URL:         "https://shop.example/orders",
		Headers:     map[string]string{"Content-Type": "application/json"},
		Body:        []byte(`{"sku":"A1"}`),
		Fingerprint: "abc123",
	}

	httpReq, err := NewReplayRequest(context.Background(), req, DefaultIdempotencyHeader)
	if err != nil {
		t.Fatalf("NewReplayRequest failed: %v", err)
	}
	if httpReq.Header.Get("Idempotency-Key") != "abc123" {
		t.Fatalf("Expected idempotency key, got %q", httpReq.Header.Get("Idempotency-Key"))
	}
	if httpReq.Header.Get("Content-Type") != "application/json" {
		t.Fatal("Headers must be restored")
	}
	body, _ := io.ReadAll(httpReq.Body)
	if string(body) != `{"sku":"A1"}` {
		t.Fatalf("Unexpected body %s", body)
	}

	bare, _ := NewReplayRequest(context.Background(), req, "")
	if bare.Header.Get("Idempotency-Key") != "" {
		t.Fatal("Empty header name must disable the idempotency key")
	}
}
