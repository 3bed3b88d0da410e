// Package sync drains the pending-request queue when connectivity returns.
// The Orchestrator is either Idle or Draining; one drain cycle runs at a
// time and a trigger that arrives during a cycle is refused, not stacked.
package sync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/metrics"
	"github.com/huykn/offline-cache/queue"
	"github.com/huykn/offline-cache/types"
)

// State is the orchestrator state.
type State int32

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

var (
	// ErrAlreadyDraining is returned by Drain while a cycle is running.
	ErrAlreadyDraining = errors.New("drain already in progress")

	// ErrInvalidConfig is returned when orchestrator options are invalid.
	ErrInvalidConfig = errors.New("invalid orchestrator configuration")
)

// Queue is the part of the pending-request queue the orchestrator uses.
type Queue interface {
	ListDue(ctx context.Context, now time.Time) ([]types.PendingRequest, error)
	MarkAttempt(ctx context.Context, req types.PendingRequest, attempt queue.Attempt) (queue.Disposition, error)
}

// Report summarizes one drain cycle.
type Report struct {
	Attempted  int
	Delivered  int
	Retried    int
	Abandoned  int
	Superseded int
	Duration   time.Duration
}

// Options configures the orchestrator.
type Options struct {
	// AttemptTimeout bounds a single delivery.
	AttemptTimeout time.Duration

	// Interval raises a periodic-sync signal in Run. Zero disables it.
	Interval time.Duration

	// IdempotencyHeader carries the fingerprint on replay. Empty disables it.
	IdempotencyHeader string

	Logger    cache.Logger
	DebugMode bool
	Metrics   *metrics.Metrics

	// OnError is called for queue failures during a drain.
	OnError func(error)

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultOptions returns the default orchestrator options.
func DefaultOptions() Options {
	return Options{
		AttemptTimeout:    30 * time.Second,
		Interval:          time.Minute,
		IdempotencyHeader: queue.DefaultIdempotencyHeader,
		Logger:            cache.NewNoOpLogger(),
	}
}

// Orchestrator replays queued requests.
type Orchestrator struct {
	transport http.RoundTripper
	queue     Queue
	options   Options
	logger    cache.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	state     int32
	signals   chan Signal
}

// New creates an orchestrator delivering through transport. transport must
// reach the network directly, never through the cache router.
func New(transport http.RoundTripper, q Queue, opts Options) (*Orchestrator, error) {
	if q == nil || opts.AttemptTimeout <= 0 || opts.Interval < 0 {
		return nil, ErrInvalidConfig
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		transport: transport,
		queue:     q,
		options:   opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       now,
		signals:   make(chan Signal, 1),
	}, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(atomic.LoadInt32(&o.state))
}

// Notify queues a drain trigger for Run. Triggers that arrive while one is
// already pending are merged.
func (o *Orchestrator) Notify(sig Signal) {
	if sig.At.IsZero() {
		sig.At = o.now()
	}
	select {
	case o.signals <- sig:
	default:
	}
}

// Attach routes the signals of src to Notify.
func (o *Orchestrator) Attach(src SignalSource) {
	src.OnSignal(o.Notify)
}

// Run handles signals until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if o.options.Interval > 0 {
		ticker := time.NewTicker(o.options.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-o.signals:
			o.handle(ctx, sig)
		case at := <-tick:
			o.handle(ctx, Signal{Kind: SignalPeriodicSync, At: at})
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, sig Signal) {
	if o.options.DebugMode {
		o.logger.Debug("Run: drain triggered", "signal", sig.Kind, "sender", sig.Sender)
	}
	report, err := o.Drain(ctx)
	switch {
	case errors.Is(err, ErrAlreadyDraining):
		o.logger.Debug("Run: trigger ignored, drain in progress", "signal", sig.Kind)
	case err != nil && !errors.Is(err, context.Canceled):
		o.logger.Warn("Run: drain failed", "signal", sig.Kind, "error", err)
	case report.Attempted > 0:
		o.logger.Info("Run: drain finished", "signal", sig.Kind,
			"attempted", report.Attempted, "delivered", report.Delivered,
			"retried", report.Retried, "abandoned", report.Abandoned)
	}
}

// Drain runs one drain cycle over the entries due now, oldest first.
// Cancelling ctx stops the cycle between entries; an attempt already in
// flight completes and is recorded.
func (o *Orchestrator) Drain(ctx context.Context) (Report, error) {
	if !atomic.CompareAndSwapInt32(&o.state, int32(Idle), int32(Draining)) {
		return Report{}, ErrAlreadyDraining
	}
	defer atomic.StoreInt32(&o.state, int32(Idle))

	start := o.now()
	var report Report
	defer func() {
		report.Duration = o.now().Sub(start)
		o.metrics.RecordDrainDuration(ctx, report.Duration)
	}()

	due, err := o.queue.ListDue(ctx, start)
	if err != nil {
		o.reportError(err)
		return report, err
	}

	for _, req := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		attempt := o.deliver(ctx, req)
		report.Attempted++

		disposition, err := o.queue.MarkAttempt(context.WithoutCancel(ctx), req, attempt)
		if err != nil {
			o.logger.Error("Drain: failed to record attempt", "id", req.ID, "outcome", attempt.Outcome, "error", err)
			o.reportError(err)
			continue
		}
		o.metrics.RecordSyncAttempt(ctx, attempt.Outcome.String())

		switch disposition {
		case queue.Removed:
			report.Delivered++
		case queue.Rescheduled:
			report.Retried++
		case queue.Abandoned:
			report.Abandoned++
		case queue.Superseded:
			report.Superseded++
		}
		if o.options.DebugMode {
			o.logger.Debug("Drain: attempt recorded", "id", req.ID, "outcome", attempt.Outcome, "status", attempt.StatusCode, "disposition", disposition)
		}
	}
	return report, nil
}

// deliver replays req once. The attempt is detached from ctx's
// cancellation and bounded by AttemptTimeout.
func (o *Orchestrator) deliver(ctx context.Context, req types.PendingRequest) queue.Attempt {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.options.AttemptTimeout)
	defer cancel()

	httpReq, err := queue.NewReplayRequest(actx, req, o.options.IdempotencyHeader)
	if err != nil {
		return queue.Attempt{Outcome: queue.Rejected, Err: err}
	}

	resp, err := o.transport.RoundTrip(httpReq)
	if err != nil {
		return queue.Attempt{
			Outcome: queue.Retryable,
			Err:     types.NewError(types.KindTransportFailure, "sync.deliver", err),
		}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	return Classify(resp.StatusCode)
}

// Classify maps a response status to an attempt outcome: 4xx is rejected,
// 5xx is retryable and anything else is delivered.
func Classify(status int) queue.Attempt {
	switch kind := types.ClassifyStatus(status); kind {
	case types.KindApplicationRejection:
		return queue.Attempt{Outcome: queue.Rejected, StatusCode: status,
			Err: &types.Error{Kind: kind, Op: "sync.deliver", StatusCode: status}}
	case types.KindApplicationServerError:
		return queue.Attempt{Outcome: queue.Retryable, StatusCode: status,
			Err: &types.Error{Kind: kind, Op: "sync.deliver", StatusCode: status}}
	default:
		return queue.Attempt{Outcome: queue.Delivered, StatusCode: status}
	}
}

func (o *Orchestrator) reportError(err error) {
	if o.options.OnError != nil {
		o.options.OnError(err)
	}
}
