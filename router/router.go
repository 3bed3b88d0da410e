// Package router decides, per outgoing request, whether it is answered from
// the versioned cache, the network, or both. Router is an http.RoundTripper
// so it can be dropped into any http.Client.
package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/metrics"
	"github.com/huykn/offline-cache/types"
)

// HeaderCacheStatus marks responses served from the cache.
const HeaderCacheStatus = "X-Offline-Cache"

// Values of HeaderCacheStatus.
const (
	CacheStatusHit   = "hit"
	CacheStatusStale = "stale"
)

// Strategy is the handling chosen for one request.
type Strategy int

const (
	// PassThrough goes to the network untouched.
	PassThrough Strategy = iota
	// NetworkFirst tries the network and falls back to the data cache.
	NetworkFirst
	// CacheFirst answers from the static cache and fills it on a miss.
	CacheFirst
	// Mutation goes to the network and is queued on transport failure.
	Mutation
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case Mutation:
		return "mutation"
	default:
		return "pass-through"
	}
}

// Enqueuer durably stores a mutating request for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, req types.PendingRequest) (types.PendingRequest, bool, error)
}

// Options configures the router.
type Options struct {
	// Origin is the application origin, e.g. "https://app.example". Only
	// responses from it are stored by Cache-First. Empty accepts every
	// origin.
	Origin string

	// DataPrefixes are the path prefixes of data endpoints, which use
	// Network-First.
	DataPrefixes []string

	// FetchTimeout bounds a shared network fetch. It runs detached from
	// the caller that started it, so this is its only deadline.
	FetchTimeout time.Duration

	Logger    cache.Logger
	DebugMode bool
	Metrics   *metrics.Metrics
}

// DefaultOptions returns the default router options.
func DefaultOptions() Options {
	return Options{
		DataPrefixes: []string{"/api/"},
		FetchTimeout: 30 * time.Second,
		Logger:       cache.NewNoOpLogger(),
	}
}

// ErrInvalidConfig is returned when router options are invalid.
var ErrInvalidConfig = errors.New("invalid router configuration")

// Router is the cache router.
type Router struct {
	next     http.RoundTripper
	store    *cache.VersionedStore
	queue    Enqueuer
	origin   *url.URL
	prefixes []string
	logger   cache.Logger
	options  Options
	metrics  *metrics.Metrics
	flights  singleflight.Group

	// Cache writes run off the response path. pending holds the ones not
	// yet in the store so lookups see them; writeMu keeps them in order.
	writes  sync.WaitGroup
	writeMu sync.Mutex
	mu      sync.Mutex
	seq     uint64
	pending map[string]pendingWrite
}

type pendingWrite struct {
	snap types.ResponseSnapshot
	seq  uint64
}

// New creates a router sending network traffic through next (nil means
// http.DefaultTransport).
func New(next http.RoundTripper, store *cache.VersionedStore, queue Enqueuer, opts Options) (*Router, error) {
	if store == nil || queue == nil {
		return nil, ErrInvalidConfig
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultOptions().FetchTimeout
	}

	r := &Router{
		next:     next,
		store:    store,
		queue:    queue,
		prefixes: opts.DataPrefixes,
		logger:   opts.Logger,
		options:  opts,
		metrics:  opts.Metrics,
		pending:  make(map[string]pendingWrite),
	}
	if opts.Origin != "" {
		origin, err := url.Parse(opts.Origin)
		if err != nil || origin.Scheme == "" || origin.Host == "" {
			return nil, ErrInvalidConfig
		}
		r.origin = origin
	}
	return r, nil
}

// Classify returns the strategy for req.
func (r *Router) Classify(req *http.Request) Strategy {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		for _, prefix := range r.prefixes {
			if strings.HasPrefix(req.URL.Path, prefix) {
				return NetworkFirst
			}
		}
		return CacheFirst
	case http.MethodOptions, http.MethodTrace:
		return PassThrough
	default:
		return Mutation
	}
}

// RoundTrip implements http.RoundTripper.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	strategy := r.Classify(req)
	if r.options.DebugMode {
		r.logger.Debug("RoundTrip: routing request", "method", req.Method, "url", req.URL.String(), "strategy", strategy)
	}

	switch strategy {
	case NetworkFirst:
		return r.networkFirst(req)
	case CacheFirst:
		return r.cacheFirst(req)
	case Mutation:
		return r.mutation(req)
	default:
		r.metrics.RecordRouterRequest(req.Context(), strategy.String(), "network")
		return r.next.RoundTrip(req)
	}
}

func (r *Router) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	fp, err := types.NewFingerprint(req.Method, req.URL.String(), nil)
	if err != nil {
		return r.next.RoundTrip(req)
	}

	snap, err := r.fetch(req, fp, cache.RoleData, true)
	if err == nil {
		r.metrics.RecordRouterRequest(ctx, NetworkFirst.String(), "network")
		return NewResponse(req, snap, ""), nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	if stored, ok := r.lookup(ctx, cache.RoleData, fp); ok {
		r.logger.Info("NetworkFirst: network failed, serving stored response", "url", req.URL.String(), "error", err)
		r.metrics.RecordRouterRequest(ctx, NetworkFirst.String(), "stale")
		return NewResponse(req, stored, CacheStatusStale), nil
	}

	r.metrics.RecordRouterRequest(ctx, NetworkFirst.String(), "unavailable")
	return nil, &UnavailableError{Method: req.Method, URL: req.URL.String(), Err: err}
}

func (r *Router) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	fp, err := types.NewFingerprint(req.Method, req.URL.String(), nil)
	if err != nil {
		return r.next.RoundTrip(req)
	}

	if stored, ok := r.lookup(ctx, cache.RoleStatic, fp); ok {
		r.metrics.RecordRouterRequest(ctx, CacheFirst.String(), "hit")
		return NewResponse(req, stored, CacheStatusHit), nil
	}

	snap, err := r.fetch(req, fp, cache.RoleStatic, r.sameOrigin(req.URL))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		r.metrics.RecordRouterRequest(ctx, CacheFirst.String(), "unavailable")
		return nil, &UnavailableError{Method: req.Method, URL: req.URL.String(), Err: err}
	}

	r.metrics.RecordRouterRequest(ctx, CacheFirst.String(), "network")
	return NewResponse(req, snap, ""), nil
}

func (r *Router) mutation(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req = req.Clone(ctx)
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.ContentLength = int64(len(body))
	}

	resp, err := r.next.RoundTrip(req)
	if err == nil {
		r.metrics.RecordRouterRequest(ctx, Mutation.String(), "network")
		return resp, nil
	}
	if ctx.Err() != nil {
		// The caller gave up; that is not a connectivity failure.
		return nil, err
	}

	pending := types.PendingRequest{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: flattenHeader(req.Header),
		Body:    body,
	}
	queued, coalesced, qerr := r.queue.Enqueue(context.WithoutCancel(ctx), pending)
	if qerr != nil {
		r.logger.Error("Mutation: failed to queue request", "method", req.Method, "url", pending.URL, "error", qerr)
		r.metrics.RecordRouterRequest(ctx, Mutation.String(), "unavailable")
		return nil, &UnavailableError{Method: req.Method, URL: pending.URL, Err: errors.Join(err, qerr)}
	}

	r.logger.Info("Mutation: network failed, request queued", "id", queued.ID, "method", req.Method, "url", pending.URL, "coalesced", coalesced)
	r.metrics.RecordRouterRequest(ctx, Mutation.String(), "queued")
	r.metrics.RecordEnqueued(ctx, coalesced)
	return nil, &QueuedError{Request: queued, Coalesced: coalesced, Err: err}
}

// fetch performs one network request per fingerprint at a time; concurrent
// callers for the same fingerprint share its snapshot. The shared request is
// detached from the caller that started it, so a caller that gives up only
// stops waiting. With keep set, a successful snapshot is written to role in
// the background.
func (r *Router) fetch(req *http.Request, fp types.Fingerprint, role string, keep bool) (types.ResponseSnapshot, error) {
	ctx := req.Context()
	ch := r.flights.DoChan(fp.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.options.FetchTimeout)
		defer cancel()

		resp, err := r.next.RoundTrip(req.Clone(fctx))
		if err != nil {
			return types.ResponseSnapshot{}, types.NewError(types.KindTransportFailure, "router.fetch", err)
		}
		snap, err := Snapshot(resp)
		if err != nil {
			return types.ResponseSnapshot{}, err
		}
		if keep && isSuccess(snap.StatusCode) {
			r.saveAsync(role, fp, snap)
		}
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return types.ResponseSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Shared && r.options.DebugMode {
			r.logger.Debug("fetch: shared in-flight request", "url", req.URL.String())
		}
		if res.Err != nil {
			return types.ResponseSnapshot{}, res.Err
		}
		return res.Val.(types.ResponseSnapshot), nil
	}
}

func (r *Router) lookup(ctx context.Context, role string, fp types.Fingerprint) (types.ResponseSnapshot, bool) {
	r.mu.Lock()
	w, ok := r.pending[pendingKey(role, fp)]
	r.mu.Unlock()
	if ok {
		return w.snap, true
	}

	entry, ok := r.store.Lookup(ctx, role, fp)
	if !ok {
		return types.ResponseSnapshot{}, false
	}
	snap, err := DecodeSnapshot(entry.Payload)
	if err != nil {
		r.logger.Warn("lookup: discarding undecodable entry", "cache", entry.CacheName, "key", fp, "error", err)
		return types.ResponseSnapshot{}, false
	}
	return snap, true
}

// saveAsync makes snap visible to lookups at once and writes it to the store
// in the background. A write superseded by a newer one for the same key
// before it starts is skipped.
func (r *Router) saveAsync(role string, fp types.Fingerprint, snap types.ResponseSnapshot) {
	key := pendingKey(role, fp)
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.pending[key] = pendingWrite{snap: snap, seq: seq}
	r.mu.Unlock()

	r.writes.Add(1)
	go func() {
		defer r.writes.Done()
		r.writeMu.Lock()
		defer r.writeMu.Unlock()

		if !r.isLatest(key, seq) {
			return
		}
		r.save(context.Background(), role, fp, snap)

		r.mu.Lock()
		if cur, ok := r.pending[key]; ok && cur.seq == seq {
			delete(r.pending, key)
		}
		r.mu.Unlock()
	}()
}

func (r *Router) isLatest(key string, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.pending[key]
	return ok && cur.seq == seq
}

func (r *Router) save(ctx context.Context, role string, fp types.Fingerprint, snap types.ResponseSnapshot) {
	payload, err := EncodeSnapshot(snap)
	if err != nil {
		r.logger.Warn("save: failed to encode response", "key", fp, "error", err)
		return
	}
	r.store.Save(ctx, role, fp, payload)
}

// Wait blocks until every background cache write has finished. Call it
// before closing the underlying store.
func (r *Router) Wait() {
	r.writes.Wait()
}

func pendingKey(role string, fp types.Fingerprint) string {
	return role + " " + fp.String()
}

func (r *Router) sameOrigin(u *url.URL) bool {
	if r.origin == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, r.origin.Scheme) && strings.EqualFold(u.Host, r.origin.Host)
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
