package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/lifecycle"
	"github.com/huykn/offline-cache/metrics"
	"github.com/huykn/offline-cache/notify"
	"github.com/huykn/offline-cache/queue"
	"github.com/huykn/offline-cache/router"
	"github.com/huykn/offline-cache/storage"
	syncer "github.com/huykn/offline-cache/sync"
	"github.com/huykn/offline-cache/types"
)

// defaultAppRoot is the navigation root when no Origin is configured.
const defaultAppRoot = "http://localhost/"

// EventKind names a host event.
type EventKind string

const (
	EventInstall              EventKind = "install"
	EventActivate             EventKind = "activate"
	EventConnectivityRestored EventKind = "connectivity-restored"
	EventPeriodicSync         EventKind = "periodic-sync"
	EventPush                 EventKind = "push"
	EventNotificationAction   EventKind = "notification-action"
)

// Event is a host event delivered to Handle. Network interception is not
// an event: route requests through Transport instead.
type Event struct {
	Kind EventKind

	// Payload is the raw push message of EventPush.
	Payload []byte

	// AlertID and Action identify the user's choice of
	// EventNotificationAction.
	AlertID string
	Action  string
}

// Layer wires the cache store, the router, the pending-request queue, the
// sync orchestrator, the notification dispatcher and the lifecycle manager
// of one application version.
type Layer struct {
	config     Config
	logger     Logger
	metrics    *metrics.Metrics
	store      cache.Store
	versioned  *cache.VersionedStore
	queue      *queue.Queue
	router     *router.Router
	sync       *syncer.Orchestrator
	dispatcher *notify.Dispatcher
	hub        *notify.Hub
	lifecycle  *lifecycle.Manager
	signaler   *syncer.PubSubSignaler
	redis      *redis.Client
	ownsRedis  bool
	degraded   []error
	closed     int32
}

// New creates a layer. Only an invalid Config fails New: a cache store or
// queue that cannot be opened, or a signal subscription that cannot be
// confirmed, is reported through OnError and the layer runs degraded. See
// Degraded.
func New(cfg Config) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}

	l := &Layer{config: cfg, logger: cfg.Logger}
	if cfg.EnableMetrics {
		m, err := metrics.Default()
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		l.metrics = m
	}

	if err := l.init(); err != nil {
		l.Close()
		return nil, err
	}

	l.logger.Info("Offline layer started", "node", cfg.NodeID, "version", cfg.VersionTag, "backend", cfg.Backend, "queue", cfg.QueuePath)
	return l, nil
}

func (l *Layer) init() error {
	cfg := l.config
	storeOpts := cfg.storeOptions()

	store, err := cache.NewStore(storeOpts)
	if err != nil {
		l.degrade("open cache store", err)
		factory := storeOpts.LocalCacheFactory
		if factory == nil {
			factory = cache.NewLRUCacheFactory(storeOpts.LocalCacheConfig.MaxSize)
		}
		store = cache.NewMemoryStore(factory)
	}
	l.store = store
	l.versioned = cache.NewVersionedStore(store, cfg.VersionTag, storeOpts)

	var hubOrigins []string
	if u, err := url.Parse(cfg.Origin); err == nil && u.Host != "" {
		hubOrigins = append(hubOrigins, u.Host)
	}
	l.hub = notify.NewHub(cfg.Logger, hubOrigins...)
	presenters := notify.Fanout{notify.NewLogPresenter(cfg.Logger), l.hub}
	if cfg.Presenter != nil {
		presenters = append(presenters, presenterNavigator{cfg.Presenter})
	}
	appRoot := cfg.Origin
	if appRoot == "" {
		appRoot = defaultAppRoot
	}
	notifyOpts := notify.DefaultOptions(appRoot)
	notifyOpts.MaxAlerts = cfg.MaxAlerts
	notifyOpts.Logger = cfg.Logger
	notifyOpts.DebugMode = cfg.DebugMode
	notifyOpts.Metrics = l.metrics
	l.dispatcher, err = notify.NewDispatcher(presenters, presenters, notifyOpts)
	if err != nil {
		return err
	}
	l.hub.OnAction(func(ctx context.Context, alertID, action string) {
		if _, err := l.dispatcher.Select(ctx, alertID, action); err != nil {
			l.logger.Warn("Notification action failed", "alert", alertID, "action", action, "error", err)
		}
	})

	queueOpts := queue.DefaultOptions(cfg.QueuePath)
	queueOpts.Policy = cfg.Retry
	queueOpts.EntryTTL = cfg.EntryTTL
	queueOpts.IdempotencyHeader = cfg.IdempotencyHeader
	queueOpts.OnAbandon = l.onAbandon
	queueOpts.Logger = cfg.Logger
	queueOpts.DebugMode = cfg.DebugMode
	var pending queueBackend
	l.queue, err = queue.Open(queueOpts)
	if err != nil {
		l.degrade("open queue", err)
		l.queue = nil
		pending = storageDown{err: err}
	} else {
		pending = l.queue
	}

	routerOpts := router.DefaultOptions()
	routerOpts.Origin = cfg.Origin
	if cfg.DataPrefixes != nil {
		routerOpts.DataPrefixes = cfg.DataPrefixes
	}
	routerOpts.Logger = cfg.Logger
	routerOpts.DebugMode = cfg.DebugMode
	routerOpts.Metrics = l.metrics
	l.router, err = router.New(cfg.Transport, l.versioned, pending, routerOpts)
	if err != nil {
		return err
	}

	syncOpts := syncer.DefaultOptions()
	syncOpts.AttemptTimeout = cfg.AttemptTimeout
	syncOpts.Interval = cfg.SyncInterval
	syncOpts.IdempotencyHeader = cfg.IdempotencyHeader
	syncOpts.Logger = cfg.Logger
	syncOpts.DebugMode = cfg.DebugMode
	syncOpts.Metrics = l.metrics
	syncOpts.OnError = cfg.OnError
	l.sync, err = syncer.New(cfg.Transport, pending, syncOpts)
	if err != nil {
		return err
	}

	lifecycleOpts := lifecycle.DefaultOptions()
	lifecycleOpts.Precache = cfg.Precache
	lifecycleOpts.BaseURL = cfg.Origin
	if cfg.InstallConcurrency > 0 {
		lifecycleOpts.Concurrency = cfg.InstallConcurrency
	}
	lifecycleOpts.Logger = cfg.Logger
	lifecycleOpts.DebugMode = cfg.DebugMode
	lifecycleOpts.Metrics = l.metrics
	l.lifecycle, err = lifecycle.NewManager(l.versioned, &http.Client{Transport: cfg.Transport}, lifecycleOpts)
	if err != nil {
		return err
	}

	if cfg.SignalChannel != "" {
		if err := l.subscribe(); err != nil {
			l.degrade("subscribe to sync signals", err)
		}
	}
	return nil
}

// degrade records a startup failure the layer can run without.
func (l *Layer) degrade(op string, err error) {
	err = fmt.Errorf("%s: %w", op, err)
	l.degraded = append(l.degraded, err)
	l.logger.Error("Offline layer degraded", "op", op, "error", err)
	if l.config.OnError != nil {
		l.config.OnError(err)
	}
}

// Degraded returns the startup failures the layer is running without, or
// nil. Without a cache store responses are cached in memory only; without
// a queue, mutations that cannot reach the network fail with
// ErrUnavailable; without a signal subscription, sync runs on the local
// interval only.
func (l *Layer) Degraded() error {
	return errors.Join(l.degraded...)
}

// subscribe shares sync signals with the other processes on SignalChannel,
// reusing the store's Redis client when the store is Redis-backed.
func (l *Layer) subscribe() error {
	cfg := l.config
	if rs, ok := l.store.(*storage.RedisStore); ok {
		l.redis = rs.GetClient()
	} else {
		l.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		l.ownsRedis = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ContextTimeout)
	defer cancel()

	signaler := syncer.NewPubSubSignaler(l.redis, cfg.SignalChannel, cfg.NodeID)
	if err := signaler.Subscribe(ctx); err != nil {
		signaler.Close()
		return fmt.Errorf("%w: %w", ErrRedisConnection, err)
	}
	l.signaler = signaler
	l.sync.Attach(l.signaler)
	return nil
}

func (l *Layer) onAbandon(ab types.AbandonedRequest) {
	ctx := context.Background()
	l.metrics.RecordAbandoned(ctx, string(ab.Reason))
	if _, err := l.dispatcher.NotifyAbandoned(ctx, ab); err != nil {
		l.logger.Warn("Failed to notify abandoned request", "id", ab.ID, "error", err)
	}
}

// Transport returns the router; requests sent through it are served by
// the caching strategies and queued when a mutation cannot reach the
// network.
func (l *Layer) Transport() http.RoundTripper {
	return l.router
}

// HTTPClient returns a client using Transport.
func (l *Layer) HTTPClient() *http.Client {
	return &http.Client{Transport: l.router}
}

// Handle delivers a host event.
func (l *Layer) Handle(ctx context.Context, ev Event) error {
	if atomic.LoadInt32(&l.closed) != 0 {
		return ErrLayerClosed
	}

	switch ev.Kind {
	case EventInstall:
		return l.lifecycle.Handle(ctx, lifecycle.EventInstall)
	case EventActivate:
		return l.lifecycle.Handle(ctx, lifecycle.EventActivate)
	case EventConnectivityRestored, EventPeriodicSync:
		_, err := l.Sync(ctx, syncer.SignalKind(ev.Kind))
		return err
	case EventPush:
		_, err := l.dispatcher.Push(ctx, ev.Payload)
		return err
	case EventNotificationAction:
		_, err := l.dispatcher.Select(ctx, ev.AlertID, ev.Action)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
}

// Sync drains the queue now. A connectivity-restored signal is also
// published to the other processes. A drain already in progress is not an
// error; the zero report is returned.
func (l *Layer) Sync(ctx context.Context, kind syncer.SignalKind) (Report, error) {
	if kind == syncer.SignalConnectivityRestored && l.signaler != nil {
		if err := l.signaler.Publish(ctx, syncer.Signal{Kind: kind}); err != nil {
			l.logger.Warn("Failed to publish sync signal", "error", err)
		}
	}

	report, err := l.sync.Drain(ctx)
	if errors.Is(err, syncer.ErrAlreadyDraining) {
		return Report{}, nil
	}
	return report, err
}

// Abandon cancels the pending request id. Its abandoned record is
// announced like any other terminal outcome.
func (l *Layer) Abandon(ctx context.Context, id string) (AbandonedRequest, error) {
	if atomic.LoadInt32(&l.closed) != 0 {
		return AbandonedRequest{}, ErrLayerClosed
	}
	if l.queue == nil {
		return AbandonedRequest{}, ErrNoQueue
	}
	return l.queue.Abandon(ctx, id)
}

// Run drains the queue on every signal and sync interval until ctx is done.
func (l *Layer) Run(ctx context.Context) error {
	return l.sync.Run(ctx)
}

// Queue returns the pending-request queue, or nil when it could not be
// opened.
func (l *Layer) Queue() *queue.Queue {
	return l.queue
}

// Store returns the versioned cache store.
func (l *Layer) Store() *cache.VersionedStore {
	return l.versioned
}

// Dispatcher returns the notification dispatcher.
func (l *Layer) Dispatcher() *notify.Dispatcher {
	return l.dispatcher
}

// Hub returns the websocket notification hub.
func (l *Layer) Hub() *notify.Hub {
	return l.hub
}

// Lifecycle returns the lifecycle manager.
func (l *Layer) Lifecycle() *lifecycle.Manager {
	return l.lifecycle
}

// Orchestrator returns the sync orchestrator.
func (l *Layer) Orchestrator() *syncer.Orchestrator {
	return l.sync
}

// Close releases the layer.
func (l *Layer) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}

	var errs []error
	if l.router != nil {
		l.router.Wait()
	}
	if l.signaler != nil {
		errs = append(errs, l.signaler.Close())
	}
	if l.redis != nil && l.ownsRedis {
		errs = append(errs, l.redis.Close())
	}
	if l.hub != nil {
		errs = append(errs, l.hub.Close())
	}
	if l.queue != nil {
		errs = append(errs, l.queue.Close())
	}
	if l.store != nil {
		errs = append(errs, l.store.Close())
	}
	return errors.Join(errs...)
}

// presenterNavigator lets a plain Presenter join the fanout.
type presenterNavigator struct {
	Presenter
}

func (presenterNavigator) Navigate(ctx context.Context, target string) error {
	return nil
}

// queueBackend is what the router and the orchestrator need from the queue.
type queueBackend interface {
	router.Enqueuer
	syncer.Queue
}

// storageDown stands in for a queue that could not be opened. Nothing is
// queued and there is nothing to replay.
type storageDown struct {
	err error
}

func (s storageDown) Enqueue(ctx context.Context, req types.PendingRequest) (types.PendingRequest, bool, error) {
	return types.PendingRequest{}, false, types.NewError(types.KindStorageFailure, "queue.Enqueue", s.err)
}

func (storageDown) ListDue(ctx context.Context, now time.Time) ([]types.PendingRequest, error) {
	return nil, nil
}

func (s storageDown) MarkAttempt(ctx context.Context, req types.PendingRequest, attempt queue.Attempt) (queue.Disposition, error) {
	return queue.Rescheduled, types.NewError(types.KindStorageFailure, "queue.MarkAttempt", s.err)
}
