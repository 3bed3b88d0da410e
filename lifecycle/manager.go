// Package lifecycle installs and activates cache versions. Install seeds
// the static cache of the current version; Activate deletes every cache of
// any other version.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/metrics"
	"github.com/huykn/offline-cache/router"
	"github.com/huykn/offline-cache/types"
)

// Event is a host lifecycle event.
type Event string

const (
	EventInstall  Event = "install"
	EventActivate Event = "activate"
)

var (
	// ErrInstallFailed is returned when a baseline resource cannot be cached.
	ErrInstallFailed = errors.New("install failed")

	// ErrUnknownEvent is returned by Handle for events it does not own.
	ErrUnknownEvent = errors.New("unknown lifecycle event")
)

// Options configures the manager.
type Options struct {
	// Precache lists the baseline static resources fetched on install.
	// Relative entries are resolved against BaseURL.
	Precache []string
	BaseURL  string

	// Concurrency bounds parallel fetches during install.
	Concurrency int

	Logger    cache.Logger
	DebugMode bool
	Metrics   *metrics.Metrics
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		Concurrency: 4,
		Logger:      cache.NewNoOpLogger(),
	}
}

// Manager runs install and activation for one version tag.
type Manager struct {
	store   *cache.VersionedStore
	client  *http.Client
	base    *url.URL
	logger  cache.Logger
	options Options
	metrics *metrics.Metrics
}

// NewManager creates a manager. client must reach the network directly.
func NewManager(store *cache.VersionedStore, client *http.Client, opts Options) (*Manager, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	m := &Manager{
		store:   store,
		client:  client,
		logger:  opts.Logger,
		options: opts,
		metrics: opts.Metrics,
	}
	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		m.base = base
	}
	return m, nil
}

// Tag returns the version tag the manager installs.
func (m *Manager) Tag() cache.VersionTag {
	return m.store.Tag()
}

// Handle runs the action of a lifecycle event.
func (m *Manager) Handle(ctx context.Context, ev Event) error {
	switch ev {
	case EventInstall:
		return m.Install(ctx, m.options.Precache)
	case EventActivate:
		_, err := m.Activate(ctx)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev)
	}
}

// Install fetches every URL and stores it in the static cache of the
// current version. Any failure fails the install.
func (m *Manager) Install(ctx context.Context, urls []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.options.Concurrency)

	targets := make([]string, 0, len(urls))
	for _, raw := range urls {
		target, err := m.resolve(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, raw, err)
		}
		targets = append(targets, target)
	}

	for _, target := range targets {
		g.Go(func() error {
			return m.precache(gctx, target)
		})
	}

	if err := g.Wait(); err != nil {
		m.logger.Error("Install: failed", "tag", m.Tag(), "error", err)
		return err
	}
	m.logger.Info("Install: baseline cached", "tag", m.Tag(), "resources", len(urls))
	return nil
}

func (m *Manager) precache(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, target, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, target,
			types.NewError(types.KindTransportFailure, "lifecycle.install", err))
	}
	snap, err := router.Snapshot(resp)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, target, err)
	}
	if snap.StatusCode < 200 || snap.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: status %d", ErrInstallFailed, target, snap.StatusCode)
	}

	fp, err := types.NewFingerprint(http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, target, err)
	}
	payload, err := router.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, target, err)
	}
	if !m.store.Save(ctx, cache.RoleStatic, fp, payload) {
		return fmt.Errorf("%w: %s: cache write failed", ErrInstallFailed, target)
	}
	if m.options.DebugMode {
		m.logger.Debug("Install: cached resource", "url", target, "bytes", len(snap.Body))
	}
	return nil
}

// Activate deletes every cache not tagged with the current version and
// returns the deleted names. The pending-request queue is not touched.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.store.Store().CacheNames(ctx)
	if err != nil {
		return nil, types.NewError(types.KindStorageFailure, "lifecycle.activate", err)
	}

	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if cache.IsCurrent(name, m.Tag()) {
			continue
		}
		if err := m.store.Store().DeleteCache(ctx, name); err != nil {
			m.logger.Warn("Activate: failed to delete cache", "cache", name, "error", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}

	m.metrics.RecordCachesDeleted(ctx, len(deleted))
	m.logger.Info("Activate: outdated caches deleted", "tag", m.Tag(), "deleted", deleted)
	if len(errs) > 0 {
		return deleted, types.NewError(types.KindStorageFailure, "lifecycle.activate", errors.Join(errs...))
	}
	return deleted, nil
}

func (m *Manager) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if m.base == nil {
		return "", errors.New("relative url without base url")
	}
	return m.base.ResolveReference(ref).String(), nil
}
