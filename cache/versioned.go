package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/huykn/offline-cache/storage"
	"github.com/huykn/offline-cache/types"
)

// VersionTag identifies one deploy generation of the caches. Exactly one
// tag is current at any instant; caches tagged otherwise are garbage.
type VersionTag string

// Logical cache roles.
const (
	RoleStatic = "static"
	RoleData   = "data"
)

// Name returns the cache name for role under tag: "<role>-<tag>".
func Name(role string, tag VersionTag) string {
	return role + "-" + string(tag)
}

// IsCurrent reports whether cacheName carries exactly tag. Roles never
// contain a hyphen, so everything after the first one is the tag.
func IsCurrent(cacheName string, tag VersionTag) bool {
	role, rest, ok := strings.Cut(cacheName, "-")
	return ok && role != "" && tag != "" && rest == string(tag)
}

// NewStore creates the Store backend selected by opts.
func NewStore(opts Options) (Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	switch opts.Backend {
	case BackendRedis:
		return storage.NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.KeyPrefix)
	default:
		factory := opts.LocalCacheFactory
		if factory == nil {
			factory = NewLRUCacheFactory(opts.LocalCacheConfig.MaxSize)
		}
		return NewMemoryStore(factory), nil
	}
}

// VersionedStore reads and writes the caches of the current version.
// Lookups and saves are best-effort: failures are logged and counted, never
// returned to the serving path. It never deletes caches.
type VersionedStore struct {
	store   Store
	tag     VersionTag
	logger  Logger
	options Options
	now     func() time.Time
	stats   Stats
}

// NewVersionedStore binds store to tag.
func NewVersionedStore(store Store, tag VersionTag, opts Options) *VersionedStore {
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}
	if opts.ContextTimeout <= 0 {
		opts.ContextTimeout = DefaultOptions().ContextTimeout
	}
	return &VersionedStore{
		store:   store,
		tag:     tag,
		logger:  opts.Logger,
		options: opts,
		now:     time.Now,
	}
}

// Tag returns the current version tag.
func (vs *VersionedStore) Tag() VersionTag {
	return vs.tag
}

// Store returns the underlying backend.
func (vs *VersionedStore) Store() Store {
	return vs.store
}

// Lookup returns the entry for fp in the current cache of role.
func (vs *VersionedStore) Lookup(ctx context.Context, role string, fp types.Fingerprint) (types.CacheEntry, bool) {
	name := Name(role, vs.tag)
	if vs.options.DebugMode {
		vs.logger.Debug("Lookup: attempting to retrieve entry", "cache", name, "key", fp)
	}

	ctx, cancel := context.WithTimeout(ctx, vs.options.ContextTimeout)
	defer cancel()

	entry, err := vs.store.Get(ctx, name, fp.String())
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			atomic.AddInt64(&vs.stats.ReadFailures, 1)
			vs.reportError(err)
			vs.logger.Warn("Lookup: store read failed", "cache", name, "key", fp, "error", err)
		}
		atomic.AddInt64(&vs.stats.Misses, 1)
		if vs.options.DebugMode {
			vs.logger.Debug("Lookup: miss", "cache", name, "key", fp)
		}
		return types.CacheEntry{}, false
	}

	atomic.AddInt64(&vs.stats.Hits, 1)
	if vs.options.DebugMode {
		vs.logger.Debug("Lookup: hit", "cache", name, "key", fp)
	}
	return entry, true
}

// Save stores payload for fp in the current cache of role, replacing any
// previous entry. It reports whether the write succeeded.
func (vs *VersionedStore) Save(ctx context.Context, role string, fp types.Fingerprint, payload []byte) bool {
	entry := types.CacheEntry{
		Key:       fp,
		Payload:   payload,
		StoredAt:  vs.now(),
		CacheName: Name(role, vs.tag),
	}

	ctx, cancel := context.WithTimeout(ctx, vs.options.ContextTimeout)
	defer cancel()

	if err := vs.store.Put(ctx, entry); err != nil {
		atomic.AddInt64(&vs.stats.WriteFailures, 1)
		vs.reportError(err)
		vs.logger.Warn("Save: store write failed", "cache", entry.CacheName, "key", fp, "error", err)
		return false
	}

	atomic.AddInt64(&vs.stats.Writes, 1)
	if vs.options.DebugMode {
		vs.logger.Debug("Save: stored entry", "cache", entry.CacheName, "key", fp, "bytes", len(payload))
	}
	return true
}

// Stats returns store statistics.
func (vs *VersionedStore) Stats() Stats {
	return Stats{
		Hits:          atomic.LoadInt64(&vs.stats.Hits),
		Misses:        atomic.LoadInt64(&vs.stats.Misses),
		Writes:        atomic.LoadInt64(&vs.stats.Writes),
		ReadFailures:  atomic.LoadInt64(&vs.stats.ReadFailures),
		WriteFailures: atomic.LoadInt64(&vs.stats.WriteFailures),
	}
}

func (vs *VersionedStore) reportError(err error) {
	if vs.options.OnError != nil {
		vs.options.OnError(err)
	}
}
