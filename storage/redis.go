package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/offline-cache/types"
)

// RedisStore keeps named caches in Redis. Each cache is one hash
// "<prefix>:cache:<name>" mapping fingerprint to encoded entry, and the set
// "<prefix>:caches" indexes the cache names.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	serializer Serializer
}

// NewRedisStore creates a new Redis-based store.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		serializer: NewJSONSerializer(),
	}
}

func (rs *RedisStore) cacheKey(name string) string {
	return rs.prefix + ":cache:" + name
}

func (rs *RedisStore) indexKey() string {
	return rs.prefix + ":caches"
}

// Get retrieves the entry for key in the named cache.
func (rs *RedisStore) Get(ctx context.Context, cacheName, key string) (types.CacheEntry, error) {
	val, err := rs.client.HGet(ctx, rs.cacheKey(cacheName), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.CacheEntry{}, ErrNotFound
		}
		return types.CacheEntry{}, err
	}
	return DecodeEntry(rs.serializer, val)
}

// Put stores entry in its named cache, replacing any entry with the same key.
func (rs *RedisStore) Put(ctx context.Context, entry types.CacheEntry) error {
	data, err := EncodeEntry(rs.serializer, entry)
	if err != nil {
		return err
	}

	pipe := rs.client.TxPipeline()
	pipe.HSet(ctx, rs.cacheKey(entry.CacheName), entry.Key.String(), data)
	pipe.SAdd(ctx, rs.indexKey(), entry.CacheName)
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes one entry from the named cache.
func (rs *RedisStore) Delete(ctx context.Context, cacheName, key string) error {
	return rs.client.HDel(ctx, rs.cacheKey(cacheName), key).Err()
}

// CacheNames lists every cache that currently exists, sorted.
func (rs *RedisStore) CacheNames(ctx context.Context) ([]string, error) {
	names, err := rs.client.SMembers(ctx, rs.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// DeleteCache removes a whole named cache.
func (rs *RedisStore) DeleteCache(ctx context.Context, cacheName string) error {
	pipe := rs.client.TxPipeline()
	pipe.Del(ctx, rs.cacheKey(cacheName))
	pipe.SRem(ctx, rs.indexKey(), cacheName)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

// GetClient returns the underlying Redis client.
func (rs *RedisStore) GetClient() *redis.Client {
	return rs.client
}

// ErrNotFound is returned when a key is not found.
var ErrNotFound = types.ErrNotFound
