package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cacheTTL bounds how stale a cached routing pointer read may be. This is
// strictly a latency optimization: the cache is never the source of truth,
// and every miss or Redis error falls through to the underlying Store.
const cacheTTL = 3 * time.Second

// CachedStore wraps a Store with a Redis read-through cache in front of
// Read/ReadFirst, per spec §1's "read-through ... with staleness fallback"
// framing applied to the store's own reads (the gateway's staleness
// fallback across last-known-good is a separate, higher-level concern
// implemented in pkg/gateway).
type CachedStore struct {
	Store
	rdb *redis.Client
	log *zap.Logger
}

// NewCachedStore builds a CachedStore. If rdb is nil the cache is a no-op
// pass-through, so callers can wire this unconditionally and let
// config.RedisEnabled decide whether a client was constructed at all.
func NewCachedStore(inner Store, rdb *redis.Client, log *zap.Logger) *CachedStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedStore{Store: inner, rdb: rdb, log: log}
}

func (c *CachedStore) Read(ctx context.Context, key string) (json.RawMessage, error) {
	if c.rdb == nil {
		return c.Store.Read(ctx, key)
	}

	cacheKey := "sandboxwatchdog:" + key
	if cached, err := c.rdb.Get(ctx, cacheKey).Bytes(); err == nil {
		return json.RawMessage(cached), nil
	} else if err != redis.Nil {
		c.log.Warn("redis read-through cache unavailable, falling back to store", zap.Error(err), zap.String("key", key))
	}

	v, err := c.Store.Read(ctx, key)
	if err != nil || v == nil {
		return v, err
	}

	if err := c.rdb.Set(ctx, cacheKey, []byte(v), cacheTTL).Err(); err != nil {
		c.log.Warn("failed to populate read-through cache", zap.Error(err), zap.String("key", key))
	}
	return v, nil
}

func (c *CachedStore) ReadFirst(ctx context.Context, keys ...string) (json.RawMessage, error) {
	var lastErr error
	for _, k := range keys {
		v, err := c.Read(ctx, k)
		if err != nil {
			lastErr = err
			continue
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, lastErr
}

// Apply always goes straight to the underlying store and invalidates any
// cached routing pointers it touched, so a promotion is never masked by a
// stale cache entry for up to cacheTTL.
func (c *CachedStore) Apply(ctx context.Context, ops ...Op) error {
	if err := c.Store.Apply(ctx, ops...); err != nil {
		return err
	}
	if c.rdb == nil {
		return nil
	}
	for _, op := range ops {
		if err := c.rdb.Del(ctx, "sandboxwatchdog:"+op.Key).Err(); err != nil {
			c.log.Warn("failed to invalidate cache entry", zap.Error(err), zap.String("key", op.Key))
		}
	}
	return nil
}
