// Package cache composes the near-cache (process-local, fast) and the
// shared Redis layer into the single Distributed Cache the rest of the
// module depends on, with NATS-backed invalidation fan-out so a write on
// one node doesn't leave stale entries in another node's near-cache.
//
// Every method here is fail-open: a Redis or NATS outage degrades the
// cache to "always miss" rather than failing the caller's operation.
// internal/ingest's participant check falls back to the store on a miss,
// so there fail-open only costs speed. internal/ratelimit has no store:
// it treats a miss as a fresh shared window and still applies its local
// token bucket.
package cache

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/cache/nearcache"
	"github.com/relaywire/core/internal/eventbus"
)

// Shared is the subset of the Redis adapter the distributed cache needs;
// named so it can be faked in tests without pulling in a real Redis client.
type Shared interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Bus is the subset of eventbus.Bus the cache needs for invalidation.
type Bus interface {
	PublishInvalidation(env eventbus.InvalidationEnvelope) error
	SubscribeInvalidation(handler func(eventbus.InvalidationEnvelope)) (*nats.Subscription, error)
}

type Cache struct {
	near   *nearcache.Cache
	shared Shared
	bus    Bus
	log    zerolog.Logger
}

func New(near *nearcache.Cache, shared Shared, bus Bus, log zerolog.Logger) *Cache {
	c := &Cache{near: near, shared: shared, bus: bus, log: log.With().Str("component", "cache").Logger()}
	if bus != nil {
		if _, err := bus.SubscribeInvalidation(c.onRemoteInvalidate); err != nil {
			c.log.Warn().Err(err).Msg("failed to subscribe to cache invalidation, near-cache may serve stale entries across nodes")
		}
	}
	return c
}

func (c *Cache) onRemoteInvalidate(env eventbus.InvalidationEnvelope) {
	c.near.Delete(env.Key)
}

// Get checks the near-cache first, then the shared layer. A Redis error is
// logged and treated as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.near.Get(key); ok {
		return v, true
	}
	if c.shared == nil {
		return nil, false
	}
	v, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("shared cache get failed, treating as miss")
		return nil, false
	}
	if ok {
		c.near.Set(key, v)
	}
	return v, ok
}

// Set writes through to the shared layer, updates the local near-cache
// immediately (no need to wait for our own invalidation envelope), and
// fans the invalidation out to every other node.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, nowMs int64) {
	c.near.Set(key, value)
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, value, ttl); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("shared cache set failed")
		}
	}
	c.publishInvalidation(key, nowMs)
}

func (c *Cache) Delete(ctx context.Context, key string, nowMs int64) {
	c.near.Delete(key)
	if c.shared != nil {
		if err := c.shared.Delete(ctx, key); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("shared cache delete failed")
		}
	}
	c.publishInvalidation(key, nowMs)
}

func (c *Cache) publishInvalidation(key string, nowMs int64) {
	if c.bus == nil {
		return
	}
	if err := c.bus.PublishInvalidation(eventbus.InvalidationEnvelope{Key: key, TSMs: nowMs}); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to publish cache invalidation")
	}
}
