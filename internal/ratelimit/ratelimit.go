// Package ratelimit implements the per-(route, identifier) limiter from
// spec.md §4.F: a golang.org/x/time/rate token bucket per process, backed
// by a shared window counter in the Distributed Cache so a client spread
// across multiple nodes still sees one logical limit. The shared check is
// fail-open: any cache error just falls back to the local bucket, since a
// slightly generous limit beats rejecting legitimate traffic because Redis
// hiccuped.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaywire/core/internal/apperr"
)

// Rule configures the bucket for one route: Burst tokens, refilled at
// RatePerSecond.
type Rule struct {
	RatePerSecond float64
	Burst         int
	Window        time.Duration // shared-counter window, e.g. 1s
}

// SharedCache is the narrow surface ratelimit needs from internal/cache;
// named separately so tests can fake it without pulling in Redis/NATS.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, nowMs int64)
}

type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rules    map[string]Rule
	fallback Rule
	cache    SharedCache
}

func New(rules map[string]Rule, fallback Rule, cache SharedCache) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		rules:    rules,
		fallback: fallback,
		cache:    cache,
	}
}

func (l *Limiter) ruleFor(route string) Rule {
	if r, ok := l.rules[route]; ok {
		return r
	}
	return l.fallback
}

func (l *Limiter) bucket(route, identifier string) *rate.Limiter {
	key := route + "|" + identifier
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		r := l.ruleFor(route)
		b = rate.NewLimiter(rate.Limit(r.RatePerSecond), r.Burst)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether the call at nowMs is permitted. On rejection it
// returns an apperr.RateLimited error carrying a Retry-After estimate.
//
// The local per-process token bucket is checked first as the always-
// available fast path. When a shared cache is configured, the cross-node
// window counter is then checked too and is what actually bounds the
// aggregate rate across every node to the rule's configured
// RatePerSecond — the local bucket alone only bounds one process. A
// shared-cache miss or a cache that fails open (internal/cache's Get
// returns ok=false on a Redis error) is treated as the start of a fresh
// window, per spec.md §4.F's "local fast path may permit if cache is
// unreachable".
func (l *Limiter) Allow(ctx context.Context, route, identifier string, nowMs int64) error {
	r := l.ruleFor(route)
	if !l.bucket(route, identifier).Allow() {
		return apperr.RateLimitedErr("rate_limited", retryAfterSeconds(r))
	}
	if l.cache != nil && !l.allowShared(ctx, route, identifier, nowMs, r) {
		return apperr.RateLimitedErr("rate_limited", retryAfterSeconds(r))
	}
	return nil
}

func retryAfterSeconds(r Rule) int {
	if r.RatePerSecond > 0 {
		return int(1/r.RatePerSecond) + 1
	}
	return 1
}

// allowShared increments the shared window counter for (route, identifier)
// and reports whether the cross-node total for the current window is still
// within the rule's budget, closing the N-processes-behind-a-load-balancer
// gap a purely local bucket leaves open.
func (l *Limiter) allowShared(ctx context.Context, route, identifier string, nowMs int64, r Rule) bool {
	window := r.Window
	if window <= 0 {
		window = time.Second
	}
	bucketStart := nowMs - (nowMs % window.Milliseconds())
	key := fmt.Sprintf("ratelimit:%s:%s:%d", route, identifier, bucketStart)

	var count int64
	if v, ok := l.cache.Get(ctx, key); ok {
		count = decodeCount(v)
	}
	count++
	l.cache.Set(ctx, key, encodeCount(count), window, nowMs)

	return count <= sharedWindowLimit(r, window)
}

// sharedWindowLimit is the rule's budget for one window: RatePerSecond
// sustained over Window, e.g. 0.5 req/s over a 60s window is a 30/min cap.
func sharedWindowLimit(r Rule, window time.Duration) int64 {
	limit := int64(math.Round(r.RatePerSecond * window.Seconds()))
	if limit <= 0 {
		limit = 1
	}
	return limit
}

func encodeCount(n int64) []byte {
	return []byte(fmt.Sprintf("%d", n))
}

func decodeCount(b []byte) int64 {
	var n int64
	fmt.Sscanf(string(b), "%d", &n)
	return n
}
