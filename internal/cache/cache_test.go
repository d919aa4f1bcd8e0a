package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/cache/nearcache"
)

type fakeShared struct {
	data map[string][]byte
	err  error
}

func newFakeShared() *fakeShared { return &fakeShared{data: make(map[string][]byte)} }

func (f *fakeShared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeShared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.data[key] = value
	return nil
}

func (f *fakeShared) Delete(ctx context.Context, key string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.data, key)
	return nil
}

func newTestCache(shared Shared) *Cache {
	return New(nearcache.New(64, 30), shared, nil, zerolog.Nop())
}

func TestCacheSetThenGetHitsNearCache(t *testing.T) {
	shared := newFakeShared()
	c := newTestCache(shared)
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Minute, 0)

	v, ok := c.Get(ctx, "k1")
	if !ok || string(v) != "v1" {
		t.Fatalf("Get = %q, %v, want v1, true", v, ok)
	}
}

func TestCacheGetFallsThroughToShared(t *testing.T) {
	shared := newFakeShared()
	shared.data["k2"] = []byte("from-redis")
	c := newTestCache(shared)

	v, ok := c.Get(context.Background(), "k2")
	if !ok || string(v) != "from-redis" {
		t.Fatalf("Get = %q, %v, want from-redis, true", v, ok)
	}
	// Second read should now be served purely from the near-cache; flip the
	// shared layer to erroring to prove it.
	shared.err = errUnavailable
	v, ok = c.Get(context.Background(), "k2")
	if !ok || string(v) != "from-redis" {
		t.Fatalf("Get (cached) = %q, %v, want from-redis, true", v, ok)
	}
}

func TestCacheGetFailOpenOnSharedError(t *testing.T) {
	shared := newFakeShared()
	shared.err = errUnavailable
	c := newTestCache(shared)

	_, ok := c.Get(context.Background(), "missing")
	if ok {
		t.Fatal("expected miss when shared layer errors and near-cache is empty")
	}
}

func TestCacheDeletePurgesNearCache(t *testing.T) {
	shared := newFakeShared()
	c := newTestCache(shared)
	ctx := context.Background()

	c.Set(ctx, "k3", []byte("v3"), time.Minute, 0)
	c.Delete(ctx, "k3", 0)

	if _, ok := c.Get(ctx, "k3"); ok {
		t.Fatal("expected miss after delete")
	}
}

var errUnavailable = context.DeadlineExceeded
