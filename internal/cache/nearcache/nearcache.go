// Package nearcache is the in-process layer of the Distributed Cache
// (spec.md's cache module): a bounded, TTL-expiring LRU that serves reads
// without a network round-trip and is purged on invalidation fan-out.
package nearcache

import (
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

func secondsToDuration(s int) time.Duration {
	if s <= 0 {
		s = 30
	}
	return time.Duration(s) * time.Second
}

// DefaultSize bounds the near-cache so a single hot conversation can't push
// a node's memory unbounded; eviction beyond this falls through to Redis.
const DefaultSize = 8192

type entry struct {
	value []byte
}

// Cache is a small wrapper around the generic expirable LRU, keyed by the
// same string keys the shared cache layer uses.
type Cache struct {
	lru *expirable.LRU[string, entry]
}

func New(size int, ttlSeconds int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{
		lru: expirable.NewLRU[string, entry](size, nil, secondsToDuration(ttlSeconds)),
	}
}

func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Set(key string, value []byte) {
	c.lru.Add(key, entry{value: value})
}

func (c *Cache) Delete(key string) {
	c.lru.Remove(key)
}

func (c *Cache) Purge() {
	c.lru.Purge()
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
