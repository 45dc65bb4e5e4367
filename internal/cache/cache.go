// Package cache is a thin TTL cache with explicit invalidation, used for
// the product/component membership table and per-sprint aggregate blobs.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Cache struct {
	c *gocache.Cache
}

func New(ttl time.Duration) *Cache {
	return &Cache{c: gocache.New(ttl, 2*ttl)}
}

func (c *Cache) Get(key string) (any, bool) {
	return c.c.Get(key)
}

func (c *Cache) Set(key string, v any) {
	c.c.SetDefault(key, v)
}

func (c *Cache) Invalidate(key string) {
	c.c.Delete(key)
}

func (c *Cache) Flush() {
	c.c.Flush()
}
