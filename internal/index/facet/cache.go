package facet

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long a cached facet universe is served
// when the index generation has not moved.
const DefaultCacheTTL = 30 * time.Second

// Cache is an optional Redis-backed store for serialized facet
// universes, keyed by the index generation that produced them so a
// write to the index invalidates the entry by moving the key. It is
// strictly best-effort: any Redis failure reads as a miss and the
// caller recomputes.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCache wraps an existing Redis client. A non-positive ttl falls
// back to DefaultCacheTTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl, prefix: "klask:facets"}
}

func (c *Cache) key(epoch uint64) string {
	return fmt.Sprintf("%s:%d", c.prefix, epoch)
}

// Get returns the cached payload for epoch, or false on a miss or any
// Redis error.
func (c *Cache) Get(ctx context.Context, epoch uint64) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.key(epoch)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores the payload for epoch with the cache's TTL. Errors are
// dropped; the next Get simply misses.
func (c *Cache) Put(ctx context.Context, epoch uint64, payload []byte) {
	_ = c.client.Set(ctx, c.key(epoch), payload, c.ttl).Err()
}
