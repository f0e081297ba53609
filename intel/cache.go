package intel

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheEntries bounds every client cache by entry count.
	DefaultCacheEntries = 10_000

	// DefaultGeoTTL applies to geolocation/ASN entries, which change rarely.
	DefaultGeoTTL = 24 * time.Hour

	// DefaultReputationTTL applies to reputation entries, which can change
	// as feeds update.
	DefaultReputationTTL = time.Hour
)

// cache is a bounded LRU with TTL eviction, keyed by canonical IP text.
// Hits are O(1) and do not consume rate-limit budget. The underlying LRU
// carries its own lock; callers never see the interior state.
type cache[V any] struct {
	lru *expirable.LRU[string, V]
}

func newCache[V any](entries int, ttl time.Duration) *cache[V] {
	return &cache[V]{lru: expirable.NewLRU[string, V](entries, nil, ttl)}
}

func (c *cache[V]) get(ip string) (V, bool) {
	return c.lru.Get(ip)
}

func (c *cache[V]) add(ip string, value V) {
	c.lru.Add(ip, value)
}

func (c *cache[V]) len() int {
	return c.lru.Len()
}
