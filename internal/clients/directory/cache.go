package directory

import (
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxCacheEntries bounds the ownership cache; the least recently used
// triple is evicted first
const maxCacheEntries = 10000

// Cache stores resolved ownership triples. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(key string) (domain.Ownership, bool)
	Set(key string, owner domain.Ownership)
}

// NoCache never stores anything; every lookup reaches the directory service
type NoCache struct{}

// Get always misses
func (NoCache) Get(string) (domain.Ownership, bool) { return domain.Ownership{}, false }

// Set discards the value
func (NoCache) Set(string, domain.Ownership) {}

// TTLCache keeps entries for a fixed time after they are stored
type TTLCache struct {
	lru *expirable.LRU[string, domain.Ownership]
}

// NewTTLCache creates a cache whose entries expire after ttl
func NewTTLCache(ttl time.Duration, size int) *TTLCache {
	return &TTLCache{lru: expirable.NewLRU[string, domain.Ownership](size, nil, ttl)}
}

// Get returns a live entry
func (c *TTLCache) Get(key string) (domain.Ownership, bool) {
	return c.lru.Get(key)
}

// Set stores an entry until the TTL elapses
func (c *TTLCache) Set(key string, owner domain.Ownership) {
	c.lru.Add(key, owner)
}

// Len returns the number of live entries
func (c *TTLCache) Len() int {
	return c.lru.Len()
}

// NewCache returns a TTL cache, or NoCache when ttl is not positive
func NewCache(ttl time.Duration) Cache {
	if ttl <= 0 {
		return NoCache{}
	}
	return NewTTLCache(ttl, maxCacheEntries)
}
