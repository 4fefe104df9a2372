// Package cache is the read-through cache for aggregate queries. One
// coarse group covers all agent-order aggregates: any index mutation
// invalidates the whole group. Staleness is additionally bounded by a
// short TTL so a missed invalidation ages out on its own.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// GroupAggregates covers all statistics and top-agent queries.
const GroupAggregates = "agent-order-aggregates"

// Store is the coordinator contract, injected rather than global so
// tests can isolate it.
type Store interface {
	Get(group, signature string) (any, bool)
	Set(group, signature string, value any, ttl time.Duration)
	InvalidateGroup(group string)
	Stats() (hits, misses uint64)
}

type entry struct {
	value    any
	deadline time.Time
}

// Coordinator implements Store over a bounded expirable LRU. Group
// invalidation is a version bump: stale entries become unreachable and
// fall off the LRU, which is cheaper than tracking per-key dependencies
// and correct under concurrent writers.
type Coordinator struct {
	lru        *expirable.LRU[string, entry]
	defaultTTL time.Duration

	mu       sync.Mutex
	versions map[string]*atomic.Uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New builds a coordinator holding at most size entries, each living at
// most defaultTTL (entries may request a shorter TTL, never a longer
// one — the LRU's hard expiry is the ceiling).
func New(size int, defaultTTL time.Duration) *Coordinator {
	return &Coordinator{
		lru:        expirable.NewLRU[string, entry](size, nil, defaultTTL),
		defaultTTL: defaultTTL,
		versions:   make(map[string]*atomic.Uint64),
	}
}

func (c *Coordinator) version(group string) *atomic.Uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.versions[group]
	if !ok {
		v = new(atomic.Uint64)
		c.versions[group] = v
	}
	return v
}

func (c *Coordinator) key(group, signature string) string {
	v := c.version(group).Load()
	return group + "@" + strconv.FormatUint(v, 10) + ":" + signature
}

// Get returns the cached value for the signature, if present, unexpired
// and written under the group's current version.
func (c *Coordinator) Get(group, signature string) (any, bool) {
	e, ok := c.lru.Get(c.key(group, signature))
	if !ok || time.Now().After(e.deadline) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores a value. A zero or oversized ttl is clamped to the default.
func (c *Coordinator) Set(group, signature string, value any, ttl time.Duration) {
	if ttl <= 0 || ttl > c.defaultTTL {
		ttl = c.defaultTTL
	}
	c.lru.Add(c.key(group, signature), entry{
		value:    value,
		deadline: time.Now().Add(ttl),
	})
}

// InvalidateGroup drops every entry in the group by bumping its
// version. Old entries expire out of the LRU unreferenced.
func (c *Coordinator) InvalidateGroup(group string) {
	c.version(group).Add(1)
}

// Stats returns lifetime hit and miss counts.
func (c *Coordinator) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Signature derives a deterministic cache key from query parameters.
func Signature(op string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(op))
	for _, p := range params {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
