// Package dedup remembers which mesh packets a node has already handled.
package dedup

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"firestige.xyz/loramesh/internal/core"
)

// DefaultCapacity bounds the number of remembered packets.
const DefaultCapacity = 1024

// Cache is a bounded set of (relay id, packet id) keys with per-entry expiry.
// When full, the oldest inserted entry is evicted first.
//
// A Cache is owned by a single goroutine (the relay engine) and is not safe
// for concurrent use.
type Cache struct {
	entries *simplelru.LRU[core.DedupKey, time.Time]
	clock   clock.Clock

	evictions uint64
	expired   uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// New creates a cache holding at most capacity entries.
func New(capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// simplelru.NewLRU only fails on a non-positive size.
	entries, _ := simplelru.NewLRU[core.DedupKey, time.Time](capacity, nil)
	c := &Cache{
		entries: entries,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seen reports whether the packet was marked and has not expired.
// Expired entries are purged on lookup.
func (c *Cache) Seen(relayID core.RelayID, packetID uint16) bool {
	key := core.DedupKey{RelayID: relayID, PacketID: packetID}
	// Peek does not touch recency, keeping eviction in insertion order.
	expiry, ok := c.entries.Peek(key)
	if !ok {
		return false
	}
	if !c.clock.Now().Before(expiry) {
		c.entries.Remove(key)
		c.expired++
		return false
	}
	return true
}

// Mark records the packet for ttl. Marking a live entry again is a no-op.
func (c *Cache) Mark(relayID core.RelayID, packetID uint16, ttl time.Duration) {
	if c.Seen(relayID, packetID) {
		return
	}
	key := core.DedupKey{RelayID: relayID, PacketID: packetID}
	if c.entries.Add(key, c.clock.Now().Add(ttl)) {
		c.evictions++
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, key := range c.entries.Keys() {
		expiry, ok := c.entries.Peek(key)
		if ok && !now.Before(expiry) {
			c.entries.Remove(key)
			removed++
		}
	}
	c.expired += uint64(removed)
	return removed
}

// Len returns the number of remembered packets, expired ones included until swept.
func (c *Cache) Len() int { return c.entries.Len() }

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{Entries: c.entries.Len(), Evictions: c.evictions, Expired: c.expired}
}
