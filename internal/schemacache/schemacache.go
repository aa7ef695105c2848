// Package schemacache caches the resolved schema/encryptedFieldsMap
// documents a caller would otherwise re-fetch from mongostore on every
// encrypt operation. The core deliberately declines to own this (spec
// Non-goals: "does not cache keys across operations" — schema caching
// is the caller's concern, not the broker's); this package is that
// caller-side concern, adapted from the teacher's internal/cache
// object-body cache with the same eviction shape.
package schemacache

import (
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Entry is a single cached schema document.
type Entry struct {
	Schema    bson.Raw
	ExpiresAt time.Time
}

// IsExpired reports whether the entry has outlived its TTL.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache caches namespace -> schema document lookups.
type Cache interface {
	Get(namespace string) (bson.Raw, bool)
	Set(namespace string, schema bson.Raw, ttl time.Duration) error
	Invalidate(namespace string)
	Clear()
	Stats() Stats
}

// Stats holds cache hit/miss/eviction counters.
type Stats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type memoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	maxItems   int
	defaultTTL time.Duration
	stats      Stats
}

// NewMemoryCache returns an in-memory Cache bounded to maxItems entries,
// each defaulting to defaultTTL unless Set is called with an explicit
// one.
func NewMemoryCache(maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:    make(map[string]*Entry),
		maxItems:   maxItems,
		defaultTTL: defaultTTL,
	}
}

func (c *memoryCache) Get(namespace string) (bson.Raw, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[namespace]
	if !ok || entry.IsExpired() {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return entry.Schema, true
}

func (c *memoryCache) Set(namespace string, schema bson.Raw, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()
	if len(c.entries) >= c.maxItems {
		if _, exists := c.entries[namespace]; !exists {
			if !c.evictOneLocked() {
				return fmt.Errorf("schemacache: full and unable to evict")
			}
		}
	}

	c.entries[namespace] = &Entry{Schema: schema, ExpiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *memoryCache) Invalidate(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, namespace)
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.stats = Stats{}
}

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Items = len(c.entries)
	return stats
}

func (c *memoryCache) evictExpiredLocked() {
	for ns, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, ns)
			c.stats.Evictions++
		}
	}
}

// evictOneLocked removes an arbitrary entry to make room. Go map
// iteration order is unspecified, so this is not an LRU; with a small,
// hot set of namespaces (the common case) it is good enough.
func (c *memoryCache) evictOneLocked() bool {
	for ns := range c.entries {
		delete(c.entries, ns)
		c.stats.Evictions++
		return true
	}
	return false
}
