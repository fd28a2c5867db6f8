// Package cache is the bounded in-memory result cache keyed by
// (repo, logical key, ledger version). Entries from superseded versions are
// purged on every commit; a lookup for one version can never observe a value
// stored under another.
package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Key identifies one cached value. Version is part of the key, so
// cross-version lookups are misses by construction.
type Key struct {
	Repo    string
	Logical string
	Version int64
}

type entry struct {
	value any
	bytes int64
}

// Stats is the counter snapshot returned by GetStats.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	EntryCount int   `json:"entryCount"`
	Bytes      int64 `json:"bytes"`
}

// Cache is an LRU bounded by both entry count and total value bytes.
type Cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[Key, entry]
	maxEntries int
	maxBytes   int64
	bytes      int64

	hits      int64
	misses    int64
	evictions int64
}

// New builds a cache with the given caps. maxEntries <= 0 defaults to 1024,
// maxBytes <= 0 defaults to 64 MiB.
func New(maxEntries int, maxBytes int64) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c := &Cache{maxEntries: maxEntries, maxBytes: maxBytes}
	lru, err := simplelru.NewLRU[Key, entry](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

// onEvict runs under c.mu (simplelru calls it synchronously from Add/Remove).
func (c *Cache) onEvict(_ Key, e entry) {
	c.bytes -= e.bytes
	c.evictions++
}

// Get returns the cached value for exactly this (repo, key, version); a hit
// refreshes recency.
func (c *Cache) Get(repo, logical string, version int64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(Key{Repo: repo, Logical: logical, Version: version})
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Has reports presence without counting as an access: recency is unchanged
// and the hit/miss counters do not move.
func (c *Cache) Has(repo, logical string, version int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lru.Peek(Key{Repo: repo, Logical: logical, Version: version})
	return ok
}

// Set stores a value with its estimated byte size and evicts LRU entries
// until both caps hold again.
func (c *Cache) Set(repo, logical string, version int64, value any, sizeBytes int64) {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := Key{Repo: repo, Logical: logical, Version: version}
	if old, ok := c.lru.Peek(k); ok {
		c.bytes -= old.bytes
	}
	c.lru.Add(k, entry{value: value, bytes: sizeBytes})
	c.bytes += sizeBytes

	for c.bytes > c.maxBytes && c.lru.Len() > 1 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// InvalidateVersion purges every entry stored under the given version. O(n)
// over resident entries; called once per commit.
func (c *Cache) InvalidateVersion(version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if k.Version == version {
			c.lru.Remove(k)
		}
	}
}

// InvalidateRepo purges every entry belonging to the repo.
func (c *Cache) InvalidateRepo(repo string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if k.Repo == repo {
			c.lru.Remove(k)
		}
	}
}

// Clear drops everything; counters are kept (use ResetStats for those).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
}

// GetStats returns a snapshot of the counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		EntryCount: c.lru.Len(),
		Bytes:      c.bytes,
	}
}

// ResetStats zeroes the counters without touching resident entries.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
}
