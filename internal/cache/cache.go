/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package cache provides the read-path accelerators for KayDB: a sharded LRU
value cache and the per-partition Bloom filter.

Value Cache Overview:
=====================

The LRU holds recently read or written values so hot keys never touch disk.
It is purely an optimization; the index and the files remain the source of
truth. Each cached value carries the sequence number it was observed at,
which is what keeps the cache from ever answering with stale data:

  - Put is ignored when a newer sequence for the key is already cached
  - Deletes store a tombstone entry, so a known-absent key is also a hit
  - InvalidateBelow lets a reader drop what it just cached if a writer
    overtook it between the disk read and the cache fill

Sharding:
=========

Sharded spreads keys across independent LRUs, each behind its own mutex.
An eviction in one shard never blocks lookups in another.

	c := cache.NewSharded(cache.Config{Capacity: 10000, Shards: 16})
	c.Put("user:1", []byte("alice"), 42)
	if v, ok := c.Get("user:1"); ok && !v.Tombstone {
		use(v.Data)
	}
*/
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
)

// Config holds the configuration for the value cache.
type Config struct {
	// Capacity is the maximum number of cached keys across all shards.
	// When exceeded, the least recently used entries are evicted.
	Capacity int

	// Shards is the number of independent LRU partitions.
	Shards int

	// Enabled controls whether caching is active.
	Enabled bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity: 10000,
		Shards:   16,
		Enabled:  true,
	}
}

// Value is a cached lookup result.
type Value struct {
	Data      []byte
	Seq       uint64
	Tombstone bool
}

type entry struct {
	key     string
	value   Value
	element *list.Element
}

// LRU is a single least-recently-used cache. It is safe for concurrent use.
type LRU struct {
	capacity int

	mu    sync.Mutex
	items map[string]*entry
	lru   *list.List

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*entry),
		lru:      list.New(),
	}
}

// Get returns the cached value for key and marks it most recently used.
func (c *LRU) Get(key string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		return Value{}, false
	}
	c.lru.MoveToFront(e.element)
	c.hits++
	return e.value, true
}

// Put caches data for key at seq. It reports whether the value was stored;
// a put older than the cached sequence is dropped.
func (c *LRU) Put(key string, data []byte, seq uint64) bool {
	stored := make([]byte, len(data))
	copy(stored, data)
	return c.set(key, Value{Data: stored, Seq: seq})
}

// PutTombstone records that key was deleted at seq.
func (c *LRU) PutTombstone(key string, seq uint64) bool {
	return c.set(key, Value{Seq: seq, Tombstone: true})
}

func (c *LRU) set(key string, v Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		if e.value.Seq > v.Seq {
			return false
		}
		e.value = v
		c.lru.MoveToFront(e.element)
		return true
	}

	for len(c.items) >= c.capacity {
		c.evictOldest()
	}

	e := &entry{key: key, value: v}
	e.element = c.lru.PushFront(e)
	c.items[key] = e
	return true
}

// Invalidate removes key from the cache.
func (c *LRU) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.removeEntry(e)
	}
}

// InvalidateBelow removes key only if its cached sequence is lower than seq.
func (c *LRU) InvalidateBelow(key string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok && e.value.Seq < seq {
		c.removeEntry(e)
	}
}

// Purge clears the entire cache. Statistics are kept.
func (c *LRU) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry)
	c.lru = list.New()
}

// Len returns the number of cached entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// removeEntry removes an entry from the cache (must hold lock).
func (c *LRU) removeEntry(e *entry) {
	delete(c.items, e.key)
	c.lru.Remove(e.element)
}

// evictOldest removes the least recently used entry (must hold lock).
func (c *LRU) evictOldest() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	c.removeEntry(elem.Value.(*entry))
	c.evictions++
}

// Stats holds cache statistics.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Capacity  int
	HitRate   float64
}

// Stats returns current cache statistics.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.items),
		Capacity:  c.capacity,
		HitRate:   hitRate(c.hits, c.misses),
	}
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Sharded is a set of LRUs selected by key hash.
type Sharded struct {
	enabled bool
	shards  []*LRU
}

// NewSharded creates a sharded cache. Capacity is divided evenly between
// the shards, rounding up.
func NewSharded(config Config) *Sharded {
	if config.Shards <= 0 {
		config.Shards = 1
	}
	if config.Capacity < config.Shards {
		config.Capacity = config.Shards
	}
	per := (config.Capacity + config.Shards - 1) / config.Shards

	s := &Sharded{enabled: config.Enabled, shards: make([]*LRU, config.Shards)}
	for i := range s.shards {
		s.shards[i] = NewLRU(per)
	}
	return s
}

func (s *Sharded) shard(key string) *LRU {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Enabled reports whether the cache stores anything.
func (s *Sharded) Enabled() bool {
	return s.enabled
}

// Get returns the cached value for key.
func (s *Sharded) Get(key string) (Value, bool) {
	if !s.enabled {
		return Value{}, false
	}
	return s.shard(key).Get(key)
}

// Put caches data for key at seq.
func (s *Sharded) Put(key string, data []byte, seq uint64) bool {
	if !s.enabled {
		return false
	}
	return s.shard(key).Put(key, data, seq)
}

// PutTombstone records that key was deleted at seq.
func (s *Sharded) PutTombstone(key string, seq uint64) bool {
	if !s.enabled {
		return false
	}
	return s.shard(key).PutTombstone(key, seq)
}

// Invalidate removes key from the cache.
func (s *Sharded) Invalidate(key string) {
	s.shard(key).Invalidate(key)
}

// InvalidateBelow removes key if its cached sequence is lower than seq.
func (s *Sharded) InvalidateBelow(key string, seq uint64) {
	s.shard(key).InvalidateBelow(key, seq)
}

// Purge clears every shard.
func (s *Sharded) Purge() {
	for _, sh := range s.shards {
		sh.Purge()
	}
}

// Stats aggregates statistics across shards.
func (s *Sharded) Stats() Stats {
	var total Stats
	for _, sh := range s.shards {
		st := sh.Stats()
		total.Hits += st.Hits
		total.Misses += st.Misses
		total.Evictions += st.Evictions
		total.Entries += st.Entries
		total.Capacity += st.Capacity
	}
	total.HitRate = hitRate(total.Hits, total.Misses)
	return total
}
