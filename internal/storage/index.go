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
Key Index Implementation
========================

The Index maps every key to the location of its newest version: a WAL
segment offset for records not yet flushed, or a partition id for
records that live in a partition. It is derived state and is rebuilt
from the manifest's partitions and the WAL on every open.

Ordering:
=========

Every mutation carries its sequence number and is applied only when that
number is higher than the one already stored. Applying the same update
twice, or applying updates out of order, therefore converges on the same
result: the highest sequence wins, never the last arrival.

Flush and compaction move entries without changing their sequence. They
use Relocate, which only succeeds when the stored sequence still matches,
so a concurrent overwrite is never pointed back at an older file.

Sharding:
=========

Keys are spread over 32 shards by FNV-1a hash. Each shard has its own
RWMutex; there is no index-wide lock.
*/
package storage

import (
	"sync"
	"sync/atomic"
)

const indexShardCount = 32

// Location identifies where the newest version of a key is stored.
type Location struct {
	// Partition is the partition id, or 0 when the record is in the WAL.
	Partition uint64
	// Segment and Offset locate the record inside the WAL.
	Segment uint64
	Offset  int64
	// Seq is the sequence number of the version.
	Seq uint64
	// Tombstone marks a deleted key.
	Tombstone bool
}

// InWAL reports whether the location points into a WAL segment.
func (l Location) InWAL() bool {
	return l.Partition == 0
}

type indexShard struct {
	mu      sync.RWMutex
	entries map[string]Location
}

// Index is a sharded key to location map.
type Index struct {
	shards [indexShardCount]indexShard
	live   atomic.Int64
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	ix := &Index{}
	for i := range ix.shards {
		ix.shards[i].entries = make(map[string]Location)
	}
	return ix
}

func (ix *Index) shard(key []byte) *indexShard {
	// FNV-1a, inlined to avoid allocating a hash.Hash per lookup.
	h := uint32(2166136261)
	for _, c := range key {
		h ^= uint32(c)
		h *= 16777619
	}
	return &ix.shards[h%indexShardCount]
}

// Get returns the stored location, tombstones included.
func (ix *Index) Get(key []byte) (Location, bool) {
	s := ix.shard(key)
	s.mu.RLock()
	loc, ok := s.entries[string(key)]
	s.mu.RUnlock()
	return loc, ok
}

// Lookup returns the location of the key's live value. A key whose newest
// version is a tombstone is reported as absent.
func (ix *Index) Lookup(key []byte) (Location, bool) {
	loc, ok := ix.Get(key)
	if !ok || loc.Tombstone {
		return Location{}, false
	}
	return loc, true
}

// Update stores loc if its sequence is higher than the stored one and
// reports whether it did.
func (ix *Index) Update(key []byte, loc Location) bool {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[string(key)]
	if ok && cur.Seq >= loc.Seq {
		return false
	}
	s.entries[string(key)] = loc
	ix.adjustLive(ok && !cur.Tombstone, !loc.Tombstone)
	return true
}

// Remove records that key was deleted at seq, under the same ordering rule
// as Update.
func (ix *Index) Remove(key []byte, seq uint64) bool {
	return ix.Update(key, Location{Seq: seq, Tombstone: true})
}

// Relocate moves the entry for key to loc, provided the stored version is
// still seq. The sequence itself does not change.
func (ix *Index) Relocate(key []byte, seq uint64, loc Location) bool {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[string(key)]
	if !ok || cur.Seq != seq {
		return false
	}
	loc.Seq = seq
	loc.Tombstone = cur.Tombstone
	s.entries[string(key)] = loc
	return true
}

// Forget deletes the tombstone for key if it is still the version at seq.
func (ix *Index) Forget(key []byte, seq uint64) bool {
	s := ix.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[string(key)]
	if !ok || cur.Seq != seq || !cur.Tombstone {
		return false
	}
	delete(s.entries, string(key))
	return true
}

func (ix *Index) adjustLive(wasLive, isLive bool) {
	switch {
	case isLive && !wasLive:
		ix.live.Add(1)
	case wasLive && !isLive:
		ix.live.Add(-1)
	}
}

// Len returns the number of tracked keys, tombstones included.
func (ix *Index) Len() int {
	n := 0
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// LiveKeys returns the number of keys whose newest version is a value.
func (ix *Index) LiveKeys() int64 {
	return ix.live.Load()
}

// Range calls fn for every entry until fn returns false. Each shard is
// read-locked only while it is being visited.
func (ix *Index) Range(fn func(key string, loc Location) bool) {
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		for k, loc := range s.entries {
			if !fn(k, loc) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Load replaces the contents of ix with those of src, one shard at a time.
// src must not be used afterwards.
func (ix *Index) Load(src *Index) {
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.Lock()
		s.entries = src.shards[i].entries
		s.mu.Unlock()
	}
	ix.live.Store(src.live.Load())
}

// Reset drops every entry.
func (ix *Index) Reset() {
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.Lock()
		s.entries = make(map[string]Location)
		s.mu.Unlock()
	}
	ix.live.Store(0)
}
