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
Package metrics holds the counters and gauges a KayDB engine exposes.

METRIC CATEGORIES:
==================
- Operations: reads, writes, deletes, with latency sum and maximum
- Cache: hits, misses, evictions, bloom-filter negatives
- Storage: WAL size, partition count, flushes, compactions, bytes reclaimed
- Replication: last applied sequence, lag, leader flag, quorum timeouts

EXPORT:
=======
The engine only records values. Rendering them in an exporter format is
left to the caller, who reads them through Snapshot:

	snap := engine.Metrics().Snapshot()
	fmt.Println(snap.ReadLatencyAvg, snap.CacheHitRate)
*/
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics holds all engine metrics. The zero value is ready to use and all
// methods are safe for concurrent use.
type Metrics struct {
	// Operation metrics
	Reads        atomic.Uint64
	Writes       atomic.Uint64
	Deletes      atomic.Uint64
	ReadErrors   atomic.Uint64
	WriteErrors  atomic.Uint64
	ReadLatency  latency
	WriteLatency latency

	// Cache metrics
	CacheHits      atomic.Uint64
	CacheMisses    atomic.Uint64
	BloomNegatives atomic.Uint64

	// Storage metrics (sizes in bytes)
	WALSize          atomic.Int64
	Partitions       atomic.Int64
	Flushes          atomic.Uint64
	Compactions      atomic.Uint64
	BytesReclaimed   atomic.Uint64
	TombstonesPurged atomic.Uint64
	Snapshots        atomic.Uint64
	TornRecords      atomic.Uint64

	// Replication metrics
	LastSequence    atomic.Uint64
	LastApplied     atomic.Uint64
	ReplicationLag  atomic.Int64 // in records
	IsLeader        atomic.Bool
	QuorumTimeouts  atomic.Uint64
	RecordsShipped  atomic.Uint64
	RecordsConflict atomic.Uint64
}

// latency accumulates durations in microseconds.
type latency struct {
	sum   atomic.Uint64
	count atomic.Uint64
	max   atomic.Uint64
}

func (l *latency) observe(d time.Duration) {
	us := uint64(d.Microseconds())
	l.sum.Add(us)
	l.count.Add(1)
	for {
		cur := l.max.Load()
		if us <= cur || l.max.CompareAndSwap(cur, us) {
			return
		}
	}
}

func (l *latency) avg() time.Duration {
	n := l.count.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(l.sum.Load()/n) * time.Microsecond
}

// New creates an empty metrics set.
func New() *Metrics {
	return &Metrics{}
}

// RecordRead records a completed read.
func (m *Metrics) RecordRead(d time.Duration, err error) {
	m.Reads.Add(1)
	if err != nil {
		m.ReadErrors.Add(1)
	}
	m.ReadLatency.observe(d)
}

// RecordWrite records a completed set or delete.
func (m *Metrics) RecordWrite(d time.Duration, tombstone bool, err error) {
	if tombstone {
		m.Deletes.Add(1)
	} else {
		m.Writes.Add(1)
	}
	if err != nil {
		m.WriteErrors.Add(1)
	}
	m.WriteLatency.observe(d)
}

// RecordCache records a cache lookup outcome.
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.CacheHits.Add(1)
	} else {
		m.CacheMisses.Add(1)
	}
}

// RecordCompaction records a finished compaction.
func (m *Metrics) RecordCompaction(reclaimed int64, tombstonesPurged int) {
	m.Compactions.Add(1)
	if reclaimed > 0 {
		m.BytesReclaimed.Add(uint64(reclaimed))
	}
	m.TombstonesPurged.Add(uint64(tombstonesPurged))
}

// SetReplicationLag stores the lag between the leader's last sequence and
// the slowest follower's applied sequence.
func (m *Metrics) SetReplicationLag(records int64) {
	if records < 0 {
		records = 0
	}
	m.ReplicationLag.Store(records)
}

// Snapshot is a point-in-time copy of the metrics.
type Snapshot struct {
	Reads            uint64
	Writes           uint64
	Deletes          uint64
	ReadErrors       uint64
	WriteErrors      uint64
	ReadLatencyAvg   time.Duration
	ReadLatencyMax   time.Duration
	WriteLatencyAvg  time.Duration
	WriteLatencyMax  time.Duration
	CacheHits        uint64
	CacheMisses      uint64
	CacheHitRate     float64
	BloomNegatives   uint64
	WALSize          int64
	Partitions       int64
	Flushes          uint64
	Compactions      uint64
	BytesReclaimed   uint64
	TombstonesPurged uint64
	Snapshots        uint64
	TornRecords      uint64
	LastSequence     uint64
	LastApplied      uint64
	ReplicationLag   int64
	IsLeader         bool
	QuorumTimeouts   uint64
	RecordsShipped   uint64
	RecordsConflict  uint64
}

// Snapshot returns a copy of the current values.
func (m *Metrics) Snapshot() Snapshot {
	hits, misses := m.CacheHits.Load(), m.CacheMisses.Load()
	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Snapshot{
		Reads:            m.Reads.Load(),
		Writes:           m.Writes.Load(),
		Deletes:          m.Deletes.Load(),
		ReadErrors:       m.ReadErrors.Load(),
		WriteErrors:      m.WriteErrors.Load(),
		ReadLatencyAvg:   m.ReadLatency.avg(),
		ReadLatencyMax:   time.Duration(m.ReadLatency.max.Load()) * time.Microsecond,
		WriteLatencyAvg:  m.WriteLatency.avg(),
		WriteLatencyMax:  time.Duration(m.WriteLatency.max.Load()) * time.Microsecond,
		CacheHits:        hits,
		CacheMisses:      misses,
		CacheHitRate:     rate,
		BloomNegatives:   m.BloomNegatives.Load(),
		WALSize:          m.WALSize.Load(),
		Partitions:       m.Partitions.Load(),
		Flushes:          m.Flushes.Load(),
		Compactions:      m.Compactions.Load(),
		BytesReclaimed:   m.BytesReclaimed.Load(),
		TombstonesPurged: m.TombstonesPurged.Load(),
		Snapshots:        m.Snapshots.Load(),
		TornRecords:      m.TornRecords.Load(),
		LastSequence:     m.LastSequence.Load(),
		LastApplied:      m.LastApplied.Load(),
		ReplicationLag:   m.ReplicationLag.Load(),
		IsLeader:         m.IsLeader.Load(),
		QuorumTimeouts:   m.QuorumTimeouts.Load(),
		RecordsShipped:   m.RecordsShipped.Load(),
		RecordsConflict:  m.RecordsConflict.Load(),
	}
}
