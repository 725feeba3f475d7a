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
Package storage provides the persistence layer for KayDB.

Storage Engine Overview:
========================

The Engine is the public face of the package. It assigns sequence numbers,
keeps the value cache coherent, records metrics and delegates durability to
a Backend.

Architecture:
=============

	┌─────────────────────────────────────────────────────┐
	│             CLI / replication front ends            │
	└─────────────────────────────────────────────────────┘
	                         │
	                         ▼
	┌─────────────────────────────────────────────────────┐
	│                       Engine                        │
	│    (Get, Set, Delete, Flush, Compact, Snapshot)     │
	│        sequencing · sharded LRU · metrics           │
	└─────────────────────────────────────────────────────┘
	                         │
	                         ▼
	┌─────────────────────────────────────────────────────┐
	│                   Backend interface                 │
	└─────────────────────────────────────────────────────┘
	           │                               │
	           ▼                               ▼
	┌──────────────────────┐        ┌──────────────────────┐
	│     FileBackend      │        │    MemoryBackend     │
	│ WAL · index · parts  │        │        maps          │
	└──────────────────────┘        └──────────────────────┘

Write Path:
===========

 1. Validate the key and value.
 2. Take the append lock and assign the next sequence number.
 3. Append to the backend. For the FileBackend this returns only after
    the WAL record is on stable storage.
 4. Update the cache and publish the new sequence to commit waiters.

Read Path:
==========

The cache is consulted first. On a miss, concurrent readers of the same key
share one backend read through singleflight. The reader that fills the cache
checks the key's version again afterwards and drops its entry if a write
overtook it, so a confirmed overwrite or delete is never followed by a
stale read.

Thread Safety:
==============

Writers serialize on the append lock. Readers take no engine-wide lock.
*/
package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"kaydb/internal/cache"
	"kaydb/internal/compression"
	kverrors "kaydb/internal/errors"
	"kaydb/internal/logging"
	"kaydb/internal/metrics"
)

// Options configures an Engine.
type Options struct {
	Dir                string
	SyncMode           SyncMode
	SegmentSize        int64
	WALRetainSegments  int
	FlushInterval      time.Duration
	CacheCapacity      int
	CacheShards        int
	BloomFPRate        float64
	Compression        compression.Config
	Compaction         CompactionPolicy
	CompactionInterval time.Duration
	SlowOpThreshold    time.Duration
}

// DefaultOptions returns the default configuration for a data directory.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                dir,
		SyncMode:           SyncAlways,
		SegmentSize:        64 << 20,
		WALRetainSegments:  4,
		FlushInterval:      5 * time.Second,
		CacheCapacity:      10000,
		CacheShards:        16,
		BloomFPRate:        0.01,
		Compression:        compression.DefaultConfig(),
		Compaction:         DefaultCompactionPolicy(),
		CompactionInterval: 30 * time.Second,
		SlowOpThreshold:    100 * time.Millisecond,
	}
}

// EngineStats is a point-in-time summary of an engine.
type EngineStats struct {
	LastSeq uint64
	Backend BackendStats
	Cache   cache.Stats
	Metrics metrics.Snapshot
}

// Engine is the key-value engine.
type Engine struct {
	backend Backend
	cache   *cache.Sharded
	metrics *metrics.Metrics
	log     *logging.Logger
	slowOp  time.Duration

	// hooked is set when the backend reports flushes and compactions
	// through callbacks, so the engine must not count them again.
	hooked bool

	writeMu sync.Mutex
	lastSeq atomic.Uint64
	loads   singleflight.Group

	commitMu sync.Mutex
	commitCh chan struct{}

	closed atomic.Bool
}

// Open opens a file-backed engine rooted at opts.Dir.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	m := metrics.New()
	fb, err := OpenFileBackend(ctx, FileBackendOptions{
		Dir:                opts.Dir,
		SyncMode:           opts.SyncMode,
		SegmentSize:        opts.SegmentSize,
		WALRetainSegments:  opts.WALRetainSegments,
		FlushInterval:      opts.FlushInterval,
		BloomFPRate:        opts.BloomFPRate,
		Compression:        opts.Compression,
		Compaction:         opts.Compaction,
		CompactionInterval: opts.CompactionInterval,
		OnFlush: func(FlushResult) {
			m.Flushes.Add(1)
		},
		OnCompaction: func(r CompactionResult) {
			m.RecordCompaction(r.Reclaimed(), r.TombstonesPurged)
			if r.Snapshot {
				m.Snapshots.Add(1)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	e := newEngine(fb, m, opts)
	e.hooked = true
	m.TornRecords.Store(uint64(fb.recovery.TornRecords))
	return e, nil
}

// OpenMemory creates an engine over a MemoryBackend.
func OpenMemory() *Engine {
	return NewEngine(NewMemoryBackend(), DefaultOptions(""))
}

// NewEngine creates an engine over an already opened backend. Only the
// cache and slow-op settings of opts are used.
func NewEngine(b Backend, opts Options) *Engine {
	return newEngine(b, metrics.New(), opts)
}

func newEngine(b Backend, m *metrics.Metrics, opts Options) *Engine {
	if opts.CacheShards <= 0 {
		opts.CacheShards = 16
	}
	e := &Engine{
		backend: b,
		cache: cache.NewSharded(cache.Config{
			Capacity: opts.CacheCapacity,
			Shards:   opts.CacheShards,
			Enabled:  opts.CacheCapacity > 0,
		}),
		metrics:  m,
		log:      logging.NewLogger("engine"),
		slowOp:   opts.SlowOpThreshold,
		commitCh: make(chan struct{}),
	}
	e.lastSeq.Store(b.LastSeq())
	m.LastSequence.Store(b.LastSeq())
	return e
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return kverrors.Closed()
	}
	return nil
}

func validateEntry(key, value []byte) error {
	if len(key) == 0 {
		return kverrors.KeyEmpty()
	}
	if len(key) > MaxKeySize {
		return kverrors.InvalidValue("key", "exceeds maximum key size")
	}
	if len(value) > MaxValueSize {
		return kverrors.InvalidValue("value", "exceeds maximum value size")
	}
	return nil
}

// Get returns the current value of key. Absence is reported as NotFound.
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, kverrors.KeyEmpty()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer := e.log.StartOp("get", e.slowOp)
	value, err := e.get(key)
	d := timer.Done("key", string(key))
	if kverrors.IsNotFound(err) {
		e.metrics.RecordRead(d, nil)
	} else {
		e.metrics.RecordRead(d, err)
	}
	return value, err
}

func (e *Engine) get(key []byte) ([]byte, error) {
	k := string(key)
	if e.cache.Enabled() {
		if v, ok := e.cache.Get(k); ok {
			e.metrics.RecordCache(true)
			if v.Tombstone {
				return nil, kverrors.NotFound(k)
			}
			return bytes.Clone(v.Data), nil
		}
		e.metrics.RecordCache(false)
	}

	res, err, shared := e.loads.Do(k, func() (interface{}, error) {
		ent, err := e.load(key)
		if err != nil {
			return nil, err
		}
		if ent.Tombstone {
			e.cache.PutTombstone(k, ent.Seq)
		} else {
			e.cache.Put(k, ent.Value, ent.Seq)
		}
		// A write or snapshot install may have landed between the read
		// and the fill. An install can lower the sequence, so the entry
		// is dropped outright.
		if seq, _, ok := e.backend.Version(key); ok && seq != ent.Seq {
			e.cache.Invalidate(k)
		}
		return ent, nil
	})
	if err != nil {
		return nil, err
	}
	ent := res.(Entry)
	// A shared load may have read before a write this caller already saw
	// confirmed. Read again without filling the cache.
	if shared {
		if seq, _, ok := e.backend.Version(key); ok && seq != ent.Seq {
			if ent, err = e.load(key); err != nil {
				return nil, err
			}
		}
	}
	if ent.Tombstone {
		return nil, kverrors.NotFound(k)
	}
	return bytes.Clone(ent.Value), nil
}

// load reads key from the backend. Absence is returned as a tombstone.
func (e *Engine) load(key []byte) (Entry, error) {
	ent, found, err := e.backend.Read(key)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		ent = Entry{Key: key, Tombstone: true}
	}
	return ent, nil
}

// Set stores value under key and returns the sequence number assigned.
func (e *Engine) Set(ctx context.Context, key, value []byte) (uint64, error) {
	return e.Append(ctx, key, value, false)
}

// Delete records a tombstone for key and returns its sequence number.
// Deleting an absent key is not an error.
func (e *Engine) Delete(ctx context.Context, key []byte) (uint64, error) {
	return e.Append(ctx, key, nil, true)
}

// Append writes one mutation with the next sequence number. Set and
// Delete are thin wrappers; the consensus layer calls it directly.
func (e *Engine) Append(ctx context.Context, key, value []byte, tombstone bool) (uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if err := validateEntry(key, value); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	op := "set"
	if tombstone {
		op = "delete"
	}
	timer := e.log.StartOp(op, e.slowOp)

	e.writeMu.Lock()
	seq := e.lastSeq.Load() + 1
	err := e.commit(Entry{Key: key, Value: value, Tombstone: tombstone, Seq: seq})
	e.writeMu.Unlock()

	d := timer.Done("key", string(key), "seq", seq)
	e.metrics.RecordWrite(d, tombstone, err)
	if err != nil {
		return 0, err
	}
	e.notifyCommit()
	return seq, nil
}

// commit appends ent and publishes it. The caller holds writeMu.
func (e *Engine) commit(ent Entry) error {
	if ent.Tombstone {
		ent.Value = nil
	}
	if err := e.backend.Append(ent); err != nil {
		return err
	}
	e.lastSeq.Store(ent.Seq)
	e.metrics.LastSequence.Store(ent.Seq)
	if ent.Tombstone {
		e.cache.PutTombstone(string(ent.Key), ent.Seq)
	} else {
		e.cache.Put(string(ent.Key), bytes.Clone(ent.Value), ent.Seq)
	}
	return nil
}

// ApplyRecord applies a record received from a leader. Records must arrive
// in sequence order: one at or below the last sequence is a Conflict and
// one beyond the next expected sequence is a ReplicationGap.
func (e *Engine) ApplyRecord(ent Entry) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateEntry(ent.Key, ent.Value); err != nil {
		return err
	}

	e.writeMu.Lock()
	last := e.lastSeq.Load()
	switch {
	case ent.Seq <= last:
		e.writeMu.Unlock()
		e.metrics.RecordsConflict.Add(1)
		return kverrors.Conflict(ent.Seq, last)
	case ent.Seq > last+1:
		e.writeMu.Unlock()
		return kverrors.ReplicationGap(ent.Seq, last+1)
	}
	err := e.commit(ent)
	e.writeMu.Unlock()
	if err != nil {
		return err
	}
	e.metrics.LastApplied.Store(ent.Seq)
	e.notifyCommit()
	return nil
}

// RecordsSince returns up to limit records with a sequence above after, in
// order. It fails with SnapshotRequired when the records are no longer
// retained.
func (e *Engine) RecordsSince(after uint64, limit int) ([]Entry, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	last := e.lastSeq.Load()
	entries, err := e.backend.Scan(after, limit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && after < last {
		return nil, kverrors.SnapshotRequired(after, last+1)
	}
	return entries, nil
}

// LastSequence returns the highest sequence committed on this engine.
func (e *Engine) LastSequence() uint64 {
	return e.lastSeq.Load()
}

func (e *Engine) notifyCommit() {
	e.commitMu.Lock()
	close(e.commitCh)
	e.commitCh = make(chan struct{})
	e.commitMu.Unlock()
}

// WaitForCommit blocks until a sequence above after is committed and
// returns the last sequence.
func (e *Engine) WaitForCommit(ctx context.Context, after uint64) (uint64, error) {
	for {
		e.commitMu.Lock()
		ch := e.commitCh
		e.commitMu.Unlock()

		if seq := e.lastSeq.Load(); seq > after {
			return seq, nil
		}
		if err := e.checkOpen(); err != nil {
			return 0, err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Flush moves every committed record out of the WAL into partitions.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	timer := e.log.StartOp("flush", e.slowOp)
	err := e.backend.Flush(ctx)
	timer.Done()
	if err == nil && !e.hooked {
		e.metrics.Flushes.Add(1)
	}
	return err
}

// Compact merges every partition into one, dropping overwritten versions
// and tombstones.
func (e *Engine) Compact(ctx context.Context) (CompactionResult, error) {
	if err := e.checkOpen(); err != nil {
		return CompactionResult{}, err
	}
	timer := e.log.StartOp("compact", e.slowOp)
	res, err := e.backend.Compact(ctx, true)
	timer.Done("inputs", len(res.Inputs))
	if err != nil {
		return res, err
	}
	if !e.hooked {
		e.metrics.RecordCompaction(res.Reclaimed(), res.TombstonesPurged)
	}
	e.log.Debug("Full compaction done", "inputs", len(res.Inputs), "keys", res.KeysWritten)
	return res, nil
}

// Snapshot flushes and materializes the whole keyspace as a snapshot
// partition. It returns the snapshot id.
func (e *Engine) Snapshot(ctx context.Context) (uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	timer := e.log.StartOp("snapshot", e.slowOp)
	info, err := e.backend.Snapshot(ctx)
	timer.Done()
	if err != nil {
		return 0, err
	}
	if !e.hooked {
		e.metrics.Snapshots.Add(1)
	}
	e.log.Info("Snapshot taken", "id", info.ID, "seq", info.Seq)
	return info.ID, nil
}

// Recover rebuilds the backend's derived state from durable state and
// drops the cache.
func (e *Engine) Recover(ctx context.Context) (RecoveryStats, error) {
	if err := e.checkOpen(); err != nil {
		return RecoveryStats{}, err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	stats, err := e.backend.Recover(ctx)
	if err != nil {
		return stats, err
	}
	e.cache.Purge()
	if seq := e.backend.LastSeq(); seq > e.lastSeq.Load() {
		e.lastSeq.Store(seq)
		e.metrics.LastSequence.Store(seq)
	}
	e.metrics.TornRecords.Add(uint64(stats.TornRecords))
	return stats, nil
}

// ExportSnapshot streams the latest snapshot to w.
func (e *Engine) ExportSnapshot(ctx context.Context, w io.Writer) (SnapshotInfo, error) {
	if err := e.checkOpen(); err != nil {
		return SnapshotInfo{}, err
	}
	st, ok := e.backend.(SnapshotTransfer)
	if !ok {
		return SnapshotInfo{}, kverrors.InvalidValue("backend", "snapshot transfer is not supported")
	}
	return st.ExportSnapshot(ctx, w)
}

// InstallSnapshot replaces all local data with a snapshot read from r and
// continues the sequence from its watermark.
func (e *Engine) InstallSnapshot(ctx context.Context, r io.Reader) (SnapshotInfo, error) {
	if err := e.checkOpen(); err != nil {
		return SnapshotInfo{}, err
	}
	st, ok := e.backend.(SnapshotTransfer)
	if !ok {
		return SnapshotInfo{}, kverrors.InvalidValue("backend", "snapshot transfer is not supported")
	}

	e.writeMu.Lock()
	info, err := st.InstallSnapshot(ctx, r, e.lastSeq.Load())
	if err != nil {
		e.writeMu.Unlock()
		return info, err
	}
	e.cache.Purge()
	e.lastSeq.Store(info.Seq)
	e.writeMu.Unlock()

	e.metrics.LastSequence.Store(info.Seq)
	e.metrics.LastApplied.Store(info.Seq)
	e.notifyCommit()
	return info, nil
}

// Metrics refreshes the storage gauges and returns the engine's metrics.
func (e *Engine) Metrics() *metrics.Metrics {
	st := e.backend.Stats()
	e.metrics.WALSize.Store(st.WALSize)
	e.metrics.Partitions.Store(int64(st.Partitions))
	e.metrics.BloomNegatives.Store(st.BloomNegatives)
	return e.metrics
}

// Stats returns a summary of the engine.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		LastSeq: e.lastSeq.Load(),
		Backend: e.backend.Stats(),
		Cache:   e.cache.Stats(),
		Metrics: e.Metrics().Snapshot(),
	}
}

// Backend returns the engine's backend.
func (e *Engine) Backend() Backend {
	return e.backend
}

// Close closes the backend and wakes every commit waiter.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.notifyCommit()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.backend.Close()
}
