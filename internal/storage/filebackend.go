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
File Backend
============

FileBackend ties the WAL, the index and the partition store together.

Directory Layout:
=================

	<dir>/LOCK                      exclusive flock while open
	<dir>/wal/wal-<id>.log          WAL segments
	<dir>/partitions/MANIFEST       partition manifest
	<dir>/partitions/p-<id>.kpt     partition files

Open Sequence:
==============

 1. Lock the directory.
 2. Load the manifest and open its partitions (fatal if unreadable).
 3. Index every partition's footer.
 4. Recover the WAL above the manifest's flush watermark, truncating any
    torn tail, and index the replayed records.
 5. Start the flush and compaction workers.

Flush Worker:
=============

The flush worker rotates the active segment on its interval, or sooner
when the segment reaches SegmentSize, converts every sealed segment that
is not yet flushed into a partition and then deletes flushed segments
beyond the retention window. A failed flush is retried on the next tick.
*/
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"kaydb/internal/compression"
	kverrors "kaydb/internal/errors"
	"kaydb/internal/logging"
)

const maxReadAttempts = 3

// FileBackendOptions configures a FileBackend.
type FileBackendOptions struct {
	Dir                string
	SyncMode           SyncMode
	SegmentSize        int64
	WALRetainSegments  int
	FlushInterval      time.Duration
	BloomFPRate        float64
	Compression        compression.Config
	Compaction         CompactionPolicy
	CompactionInterval time.Duration

	// OnFlush and OnCompaction observe background work. They are called
	// from worker goroutines and must not block.
	OnFlush      func(FlushResult)
	OnCompaction func(CompactionResult)
}

// FileBackend is the durable, file-based Backend.
type FileBackend struct {
	opts      FileBackendOptions
	lock      *dirLock
	wal       *WAL
	store     *PartitionStore
	index     *Index
	compactor *Compactor
	log       *logging.Logger

	// flushMu serializes flushes, recovery and snapshot installs.
	flushMu sync.Mutex

	lastSeq  atomic.Uint64
	recovery RecoveryStats
	closed   atomic.Bool

	flushKick chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// OpenFileBackend opens or creates the data directory opts.Dir.
func OpenFileBackend(ctx context.Context, opts FileBackendOptions) (*FileBackend, error) {
	if opts.Dir == "" {
		return nil, kverrors.InvalidValue("dir", "data directory is required")
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 64 << 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Compaction.TierMinPartitions == 0 {
		opts.Compaction = DefaultCompactionPolicy()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, wrapPathError(err, opts.Dir, "create data directory")
	}

	lock, err := lockDir(opts.Dir)
	if err != nil {
		return nil, err
	}

	b := &FileBackend{
		opts:      opts,
		lock:      lock,
		index:     NewIndex(),
		log:       logging.NewLogger("storage"),
		flushKick: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	b.store, err = OpenPartitionStore(ctx, StoreOptions{
		Dir:         filepath.Join(opts.Dir, "partitions"),
		BloomFPRate: opts.BloomFPRate,
		Compression: opts.Compression,
	})
	if err != nil {
		lock.unlock()
		return nil, err
	}

	b.wal, err = OpenWAL(WALOptions{
		Dir:         filepath.Join(opts.Dir, "wal"),
		SegmentSize: opts.SegmentSize,
		SyncMode:    opts.SyncMode,
	})
	if err != nil {
		b.store.Close()
		lock.unlock()
		return nil, err
	}

	if err := b.recoverOnOpen(); err != nil {
		b.wal.Close()
		b.store.Close()
		lock.unlock()
		return nil, err
	}

	b.compactor = newCompactor(b.store, b.index, opts.Compaction, opts.CompactionInterval, opts.OnCompaction)
	b.compactor.Start()
	go b.flushLoop()

	b.log.Info("Storage opened",
		"dir", opts.Dir,
		"partitions", len(b.store.List()),
		"last_seq", b.lastSeq.Load(),
		"replayed", b.recovery.Replayed,
		"torn", b.recovery.TornRecords)
	return b, nil
}

func (b *FileBackend) recoverOnOpen() error {
	indexPartitions(b.index, b.store.List())
	m := b.store.Manifest()

	stats, err := b.wal.Recover(m.FlushedSeq, func(e Entry, loc Location) error {
		b.index.Update(e.Key, loc)
		return nil
	})
	if err != nil {
		return err
	}
	b.recovery = stats
	b.lastSeq.Store(b.durableSeq(stats.LastSeq, m))
	return nil
}

func (b *FileBackend) durableSeq(walSeq uint64, m Manifest) uint64 {
	seq := walSeq
	if m.FlushedSeq > seq {
		seq = m.FlushedSeq
	}
	for _, pm := range m.Partitions {
		if pm.MaxSeq > seq {
			seq = pm.MaxSeq
		}
	}
	return seq
}

// indexPartitions adds every footer entry of parts to ix.
func indexPartitions(ix *Index, parts []*Partition) {
	for _, p := range parts {
		for _, fe := range p.keys {
			ix.Update(fe.key, Location{Partition: p.ID, Offset: fe.offset, Seq: fe.seq, Tombstone: fe.tombstone})
		}
	}
}

// Append implements Backend.
func (b *FileBackend) Append(e Entry) error {
	if b.closed.Load() {
		return kverrors.Closed()
	}
	loc, err := b.wal.Append(e)
	if err != nil {
		return err
	}
	b.index.Update(e.Key, loc)
	if b.wal.NeedsRotation() {
		select {
		case b.flushKick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Read implements Backend. A location can move between the index lookup
// and the read when a flush or compaction retires its file; the lookup is
// then retried.
func (b *FileBackend) Read(key []byte) (Entry, bool, error) {
	if b.closed.Load() {
		return Entry{}, false, kverrors.Closed()
	}
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		loc, ok := b.index.Get(key)
		if !ok {
			return Entry{}, false, nil
		}
		if loc.Tombstone {
			return Entry{Key: bytes.Clone(key), Tombstone: true, Seq: loc.Seq}, true, nil
		}

		var e Entry
		var err error
		if loc.InWAL() {
			e, err = b.wal.ReadAt(loc.Segment, loc.Offset)
		} else {
			var found bool
			e, found, err = b.store.Read(loc.Partition, key)
			if err == nil && !found {
				err = kverrors.Corruption(partitionPath(b.store.Dir(), loc.Partition), loc.Offset, "indexed key missing from partition")
			}
		}
		if errors.Is(err, errSegmentGone) || errors.Is(err, errPartitionGone) {
			continue
		}
		if err != nil {
			return Entry{}, false, err
		}
		if !bytes.Equal(e.Key, key) || e.Seq != loc.Seq {
			if cur, _ := b.index.Get(key); cur != loc {
				continue
			}
			return Entry{}, false, kverrors.Corruption("", loc.Offset, fmt.Sprintf("record at seq %d does not match index", e.Seq))
		}
		return e, true, nil
	}
	return Entry{}, false, kverrors.IOError("read", string(key), errors.New("location changed on every attempt"))
}

// Version implements Backend.
func (b *FileBackend) Version(key []byte) (uint64, bool, bool) {
	loc, ok := b.index.Get(key)
	return loc.Seq, loc.Tombstone, ok
}

// Flush implements Backend. It seals the active segment and converts every
// sealed, unflushed segment into a partition.
func (b *FileBackend) Flush(ctx context.Context) error {
	if b.closed.Load() {
		return kverrors.Closed()
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if _, _, err := b.wal.Rotate(); err != nil {
		return err
	}
	return b.flushSealed(ctx)
}

func (b *FileBackend) flushSealed(ctx context.Context) error {
	flushed := b.store.Manifest().FlushedSegment
	for _, seg := range b.wal.Segments() {
		if !seg.Sealed || seg.ID <= flushed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := b.wal.ReadSegment(seg.ID)
		if err != nil {
			return err
		}
		p, err := b.store.Flush(entries, seg.LastSeq, seg.ID)
		if err != nil {
			return err
		}

		res := FlushResult{Segment: seg.ID, Entries: len(entries)}
		if p != nil {
			for _, fe := range p.keys {
				b.index.Relocate(fe.key, fe.seq, Location{Partition: p.ID, Offset: fe.offset})
			}
			res.Partition = p.ID
			res.Keys = len(p.keys)
			res.Bytes = p.size
		}
		b.log.Debug("Segment flushed", "segment", seg.ID, "partition", res.Partition, "keys", res.Keys)
		if b.opts.OnFlush != nil {
			b.opts.OnFlush(res)
		}
	}
	return b.applyRetention()
}

// applyRetention deletes flushed segments beyond the retention window. The
// retained segments keep serving Scan for lagging followers.
func (b *FileBackend) applyRetention() error {
	flushed := b.store.Manifest().FlushedSegment
	var candidates []uint64
	for _, seg := range b.wal.Segments() {
		if seg.Sealed && seg.ID <= flushed {
			candidates = append(candidates, seg.ID)
		}
	}
	excess := len(candidates) - b.opts.WALRetainSegments
	for i := 0; i < excess; i++ {
		if err := b.wal.RemoveSegment(candidates[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *FileBackend) flushLoop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.backgroundFlush()
		case <-b.flushKick:
			b.backgroundFlush()
		}
	}
}

func (b *FileBackend) backgroundFlush() {
	if err := b.Flush(context.Background()); err != nil {
		if !kverrors.IsClosed(err) {
			b.log.Error("Background flush failed, retrying on next tick", "error", err)
		}
		return
	}
	b.compactor.Kick()
}

// Recover implements Backend. It rebuilds the index from the manifest and
// the durable WAL and swaps it in.
func (b *FileBackend) Recover(ctx context.Context) (RecoveryStats, error) {
	if b.closed.Load() {
		return RecoveryStats{}, kverrors.Closed()
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.compactor.mu.Lock()
	defer b.compactor.mu.Unlock()

	fresh := NewIndex()
	parts := b.store.List()
	indexPartitions(fresh, parts)
	m := b.store.Manifest()

	stats := RecoveryStats{Segments: len(b.wal.Segments())}
	err := b.wal.Replay(m.FlushedSeq, func(e Entry, loc Location) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Records++
		stats.Replayed++
		if e.Seq > stats.LastSeq {
			stats.LastSeq = e.Seq
		}
		fresh.Update(e.Key, loc)
		return nil
	})
	if err != nil {
		return stats, err
	}

	b.index.Load(fresh)
	b.lastSeq.Store(b.durableSeq(stats.LastSeq, m))
	stats.LastSeq = b.lastSeq.Load()
	b.log.Info("Index rebuilt", "partitions", len(parts), "replayed", stats.Replayed, "last_seq", stats.LastSeq)
	return stats, nil
}

// Scan implements Backend. Records no longer retained by the WAL produce
// SnapshotRequired.
func (b *FileBackend) Scan(afterSeq uint64, limit int) ([]Entry, error) {
	if b.closed.Load() {
		return nil, kverrors.Closed()
	}
	entries, err := b.wal.Scan(afterSeq, limit)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 && entries[0].Seq != afterSeq+1 {
		return nil, kverrors.SnapshotRequired(afterSeq, entries[0].Seq)
	}
	return entries, nil
}

// Compact implements Backend.
func (b *FileBackend) Compact(ctx context.Context, full bool) (CompactionResult, error) {
	if b.closed.Load() {
		return CompactionResult{}, kverrors.Closed()
	}
	mode := compactAuto
	if full {
		mode = compactFull
	}
	return b.compactor.submit(ctx, mode)
}

// Snapshot implements Backend.
func (b *FileBackend) Snapshot(ctx context.Context) (SnapshotInfo, error) {
	if err := b.Flush(ctx); err != nil {
		return SnapshotInfo{}, err
	}
	res, err := b.compactor.submit(ctx, compactSnapshot)
	if err != nil {
		return SnapshotInfo{}, err
	}
	return SnapshotInfo{ID: res.Output, Seq: res.SnapshotSeq, Size: res.BytesOut}, nil
}

// LastSeq implements Backend.
func (b *FileBackend) LastSeq() uint64 {
	return b.lastSeq.Load()
}

// Partitions returns the live partitions, oldest first.
func (b *FileBackend) Partitions() []*Partition {
	return b.store.List()
}

// Stats implements Backend.
func (b *FileBackend) Stats() BackendStats {
	st := b.store.Stats()
	return BackendStats{
		Kind:           "file",
		WALSize:        b.wal.Size(),
		WALSegments:    len(b.wal.Segments()),
		Partitions:     st.Partitions,
		PartitionBytes: st.Bytes,
		LiveKeys:       b.index.LiveKeys(),
		IndexEntries:   b.index.Len(),
		FlushedSeq:     st.FlushedSeq,
		SnapshotID:     st.SnapshotID,
		SnapshotSeq:    st.SnapshotSeq,
		BloomNegatives: st.BloomNegatives,
		Recovery:       b.recovery,
	}
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.stopCh)
	<-b.doneCh
	b.compactor.Stop()

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	var firstErr error
	if err := b.wal.Close(); err != nil {
		firstErr = err
	}
	if err := b.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.lock.unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	b.log.Info("Storage closed", "dir", b.opts.Dir)
	return firstErr
}
