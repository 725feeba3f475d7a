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
Storage Backend Interface
=========================

A Backend is the durable half of the engine: it stores versioned entries
and finds them again. The Engine layers sequencing, caching, metrics and
the public API on top and works with any implementation.

Implementations:
================

  - FileBackend: segmented WAL, sharded index and immutable partitions
    with background flush and compaction. This is the production backend.
  - MemoryBackend: plain maps, for tests and embedded use where durability
    is not required.

Contract:
=========

The Engine serializes Append calls and assigns strictly increasing
sequence numbers. Read returns the newest version of a key, which may be a
tombstone. All other methods may be called concurrently with reads.
*/
package storage

import (
	"context"
	"io"
)

// Backend is the capability set an engine needs from its storage.
type Backend interface {
	// Append durably stores e. e.Seq is assigned by the caller.
	Append(e Entry) error

	// Read returns the newest version of key, tombstones included.
	Read(key []byte) (Entry, bool, error)

	// Version returns the sequence of the newest version of key without
	// reading its value.
	Version(key []byte) (seq uint64, tombstone bool, ok bool)

	// Flush moves everything appended so far out of the write path.
	Flush(ctx context.Context) error

	// Recover rebuilds derived state from durable state.
	Recover(ctx context.Context) (RecoveryStats, error)

	// Scan returns up to limit entries with a sequence above afterSeq,
	// in sequence order.
	Scan(afterSeq uint64, limit int) ([]Entry, error)

	// Compact reclaims space. full merges everything.
	Compact(ctx context.Context, full bool) (CompactionResult, error)

	// Snapshot materializes the keyspace at the current flush watermark.
	Snapshot(ctx context.Context) (SnapshotInfo, error)

	// LastSeq returns the highest sequence found durable when the backend
	// was opened or last recovered.
	LastSeq() uint64

	// Stats returns a summary of the backend's state.
	Stats() BackendStats

	// Close releases all resources.
	Close() error
}

// SnapshotTransfer is implemented by backends whose snapshots can be
// shipped to another node.
type SnapshotTransfer interface {
	ExportSnapshot(ctx context.Context, w io.Writer) (SnapshotInfo, error)
	InstallSnapshot(ctx context.Context, r io.Reader, localSeq uint64) (SnapshotInfo, error)
}

// SnapshotInfo identifies a snapshot.
type SnapshotInfo struct {
	ID   uint64
	Seq  uint64
	Size int64
}

// BackendStats summarizes a backend.
type BackendStats struct {
	Kind           string
	WALSize        int64
	WALSegments    int
	Partitions     int
	PartitionBytes int64
	LiveKeys       int64
	IndexEntries   int
	FlushedSeq     uint64
	SnapshotID     uint64
	SnapshotSeq    uint64
	BloomNegatives uint64
	Recovery       RecoveryStats
}

// FlushResult describes the flush of one WAL segment.
type FlushResult struct {
	Segment   uint64
	Partition uint64
	Entries   int
	Keys      int
	Bytes     int64
}
