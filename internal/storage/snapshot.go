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
Snapshot Transfer
=================

A follower that has fallen behind the leader's WAL retention cannot catch
up from the record stream. It bootstraps from the leader's latest snapshot
partition instead.

Stream Format:
==============

	┌──────────────┬─────────┬──────────┬───────────┬──────────────┬─────────────┐
	│ magic "KSNP" │ id (8B) │ seq (8B) │ size (8B) │ partition    │ BLAKE2b-256 │
	│ (4B)         │         │          │           │ (size bytes) │ (32B)       │
	└──────────────┴─────────┴──────────┴───────────┴──────────────┴─────────────┘

The digest covers the header and the partition bytes. InstallSnapshot
verifies it before anything on the follower changes, then replaces every
local partition with the received one and discards its WAL.
*/
package storage

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	kverrors "kaydb/internal/errors"
)

const (
	// SnapshotMagic identifies a snapshot stream: "KSNP" in ASCII.
	SnapshotMagic uint32 = 0x4B534E50

	snapshotHeaderSize = 4 + 8 + 8 + 8
)

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ExportSnapshot writes the current snapshot partition to w. It fails with
// NotFound when no snapshot has been taken.
func (b *FileBackend) ExportSnapshot(ctx context.Context, w io.Writer) (SnapshotInfo, error) {
	if b.closed.Load() {
		return SnapshotInfo{}, kverrors.Closed()
	}
	m := b.store.Manifest()
	if m.SnapshotID == 0 {
		return SnapshotInfo{}, kverrors.NotFound("snapshot")
	}
	p, ok := b.store.acquire(m.SnapshotID)
	if !ok {
		return SnapshotInfo{}, kverrors.NotFound("snapshot")
	}
	defer p.ref.release()

	info := SnapshotInfo{ID: p.ID, Seq: m.SnapshotSeq, Size: p.size}

	hdr := make([]byte, 0, snapshotHeaderSize)
	hdr = binary.BigEndian.AppendUint32(hdr, SnapshotMagic)
	hdr = binary.BigEndian.AppendUint64(hdr, info.ID)
	hdr = binary.BigEndian.AppendUint64(hdr, info.Seq)
	hdr = binary.BigEndian.AppendUint64(hdr, uint64(info.Size))

	h, err := blake2b.New256(nil)
	if err != nil {
		return SnapshotInfo{}, err
	}
	mw := io.MultiWriter(w, h)
	if _, err := mw.Write(hdr); err != nil {
		return SnapshotInfo{}, err
	}
	body := contextReader{ctx: ctx, r: io.NewSectionReader(p.ref.f, 0, p.size)}
	if _, err := io.Copy(mw, body); err != nil {
		return SnapshotInfo{}, err
	}
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return SnapshotInfo{}, err
	}

	b.log.Info("Snapshot exported", "id", info.ID, "seq", info.Seq, "bytes", info.Size)
	return info, nil
}

// InstallSnapshot replaces all local data with the snapshot read from r.
// localSeq is the caller's last applied sequence; a snapshot that is not
// ahead of it is rejected with Conflict.
func (b *FileBackend) InstallSnapshot(ctx context.Context, r io.Reader, localSeq uint64) (SnapshotInfo, error) {
	if b.closed.Load() {
		return SnapshotInfo{}, kverrors.Closed()
	}

	hdr := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return SnapshotInfo{}, kverrors.SnapshotMismatch("truncated header").WithCause(err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != SnapshotMagic {
		return SnapshotInfo{}, kverrors.SnapshotMismatch("not a snapshot stream")
	}
	seq := binary.BigEndian.Uint64(hdr[12:20])
	size := int64(binary.BigEndian.Uint64(hdr[20:28]))
	if localSeq > 0 && seq <= localSeq {
		return SnapshotInfo{}, kverrors.Conflict(seq, localSeq)
	}
	if size < partitionHeaderSize+partitionTrailerSize {
		return SnapshotInfo{}, kverrors.SnapshotMismatch(fmt.Sprintf("implausible size %d", size))
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.compactor.mu.Lock()
	defer b.compactor.mu.Unlock()

	id, path := b.store.newOutput()
	tmp := path + ".tmp"
	if err := receiveSnapshot(ctx, r, hdr, size, tmp); err != nil {
		return SnapshotInfo{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return SnapshotInfo{}, wrapPathError(err, path, "install snapshot")
	}
	if err := syncDir(b.store.Dir()); err != nil {
		return SnapshotInfo{}, err
	}

	p, err := openPartition(id, path)
	if err != nil {
		os.Remove(path)
		return SnapshotInfo{}, err
	}
	p.meta = b.store.describe(p, 1, true)

	// Seal the active segment so every local record can be discarded.
	if _, _, err := b.wal.Rotate(); err != nil {
		p.ref.retire(true)
		return SnapshotInfo{}, err
	}
	var sealed []uint64
	var active uint64
	for _, seg := range b.wal.Segments() {
		if seg.Sealed {
			sealed = append(sealed, seg.ID)
		} else {
			active = seg.ID
		}
	}

	var old []uint64
	for _, q := range b.store.List() {
		old = append(old, q.ID)
	}
	removed, err := b.store.install(old, p, func(m *Manifest) {
		m.FlushedSeq = seq
		if active > 0 && active-1 > m.FlushedSegment {
			m.FlushedSegment = active - 1
		}
		m.SnapshotID = p.ID
		m.SnapshotSeq = seq
	})
	if err != nil {
		p.ref.retire(true)
		return SnapshotInfo{}, err
	}

	fresh := NewIndex()
	indexPartitions(fresh, []*Partition{p})
	b.index.Load(fresh)
	b.store.retire(removed)
	for _, segID := range sealed {
		if err := b.wal.RemoveSegment(segID); err != nil {
			b.log.Warn("Failed to remove WAL segment after snapshot install", "segment", segID, "error", err)
		}
	}
	b.lastSeq.Store(seq)

	info := SnapshotInfo{ID: p.ID, Seq: seq, Size: p.size}
	b.log.Info("Snapshot installed", "id", info.ID, "seq", seq, "bytes", info.Size, "replaced", len(old))
	return info, nil
}

// receiveSnapshot copies size bytes of partition data to path and checks
// the trailing digest.
func receiveSnapshot(ctx context.Context, r io.Reader, hdr []byte, size int64, path string) error {
	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	h.Write(hdr)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return wrapPathError(err, path, "create snapshot file")
	}
	fail := func(err error) error {
		f.Close()
		os.Remove(path)
		return err
	}

	if _, err := io.CopyN(io.MultiWriter(f, h), contextReader{ctx: ctx, r: r}, size); err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(kverrors.SnapshotMismatch("stream ended before the partition did").WithCause(err))
	}
	digest := make([]byte, blake2b.Size256)
	if _, err := io.ReadFull(r, digest); err != nil {
		return fail(kverrors.SnapshotMismatch("missing digest").WithCause(err))
	}
	if subtle.ConstantTimeCompare(digest, h.Sum(nil)) != 1 {
		return fail(kverrors.SnapshotMismatch("digest mismatch"))
	}
	if err := f.Sync(); err != nil {
		return fail(wrapPathError(err, path, "sync snapshot file"))
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return wrapPathError(err, path, "close snapshot file")
	}
	return nil
}
