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
Write-Ahead Log (WAL) Implementation
=====================================

The WAL is where every mutation lands first. A Set or Delete is committed
once its record has been written and fsynced at the tail of the active
segment; only then is the index updated and the caller answered.

Segments:
=========

The log is a sequence of segment files, wal-0000000000000001.log and up.
Exactly one segment is active and receives appends. Rotate seals it and
opens the next one. A sealed segment is flushed into a partition by the
engine and deleted once the manifest records the flush and the retention
window for log shipping has passed.

Segment Header:
===============

	┌────────────┬─────────────┬───────────┬──────────────┬─────────────────┐
	│ Magic (4B) │ Version(1B) │ Flags(1B) │ Reserved(2B) │ Created (8B ns) │
	└────────────┴─────────────┴───────────┴──────────────┴─────────────────┘

Records follow the header; see record.go for their layout.

Recovery:
=========

Recover reads every segment in order and validates each record's length
and checksum. The first record that fails ends the replay: the segment is
truncated at that record and any later segments are discarded. A record
cut short by a crash was never acknowledged, so dropping it loses nothing
that was committed. Discarded tails are logged, never silently ignored.

Thread Safety:
==============

Appends and rotation are serialized by one mutex. Readers (ReadAt, Scan)
never take it; they see only records whose fsync has completed, because a
segment's readable size is published after the sync.
*/
package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kverrors "kaydb/internal/errors"
	"kaydb/internal/logging"
)

// WAL file header constants.
const (
	// WALMagic identifies KayDB WAL segments: "KWAL" in ASCII.
	WALMagic uint32 = 0x4B57414C

	// WALVersion is the current segment format version.
	WALVersion byte = 1

	// WALHeaderSize is the size of the segment header in bytes.
	WALHeaderSize = 16

	walFilePrefix = "wal-"
	walFileSuffix = ".log"
)

// SyncMode selects when appends are fsynced.
type SyncMode int

const (
	// SyncAlways fsyncs every append before it is acknowledged.
	SyncAlways SyncMode = iota
	// SyncNone leaves flushing to the operating system. Acknowledged writes
	// can be lost on power failure; intended for tests and bulk loads.
	SyncNone
)

func (m SyncMode) String() string {
	switch m {
	case SyncAlways:
		return "always"
	case SyncNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseSyncMode parses "always" or "none".
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always", "":
		return SyncAlways, nil
	case "none", "off":
		return SyncNone, nil
	default:
		return SyncAlways, fmt.Errorf("unknown sync mode: %s", s)
	}
}

// WALOptions configures a WAL.
type WALOptions struct {
	Dir         string
	SegmentSize int64
	SyncMode    SyncMode
}

var errWALNotRecovered = errors.New("wal: Recover must run before Append")

// errSegmentGone is returned by ReadAt when the segment was removed while
// the caller held a stale location.
var errSegmentGone = errors.New("wal segment no longer available")

type walSegment struct {
	id       uint64
	path     string
	ref      *fileRef
	size     atomic.Int64
	firstSeq atomic.Uint64
	lastSeq  atomic.Uint64
	sealed   atomic.Bool
}

// SegmentInfo describes a WAL segment.
type SegmentInfo struct {
	ID       uint64
	Size     int64
	FirstSeq uint64
	LastSeq  uint64
	Sealed   bool
}

func (s *walSegment) info() SegmentInfo {
	return SegmentInfo{
		ID:       s.id,
		Size:     s.size.Load(),
		FirstSeq: s.firstSeq.Load(),
		LastSeq:  s.lastSeq.Load(),
		Sealed:   s.sealed.Load(),
	}
}

// RecoveryStats summarizes a WAL recovery pass.
type RecoveryStats struct {
	Segments        int
	Records         int
	Replayed        int
	TornRecords     int
	DroppedSegments int
	LastSeq         uint64
}

// WAL is a segmented write-ahead log.
type WAL struct {
	opts WALOptions
	log  *logging.Logger

	mu     sync.Mutex
	active *walSegment
	failed error

	segMu    sync.RWMutex
	segments []*walSegment
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%016d%s", walFilePrefix, id, walFileSuffix))
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, walFilePrefix) || !strings.HasSuffix(name, walFileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, walFilePrefix), walFileSuffix), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// OpenWAL opens the segments found in opts.Dir. Nothing is validated until
// Recover runs, and Append is refused until then.
func OpenWAL(opts WALOptions) (*WAL, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 64 << 20
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, wrapPathError(err, opts.Dir, "create WAL directory")
	}

	names, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, wrapPathError(err, opts.Dir, "list WAL directory")
	}

	w := &WAL{opts: opts, log: logging.NewLogger("wal")}
	for _, de := range names {
		id, ok := parseSegmentName(de.Name())
		if !ok || de.IsDir() {
			continue
		}
		path := segmentPath(opts.Dir, id)
		f, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			w.closeAll()
			return nil, wrapPathError(err, path, "open WAL segment")
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			w.closeAll()
			return nil, wrapPathError(err, path, "stat WAL segment")
		}
		seg := &walSegment{id: id, path: path, ref: newFileRef(f, path)}
		seg.size.Store(fi.Size())
		w.segments = append(w.segments, seg)
	}
	sort.Slice(w.segments, func(i, j int) bool { return w.segments[i].id < w.segments[j].id })
	return w, nil
}

func writeWALHeader(f *os.File) error {
	var hdr [WALHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], WALMagic)
	hdr[4] = WALVersion
	binary.BigEndian.PutUint64(hdr[8:16], uint64(time.Now().UnixNano()))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return f.Sync()
}

func validateWALHeader(f *os.File) error {
	var hdr [WALHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		if err == io.EOF {
			return errTornRecord
		}
		return err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != WALMagic {
		return errBadRecord
	}
	if hdr[4] != WALVersion {
		return fmt.Errorf("unsupported WAL version %d: %w", hdr[4], errBadRecord)
	}
	return nil
}

func (w *WAL) createSegment(id uint64) (*walSegment, error) {
	path := segmentPath(w.opts.Dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, wrapPathError(err, path, "create WAL segment")
	}
	if err := writeWALHeader(f); err != nil {
		f.Close()
		os.Remove(path)
		return nil, wrapPathError(err, path, "write WAL header")
	}
	if err := syncDir(w.opts.Dir); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	seg := &walSegment{id: id, path: path, ref: newFileRef(f, path)}
	seg.size.Store(WALHeaderSize)
	return seg, nil
}

// scanSegment reads records from seg up to limit bytes. It returns the
// offset just past the last valid record and whether the scan stopped at
// an invalid one. prevSeq carries the sequence ordering check across
// segments.
func scanSegment(seg *walSegment, limit int64, prevSeq *uint64, fn func(Entry, int64) error) (int64, bool, error) {
	f := seg.ref.f
	if limit < WALHeaderSize {
		return 0, true, nil
	}
	if err := validateWALHeader(f); err != nil {
		if isRecordFault(err) {
			return 0, true, nil
		}
		return 0, false, wrapPathError(err, seg.path, "read WAL header")
	}

	r := bufio.NewReaderSize(io.NewSectionReader(f, WALHeaderSize, limit-WALHeaderSize), 64<<10)
	off := int64(WALHeaderSize)
	for {
		e, n, err := readRecord(r)
		if err == io.EOF {
			return off, false, nil
		}
		if err != nil {
			if isRecordFault(err) {
				return off, true, nil
			}
			return off, false, wrapPathError(err, seg.path, "read WAL record")
		}
		if e.Seq <= *prevSeq {
			return off, true, nil
		}
		*prevSeq = e.Seq
		if fn != nil {
			if err := fn(e, off); err != nil {
				return off, false, err
			}
		}
		off += int64(n)
	}
}

// Recover validates every segment, calls fn for each record with a
// sequence above afterSeq in log order, truncates the first invalid record
// and everything after it, and opens a fresh active segment.
func (w *WAL) Recover(afterSeq uint64, fn func(Entry, Location) error) (RecoveryStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var stats RecoveryStats
	if w.active != nil {
		return stats, errors.New("wal: already recovered")
	}

	w.segMu.Lock()
	segs := w.segments
	w.segMu.Unlock()

	var prev uint64
	kept := make([]*walSegment, 0, len(segs))
	for i, seg := range segs {
		fi, err := seg.ref.f.Stat()
		if err != nil {
			return stats, wrapPathError(err, seg.path, "stat WAL segment")
		}
		var first uint64
		good, torn, err := scanSegment(seg, fi.Size(), &prev, func(e Entry, off int64) error {
			stats.Records++
			if first == 0 {
				first = e.Seq
			}
			seg.lastSeq.Store(e.Seq)
			if e.Seq <= afterSeq || fn == nil {
				return nil
			}
			stats.Replayed++
			return fn(e, Location{Segment: seg.id, Offset: off, Seq: e.Seq, Tombstone: e.Tombstone})
		})
		if err != nil {
			return stats, err
		}
		seg.firstSeq.Store(first)
		stats.Segments++

		if !torn {
			seg.size.Store(good)
			seg.sealed.Store(true)
			kept = append(kept, seg)
			continue
		}

		stats.TornRecords++
		w.log.Warn("Discarding invalid WAL tail",
			"segment", seg.id,
			"error", kverrors.Corruption(seg.path, good, "length or checksum mismatch"))

		if good < WALHeaderSize || first == 0 {
			seg.ref.retire(true)
			stats.DroppedSegments++
		} else {
			if err := seg.ref.f.Truncate(good); err != nil {
				return stats, wrapPathError(err, seg.path, "truncate WAL segment")
			}
			if err := fdatasync(seg.ref.f); err != nil {
				return stats, wrapPathError(err, seg.path, "sync WAL segment")
			}
			seg.size.Store(good)
			seg.sealed.Store(true)
			kept = append(kept, seg)
		}

		for _, later := range segs[i+1:] {
			w.log.Error("Dropping WAL segment after corruption point", "segment", later.id)
			later.ref.retire(true)
			stats.DroppedSegments++
		}
		break
	}
	stats.LastSeq = prev

	var nextID uint64 = 1
	if len(segs) > 0 {
		nextID = segs[len(segs)-1].id + 1
	}
	active, err := w.createSegment(nextID)
	if err != nil {
		return stats, err
	}
	kept = append(kept, active)

	w.segMu.Lock()
	w.segments = kept
	w.segMu.Unlock()
	w.active = active

	if stats.DroppedSegments > 0 {
		if err := syncDir(w.opts.Dir); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Replay calls fn for every durable record above afterSeq without
// modifying anything. It is used to rebuild the index after Recover.
func (w *WAL) Replay(afterSeq uint64, fn func(Entry, Location) error) error {
	var prev uint64
	for _, seg := range w.snapshotSegments() {
		if last := seg.lastSeq.Load(); last == 0 || last <= afterSeq {
			continue
		}
		if !seg.ref.acquire() {
			continue
		}
		_, torn, err := scanSegment(seg, seg.size.Load(), &prev, func(e Entry, off int64) error {
			if e.Seq <= afterSeq {
				return nil
			}
			return fn(e.clone(), Location{Segment: seg.id, Offset: off, Seq: e.Seq, Tombstone: e.Tombstone})
		})
		seg.ref.release()
		if err != nil {
			return err
		}
		if torn {
			return kverrors.Corruption(seg.path, 0, "durable WAL region failed validation")
		}
	}
	return nil
}

// Append writes e at the tail of the active segment and, in SyncAlways
// mode, fsyncs before returning. A failed write is rolled back so the
// segment never carries a partial record ahead of later appends.
func (w *WAL) Append(e Entry) (Location, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return Location{}, w.failed
	}
	seg := w.active
	if seg == nil {
		return Location{}, errWALNotRecovered
	}

	buf := appendRecord(make([]byte, 0, encodedSize(e)), e)
	off := seg.size.Load()

	_, err := seg.ref.f.WriteAt(buf, off)
	if err == nil && w.opts.SyncMode == SyncAlways {
		err = fdatasync(seg.ref.f)
	}
	if err != nil {
		if terr := seg.ref.f.Truncate(off); terr != nil {
			w.failed = wrapPathError(terr, seg.path, "roll back WAL append")
			w.log.Error("WAL rollback failed, refusing further appends", "segment", seg.id, "error", terr)
		}
		return Location{}, wrapPathError(err, seg.path, "append to WAL")
	}

	seg.firstSeq.CompareAndSwap(0, e.Seq)
	seg.lastSeq.Store(e.Seq)
	seg.size.Store(off + int64(len(buf)))

	return Location{Segment: seg.id, Offset: off, Seq: e.Seq, Tombstone: e.Tombstone}, nil
}

// NeedsRotation reports whether the active segment reached the size limit.
func (w *WAL) NeedsRotation() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active != nil && w.active.size.Load() >= w.opts.SegmentSize
}

// Rotate seals the active segment and opens the next one. It returns the
// sealed segment id, or false when the active segment holds no records.
func (w *WAL) Rotate() (uint64, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := w.active
	if seg == nil {
		return 0, false, errWALNotRecovered
	}
	if seg.lastSeq.Load() == 0 {
		return 0, false, nil
	}
	if err := fdatasync(seg.ref.f); err != nil {
		return 0, false, wrapPathError(err, seg.path, "sync WAL segment")
	}

	next, err := w.createSegment(seg.id + 1)
	if err != nil {
		return 0, false, err
	}
	seg.sealed.Store(true)

	w.segMu.Lock()
	w.segments = append(w.segments, next)
	w.segMu.Unlock()
	w.active = next

	w.log.Debug("Segment rotated", "sealed", seg.id, "active", next.id, "bytes", seg.size.Load())
	return seg.id, true, nil
}

func (w *WAL) snapshotSegments() []*walSegment {
	w.segMu.RLock()
	defer w.segMu.RUnlock()
	out := make([]*walSegment, len(w.segments))
	copy(out, w.segments)
	return out
}

func (w *WAL) segment(id uint64) *walSegment {
	w.segMu.RLock()
	defer w.segMu.RUnlock()
	i := sort.Search(len(w.segments), func(i int) bool { return w.segments[i].id >= id })
	if i < len(w.segments) && w.segments[i].id == id {
		return w.segments[i]
	}
	return nil
}

// ReadAt reads the record at off in segment id.
func (w *WAL) ReadAt(id uint64, off int64) (Entry, error) {
	seg := w.segment(id)
	if seg == nil || !seg.ref.acquire() {
		return Entry{}, errSegmentGone
	}
	defer seg.ref.release()

	if off < WALHeaderSize || off >= seg.size.Load() {
		return Entry{}, kverrors.Corruption(seg.path, off, "location outside durable region")
	}
	e, err := readRecordAt(seg.ref.f, off)
	if err != nil {
		if isRecordFault(err) {
			return Entry{}, kverrors.Corruption(seg.path, off, err.Error())
		}
		return Entry{}, wrapPathError(err, seg.path, "read WAL record")
	}
	return e, nil
}

// Scan returns up to limit records with a sequence above afterSeq, in order.
// A limit of zero or less means no limit.
func (w *WAL) Scan(afterSeq uint64, limit int) ([]Entry, error) {
	var out []Entry
	var prev uint64
	for _, seg := range w.snapshotSegments() {
		if last := seg.lastSeq.Load(); last == 0 || last <= afterSeq {
			continue
		}
		if !seg.ref.acquire() {
			continue
		}
		full := errors.New("limit reached")
		_, _, err := scanSegment(seg, seg.size.Load(), &prev, func(e Entry, _ int64) error {
			if e.Seq <= afterSeq {
				return nil
			}
			out = append(out, e.clone())
			if limit > 0 && len(out) >= limit {
				return full
			}
			return nil
		})
		seg.ref.release()
		if err == full {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReadSegment returns every record of a sealed segment.
func (w *WAL) ReadSegment(id uint64) ([]Entry, error) {
	seg := w.segment(id)
	if seg == nil || !seg.ref.acquire() {
		return nil, errSegmentGone
	}
	defer seg.ref.release()

	var out []Entry
	var prev uint64
	_, torn, err := scanSegment(seg, seg.size.Load(), &prev, func(e Entry, _ int64) error {
		out = append(out, e.clone())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if torn {
		return nil, kverrors.Corruption(seg.path, 0, "sealed segment failed validation")
	}
	return out, nil
}

// Segments describes all live segments, oldest first.
func (w *WAL) Segments() []SegmentInfo {
	segs := w.snapshotSegments()
	out := make([]SegmentInfo, len(segs))
	for i, s := range segs {
		out[i] = s.info()
	}
	return out
}

// OldestSeq returns the first sequence still held by the WAL, or 0.
func (w *WAL) OldestSeq() uint64 {
	for _, s := range w.snapshotSegments() {
		if first := s.firstSeq.Load(); first != 0 {
			return first
		}
	}
	return 0
}

// RemoveSegment deletes a sealed segment once its readers are done.
func (w *WAL) RemoveSegment(id uint64) error {
	w.segMu.Lock()
	var seg *walSegment
	for i, s := range w.segments {
		if s.id == id {
			if !s.sealed.Load() {
				w.segMu.Unlock()
				return fmt.Errorf("wal: segment %d is active", id)
			}
			seg = s
			w.segments = append(w.segments[:i], w.segments[i+1:]...)
			break
		}
	}
	w.segMu.Unlock()

	if seg != nil {
		seg.ref.retire(true)
	}
	return nil
}

// Size returns the total size of all segments in bytes.
func (w *WAL) Size() int64 {
	var total int64
	for _, s := range w.snapshotSegments() {
		total += s.size.Load()
	}
	return total
}

// Sync fsyncs the active segment. Used in SyncNone mode before shutdown.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return nil
	}
	return wrapPathError(fdatasync(w.active.ref.f), w.active.path, "sync WAL segment")
}

// Close syncs and closes every segment.
func (w *WAL) Close() error {
	err := w.Sync()

	w.mu.Lock()
	w.active = nil
	w.failed = kverrors.Closed()
	w.mu.Unlock()

	w.closeAll()
	return err
}

func (w *WAL) closeAll() {
	w.segMu.Lock()
	defer w.segMu.Unlock()
	for _, s := range w.segments {
		s.ref.retire(false)
	}
	w.segments = nil
}
