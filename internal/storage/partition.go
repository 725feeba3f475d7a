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
Partition File Format
=====================

A partition is an immutable file holding one version per key, in key
order. It is written once by a flush or a compaction and never modified.

	┌──────────────────────────────────────────────────────────────┐
	│ Header:  magic "KPRT" (4B) │ version (1B) │ codec (1B) │ 2B   │
	├──────────────────────────────────────────────────────────────┤
	│ Entries: records (record.go layout), ascending key order     │
	├──────────────────────────────────────────────────────────────┤
	│ Footer:  per key: key_len u32 │ key │ offset u64 │ seq u64 │  │
	│                   flags u8                                   │
	│          bloom filter encoding                               │
	├──────────────────────────────────────────────────────────────┤
	│ Trailer (64B): footer_off │ index_len │ bloom_len │ count │   │
	│          min_seq │ max_seq │ tombstones (u64 each) │          │
	│          crc32 of footer (u32) │ magic (u32)                  │
	└──────────────────────────────────────────────────────────────┘

The trailer sits at a fixed distance from the end of the file, so a
reader finds the footer with one read of the tail. On open the footer is
loaded into memory; a point read is then a Bloom check, a binary search
and a single positioned read.

When the codec byte is not "none", stored values carry a one-byte frame
from the compression package and are decompressed on read. The record
checksum covers the stored bytes.
*/
package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"kaydb/internal/cache"
	"kaydb/internal/compression"
	kverrors "kaydb/internal/errors"
)

const (
	// PartitionMagic identifies partition files: "KPRT" in ASCII.
	PartitionMagic uint32 = 0x4B505254

	// PartitionVersion is the current partition format version.
	PartitionVersion byte = 1

	partitionHeaderSize  = 8
	partitionTrailerSize = 64

	partitionFilePrefix = "p-"
	partitionFileSuffix = ".kpt"

	footerFlagTombstone byte = 0x01
)

var errOutOfOrder = errors.New("partition entries must be added in ascending key order")

func partitionFileName(id uint64) string {
	return fmt.Sprintf("%s%016d%s", partitionFilePrefix, id, partitionFileSuffix)
}

func parsePartitionName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, partitionFilePrefix) || !strings.HasSuffix(name, partitionFileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, partitionFilePrefix), partitionFileSuffix), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// footerEntry is one key of the footer index.
type footerEntry struct {
	key       []byte
	offset    int64
	seq       uint64
	tombstone bool
}

// Partition is an open, immutable partition file.
type Partition struct {
	ID uint64

	meta       PartitionMeta
	path       string
	ref        *fileRef
	codec      compression.Algorithm
	keys       []footerEntry
	bloom      *cache.BloomFilter
	footerOff  int64
	size       int64
	minSeq     uint64
	maxSeq     uint64
	tombstones int
}

// Meta returns the manifest record the partition was installed with.
func (p *Partition) Meta() PartitionMeta { return p.meta }

// Path returns the partition's file path.
func (p *Partition) Path() string { return p.path }

// Size returns the file size in bytes.
func (p *Partition) Size() int64 { return p.size }

// KeyCount returns the number of keys, tombstones included.
func (p *Partition) KeyCount() int { return len(p.keys) }

// Tombstones returns the number of tombstone entries.
func (p *Partition) Tombstones() int { return p.tombstones }

// SeqRange returns the lowest and highest sequence numbers stored.
func (p *Partition) SeqRange() (uint64, uint64) { return p.minSeq, p.maxSeq }

// Codec returns the value codec the partition was written with.
func (p *Partition) Codec() compression.Algorithm { return p.codec }

// Bloom returns the partition's Bloom filter.
func (p *Partition) Bloom() *cache.BloomFilter { return p.bloom }

// MightContain consults the Bloom filter. A false result is definitive.
func (p *Partition) MightContain(key []byte) bool {
	return p.bloom.MightContain(key)
}

func (p *Partition) find(key []byte) (footerEntry, bool) {
	i := sort.Search(len(p.keys), func(i int) bool {
		return bytes.Compare(p.keys[i].key, key) >= 0
	})
	if i < len(p.keys) && bytes.Equal(p.keys[i].key, key) {
		return p.keys[i], true
	}
	return footerEntry{}, false
}

// get reads the stored version of key. The caller must hold a reference.
func (p *Partition) get(key []byte, comp *compression.Compressor) (Entry, bool, error) {
	if !p.bloom.MightContain(key) {
		return Entry{}, false, nil
	}
	fe, ok := p.find(key)
	if !ok {
		return Entry{}, false, nil
	}
	e, err := p.readAt(fe.offset, comp)
	if err != nil {
		return Entry{}, false, err
	}
	if !bytes.Equal(e.Key, key) || e.Seq != fe.seq {
		return Entry{}, false, kverrors.Corruption(p.path, fe.offset, "record does not match footer index")
	}
	return e, true, nil
}

func (p *Partition) readAt(off int64, comp *compression.Compressor) (Entry, error) {
	if off < partitionHeaderSize || off >= p.footerOff {
		return Entry{}, kverrors.Corruption(p.path, off, "offset outside entry region")
	}
	e, err := readRecordAt(p.ref.f, off)
	if err != nil {
		if isRecordFault(err) {
			return Entry{}, kverrors.Corruption(p.path, off, err.Error())
		}
		return Entry{}, wrapPathError(err, p.path, "read partition record")
	}
	return p.decodeValue(e, off, comp)
}

func (p *Partition) decodeValue(e Entry, off int64, comp *compression.Compressor) (Entry, error) {
	if e.Tombstone || p.codec == compression.AlgorithmNone {
		return e, nil
	}
	v, err := comp.DecodeValue(e.Value, p.codec)
	if err != nil {
		return Entry{}, kverrors.Corruption(p.path, off, "value decode: "+err.Error())
	}
	e.Value = v
	return e, nil
}

// partitionIterator walks the entries of a partition in key order.
type partitionIterator struct {
	p         *Partition
	comp      *compression.Compressor
	r         *bufio.Reader
	off       int64
	remaining int
	cur       Entry
	err       error
}

// iterator returns a sequential reader over all entries. The caller must
// hold a reference for the iterator's lifetime.
func (p *Partition) iterator(comp *compression.Compressor) *partitionIterator {
	section := io.NewSectionReader(p.ref.f, partitionHeaderSize, p.footerOff-partitionHeaderSize)
	return &partitionIterator{
		p:         p,
		comp:      comp,
		r:         bufio.NewReaderSize(section, 64<<10),
		off:       partitionHeaderSize,
		remaining: len(p.keys),
	}
}

func (it *partitionIterator) next() bool {
	if it.err != nil || it.remaining == 0 {
		return false
	}
	e, n, err := readRecord(it.r)
	if err != nil {
		if err == io.EOF || isRecordFault(err) {
			it.err = kverrors.Corruption(it.p.path, it.off, "entry region ended early")
		} else {
			it.err = wrapPathError(err, it.p.path, "read partition")
		}
		return false
	}
	e, err = it.p.decodeValue(e, it.off, it.comp)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = e
	it.off += int64(n)
	it.remaining--
	return true
}

func (it *partitionIterator) entry() Entry { return it.cur }

// partitionWriter streams sorted entries into a new partition file.
type partitionWriter struct {
	path       string
	f          *os.File
	w          *bufio.Writer
	comp       *compression.Compressor
	codec      compression.Algorithm
	off        int64
	keys       []footerEntry
	bloom      *cache.BloomFilter
	minSeq     uint64
	maxSeq     uint64
	tombstones int
	buf        []byte
}

// newPartitionWriter creates path, failing if it already exists.
// expectedKeys sizes the Bloom filter; it must not be lower than the
// number of keys that will be added.
func newPartitionWriter(path string, expectedKeys int, fpRate float64, comp *compression.Compressor) (*partitionWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, wrapPathError(err, path, "create partition")
	}
	pw := &partitionWriter{
		path:  path,
		f:     f,
		w:     bufio.NewWriterSize(f, 256<<10),
		comp:  comp,
		codec: comp.Algorithm(),
		bloom: cache.NewBloomFilter(expectedKeys, fpRate),
	}

	var hdr [partitionHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], PartitionMagic)
	hdr[4] = PartitionVersion
	hdr[5] = byte(pw.codec)
	if _, err := pw.w.Write(hdr[:]); err != nil {
		pw.abort()
		return nil, wrapPathError(err, path, "write partition header")
	}
	pw.off = partitionHeaderSize
	return pw, nil
}

func (pw *partitionWriter) add(e Entry) error {
	if n := len(pw.keys); n > 0 && bytes.Compare(pw.keys[n-1].key, e.Key) >= 0 {
		return errOutOfOrder
	}

	stored := e
	if !e.Tombstone && pw.codec != compression.AlgorithmNone {
		v, err := pw.comp.EncodeValue(e.Value)
		if err != nil {
			return err
		}
		stored.Value = v
	}

	pw.buf = appendRecord(pw.buf[:0], stored)
	if _, err := pw.w.Write(pw.buf); err != nil {
		return wrapPathError(err, pw.path, "write partition record")
	}

	key := bytes.Clone(e.Key)
	pw.keys = append(pw.keys, footerEntry{key: key, offset: pw.off, seq: e.Seq, tombstone: e.Tombstone})
	pw.bloom.Add(key)
	pw.off += int64(len(pw.buf))

	if pw.minSeq == 0 || e.Seq < pw.minSeq {
		pw.minSeq = e.Seq
	}
	if e.Seq > pw.maxSeq {
		pw.maxSeq = e.Seq
	}
	if e.Tombstone {
		pw.tombstones++
	}
	return nil
}

// finish writes the footer and trailer, fsyncs and closes the file. The
// returned partition description has no open file; openPartition loads it.
func (pw *partitionWriter) finish() (int64, error) {
	var footer []byte
	for _, fe := range pw.keys {
		footer = binary.BigEndian.AppendUint32(footer, uint32(len(fe.key)))
		footer = append(footer, fe.key...)
		footer = binary.BigEndian.AppendUint64(footer, uint64(fe.offset))
		footer = binary.BigEndian.AppendUint64(footer, fe.seq)
		var flags byte
		if fe.tombstone {
			flags |= footerFlagTombstone
		}
		footer = append(footer, flags)
	}
	indexLen := len(footer)
	bloom := pw.bloom.Encode()
	footer = append(footer, bloom...)

	trailer := make([]byte, 0, partitionTrailerSize)
	trailer = binary.BigEndian.AppendUint64(trailer, uint64(pw.off))
	trailer = binary.BigEndian.AppendUint64(trailer, uint64(indexLen))
	trailer = binary.BigEndian.AppendUint64(trailer, uint64(len(bloom)))
	trailer = binary.BigEndian.AppendUint64(trailer, uint64(len(pw.keys)))
	trailer = binary.BigEndian.AppendUint64(trailer, pw.minSeq)
	trailer = binary.BigEndian.AppendUint64(trailer, pw.maxSeq)
	trailer = binary.BigEndian.AppendUint64(trailer, uint64(pw.tombstones))
	trailer = binary.BigEndian.AppendUint32(trailer, crc32.ChecksumIEEE(footer))
	trailer = binary.BigEndian.AppendUint32(trailer, PartitionMagic)

	if _, err := pw.w.Write(footer); err != nil {
		pw.abort()
		return 0, wrapPathError(err, pw.path, "write partition footer")
	}
	if _, err := pw.w.Write(trailer); err != nil {
		pw.abort()
		return 0, wrapPathError(err, pw.path, "write partition trailer")
	}
	if err := pw.w.Flush(); err != nil {
		pw.abort()
		return 0, wrapPathError(err, pw.path, "flush partition")
	}
	if err := pw.f.Sync(); err != nil {
		pw.abort()
		return 0, wrapPathError(err, pw.path, "sync partition")
	}
	if err := pw.f.Close(); err != nil {
		os.Remove(pw.path)
		return 0, wrapPathError(err, pw.path, "close partition")
	}
	return pw.off + int64(len(footer)) + partitionTrailerSize, nil
}

// abort discards an unfinished partition.
func (pw *partitionWriter) abort() {
	pw.f.Close()
	os.Remove(pw.path)
}

// openPartition opens a finished partition file and loads its footer.
func openPartition(id uint64, path string) (*Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapPathError(err, path, "open partition")
	}
	p, err := loadPartition(id, path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.ref = newFileRef(f, path)
	return p, nil
}

func loadPartition(id uint64, path string, f *os.File) (*Partition, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, wrapPathError(err, path, "stat partition")
	}
	size := fi.Size()
	if size < partitionHeaderSize+partitionTrailerSize {
		return nil, kverrors.Corruption(path, 0, "file too short for a partition")
	}

	var hdr [partitionHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, wrapPathError(err, path, "read partition header")
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != PartitionMagic || hdr[4] != PartitionVersion {
		return nil, kverrors.Corruption(path, 0, "bad partition header")
	}

	var tr [partitionTrailerSize]byte
	trailerOff := size - partitionTrailerSize
	if _, err := f.ReadAt(tr[:], trailerOff); err != nil {
		return nil, wrapPathError(err, path, "read partition trailer")
	}
	if binary.BigEndian.Uint32(tr[60:64]) != PartitionMagic {
		return nil, kverrors.Corruption(path, trailerOff, "bad partition trailer")
	}
	footerOff := int64(binary.BigEndian.Uint64(tr[0:8]))
	indexLen := int64(binary.BigEndian.Uint64(tr[8:16]))
	bloomLen := int64(binary.BigEndian.Uint64(tr[16:24]))
	count := binary.BigEndian.Uint64(tr[24:32])
	if footerOff < partitionHeaderSize || footerOff+indexLen+bloomLen != trailerOff {
		return nil, kverrors.Corruption(path, trailerOff, "footer offsets do not match file size")
	}

	footer := make([]byte, trailerOff-footerOff)
	if _, err := f.ReadAt(footer, footerOff); err != nil {
		return nil, wrapPathError(err, path, "read partition footer")
	}
	if crc32.ChecksumIEEE(footer) != binary.BigEndian.Uint32(tr[56:60]) {
		return nil, kverrors.Corruption(path, footerOff, "footer checksum mismatch")
	}

	keys, err := decodeFooterIndex(footer[:indexLen], count)
	if err != nil {
		return nil, kverrors.Corruption(path, footerOff, err.Error())
	}
	bloom, err := cache.DecodeBloomFilter(footer[indexLen:])
	if err != nil {
		return nil, kverrors.Corruption(path, footerOff+indexLen, err.Error())
	}

	return &Partition{
		ID:         id,
		path:       path,
		codec:      compression.Algorithm(hdr[5]),
		keys:       keys,
		bloom:      bloom,
		footerOff:  footerOff,
		size:       size,
		minSeq:     binary.BigEndian.Uint64(tr[32:40]),
		maxSeq:     binary.BigEndian.Uint64(tr[40:48]),
		tombstones: int(binary.BigEndian.Uint64(tr[48:56])),
	}, nil
}

func decodeFooterIndex(buf []byte, count uint64) ([]footerEntry, error) {
	keys := make([]footerEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(buf) < 4 {
			return nil, errBadRecord
		}
		klen := int(binary.BigEndian.Uint32(buf))
		buf = buf[4:]
		if klen > MaxKeySize || len(buf) < klen+17 {
			return nil, errBadRecord
		}
		fe := footerEntry{key: buf[:klen:klen]}
		buf = buf[klen:]
		fe.offset = int64(binary.BigEndian.Uint64(buf))
		fe.seq = binary.BigEndian.Uint64(buf[8:])
		fe.tombstone = buf[16]&footerFlagTombstone != 0
		buf = buf[17:]
		keys = append(keys, fe)
	}
	if len(buf) != 0 {
		return nil, errBadRecord
	}
	return keys, nil
}

// writePartition writes sorted, unique-key entries to a new partition file.
func writePartition(path string, entries []Entry, fpRate float64, comp *compression.Compressor) (int64, error) {
	pw, err := newPartitionWriter(path, len(entries), fpRate, comp)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := pw.add(e); err != nil {
			pw.abort()
			return 0, err
		}
	}
	return pw.finish()
}

// partitionPath joins a partition file name onto dir.
func partitionPath(dir string, id uint64) string {
	return filepath.Join(dir, partitionFileName(id))
}
