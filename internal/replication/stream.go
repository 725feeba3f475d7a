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
Package replication keeps follower engines in step with a leader.

Replication Overview:
=====================

Two modes are provided on top of the same engine contract:

  - Log shipping: a Shipper streams committed records to registered
    Sinks, one goroutine per follower, and a Follower applies them in
    sequence order. Writes on the master never wait for followers.
  - Consensus: a Node elects a leader with randomized timeouts and
    replicates through AppendEntries. Propose returns once a quorum of
    floor(N/2)+1 nodes, the leader included, holds the record.

Engine Contract:
================

	RecordsSince(after, limit)  records above after, or SnapshotRequired
	ApplyRecord(entry)          in-order apply, Conflict on duplicates
	WaitForCommit(ctx, after)   blocks until a newer record commits

A follower that fell behind the leader's WAL retention is bootstrapped by
streaming ExportSnapshot into InstallSnapshot.

Wire Framing:
=============

Batches travel as length-prefixed frames:

	[length u32][kind u8][codec u8][term u64][commit u64][count u32][payload]

The payload is the WAL encoding of each record, back to back, optionally
compressed with the codec named in the frame. Snapshot frames carry the
raw snapshot stream instead. Connections are owned by the caller.
*/
package replication

import (
	"encoding/binary"
	"fmt"
	"io"

	"kaydb/internal/compression"
	kverrors "kaydb/internal/errors"
	"kaydb/internal/storage"
)

// FrameKind identifies the payload of a frame.
type FrameKind uint8

const (
	// FrameBatch carries WAL-encoded records.
	FrameBatch FrameKind = 1
	// FrameSnapshot carries an exported snapshot stream.
	FrameSnapshot FrameKind = 2
)

const (
	frameHeaderSize = 1 + 1 + 8 + 8 + 4
	maxFrameSize    = 1 << 30
	streamName      = "replication stream"
)

// Batch is a run of consecutive records sent to a follower.
type Batch struct {
	Term    uint64
	Commit  uint64
	Entries []storage.Entry
}

// LastSeq returns the sequence of the final record, or 0 for an empty batch.
func (b Batch) LastSeq() uint64 {
	if len(b.Entries) == 0 {
		return 0
	}
	return b.Entries[len(b.Entries)-1].Seq
}

// Frame is one decoded unit of a replication stream.
type Frame struct {
	Kind     FrameKind
	Batch    Batch
	Snapshot []byte
}

// Encoder writes frames to a stream.
type Encoder struct {
	w    io.Writer
	comp *compression.Compressor
}

// NewEncoder returns an encoder writing to w. A nil compressor sends
// payloads uncompressed.
func NewEncoder(w io.Writer, comp *compression.Compressor) *Encoder {
	return &Encoder{w: w, comp: comp}
}

// WriteBatch writes b as a single frame.
func (e *Encoder) WriteBatch(b Batch) error {
	var payload []byte
	for _, ent := range b.Entries {
		payload = append(payload, storage.EncodeRecord(ent)...)
	}
	return e.writeFrame(FrameBatch, b.Term, b.Commit, uint32(len(b.Entries)), payload)
}

// WriteSnapshot writes an exported snapshot stream as a single frame.
func (e *Encoder) WriteSnapshot(term uint64, data []byte) error {
	return e.writeFrame(FrameSnapshot, term, 0, 0, data)
}

func (e *Encoder) writeFrame(kind FrameKind, term, commit uint64, count uint32, payload []byte) error {
	codec := compression.AlgorithmNone
	if e.comp != nil && e.comp.Algorithm() != compression.AlgorithmNone && len(payload) > 0 {
		packed, err := e.comp.Compress(payload)
		if err != nil {
			return fmt.Errorf("compress frame: %w", err)
		}
		if len(packed) < len(payload) {
			payload = packed
			codec = e.comp.Algorithm()
		}
	}
	if frameHeaderSize+len(payload) > maxFrameSize {
		return kverrors.InvalidValue("frame", fmt.Sprintf("%d bytes exceeds the frame limit", len(payload)))
	}

	buf := make([]byte, 4+frameHeaderSize, 4+frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:], uint32(frameHeaderSize+len(payload)))
	buf[4] = byte(kind)
	buf[5] = byte(codec)
	binary.BigEndian.PutUint64(buf[6:], term)
	binary.BigEndian.PutUint64(buf[14:], commit)
	binary.BigEndian.PutUint32(buf[22:], count)
	buf = append(buf, payload...)
	_, err := e.w.Write(buf)
	return err
}

// Decoder reads frames from a stream.
type Decoder struct {
	r      io.Reader
	comp   *compression.Compressor
	offset int64
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, comp: compression.NewCompressor(compression.DefaultConfig())}
}

// Next reads the next frame. It returns io.EOF when the stream ends on a
// frame boundary.
func (d *Decoder) Next() (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, kverrors.Corruption(streamName, d.offset, "truncated frame length").WithCause(err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < frameHeaderSize || length > maxFrameSize {
		return Frame{}, kverrors.Corruption(streamName, d.offset, fmt.Sprintf("invalid frame length %d", length))
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Frame{}, kverrors.Corruption(streamName, d.offset, "truncated frame").WithCause(err)
	}
	start := d.offset
	d.offset += 4 + int64(length)

	kind := FrameKind(body[0])
	codec := compression.Algorithm(body[1])
	term := binary.BigEndian.Uint64(body[2:])
	commit := binary.BigEndian.Uint64(body[10:])
	count := binary.BigEndian.Uint32(body[18:])

	payload, err := d.comp.Decompress(body[frameHeaderSize:], codec)
	if err != nil {
		return Frame{}, kverrors.Corruption(streamName, start, "undecodable payload").WithCause(err)
	}

	switch kind {
	case FrameSnapshot:
		return Frame{Kind: kind, Batch: Batch{Term: term}, Snapshot: payload}, nil
	case FrameBatch:
		entries, err := decodeEntries(payload, count)
		if err != nil {
			return Frame{}, kverrors.Corruption(streamName, start, err.Error())
		}
		return Frame{Kind: kind, Batch: Batch{Term: term, Commit: commit, Entries: entries}}, nil
	default:
		return Frame{}, kverrors.Corruption(streamName, start, fmt.Sprintf("unknown frame kind %d", kind))
	}
}

func decodeEntries(payload []byte, count uint32) ([]storage.Entry, error) {
	entries := make([]storage.Entry, 0, count)
	for off := 0; off < len(payload); {
		ent, n, err := storage.DecodeRecord(payload[off:])
		if err != nil {
			return nil, fmt.Errorf("record %d: %v", len(entries), err)
		}
		entries = append(entries, ent)
		off += n
	}
	if uint32(len(entries)) != count {
		return nil, fmt.Errorf("frame declares %d records, found %d", count, len(entries))
	}
	return entries, nil
}
