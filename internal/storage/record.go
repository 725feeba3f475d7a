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

package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

/*
Record Format:
==============

Every entry, in the WAL and inside partitions, is stored as one record:

	┌────────────┬──────────┬────────────┬─────┬──────────────┬───────┬──────────┐
	│ Length(4B) │ Seq (8B) │ KeyLen(4B) │ Key │ ValueLen(4B) │ Value │ CRC (4B) │
	└────────────┴──────────┴────────────┴─────┴──────────────┴───────┴──────────┘

	- Length: bytes that follow the length field, checksum included
	- ValueLen: 0xFFFFFFFF marks a tombstone (no value bytes follow)
	- CRC: CRC32 (IEEE) over Seq through the end of Value

All integers are big-endian.
*/

const (
	// tombstoneMarker in the value length field marks a logical delete.
	tombstoneMarker uint32 = 0xFFFFFFFF

	// recordOverhead is the fixed part of a record: length, seq, key length,
	// value length and checksum.
	recordOverhead = 4 + 8 + 4 + 4 + 4

	// MaxKeySize bounds keys so a corrupt length field is recognizable.
	MaxKeySize = 64 << 10

	// MaxValueSize bounds values for the same reason.
	MaxValueSize = 256 << 20
)

var (
	// errTornRecord means the record ended before its declared length.
	errTornRecord = errors.New("torn record")

	// errBadRecord means the record's lengths or checksum do not agree.
	errBadRecord = errors.New("invalid record")
)

// Entry is one versioned mutation of a key.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
	Seq       uint64
}

// encodedSize returns the number of bytes AppendRecord writes for e.
func encodedSize(e Entry) int {
	n := recordOverhead + len(e.Key)
	if !e.Tombstone {
		n += len(e.Value)
	}
	return n
}

// appendRecord encodes e onto dst.
func appendRecord(dst []byte, e Entry) []byte {
	size := encodedSize(e)
	start := len(dst)
	dst = append(dst, make([]byte, size)...)
	buf := dst[start:]

	binary.BigEndian.PutUint32(buf[0:], uint32(size-4))
	binary.BigEndian.PutUint64(buf[4:], e.Seq)
	binary.BigEndian.PutUint32(buf[12:], uint32(len(e.Key)))
	off := 16
	off += copy(buf[off:], e.Key)
	if e.Tombstone {
		binary.BigEndian.PutUint32(buf[off:], tombstoneMarker)
		off += 4
	} else {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Value)))
		off += 4
		off += copy(buf[off:], e.Value)
	}
	binary.BigEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[4:off]))
	return dst
}

// EncodeRecord returns the record encoding of e.
func EncodeRecord(e Entry) []byte {
	return appendRecord(make([]byte, 0, encodedSize(e)), e)
}

// decodeBody decodes everything after the length prefix.
func decodeBody(body []byte) (Entry, error) {
	if len(body) < recordOverhead-4 {
		return Entry{}, errBadRecord
	}
	sum := binary.BigEndian.Uint32(body[len(body)-4:])
	payload := body[:len(body)-4]
	if crc32.ChecksumIEEE(payload) != sum {
		return Entry{}, errBadRecord
	}

	e := Entry{Seq: binary.BigEndian.Uint64(payload[0:])}
	keyLen := binary.BigEndian.Uint32(payload[8:])
	if keyLen > MaxKeySize || int(keyLen)+16 > len(payload) {
		return Entry{}, errBadRecord
	}
	off := 12
	e.Key = payload[off : off+int(keyLen)]
	off += int(keyLen)

	valLen := binary.BigEndian.Uint32(payload[off:])
	off += 4
	if valLen == tombstoneMarker {
		e.Tombstone = true
		if off != len(payload) {
			return Entry{}, errBadRecord
		}
		return e, nil
	}
	if int(valLen) != len(payload)-off {
		return Entry{}, errBadRecord
	}
	e.Value = payload[off:]
	return e, nil
}

// DecodeRecord decodes one record from the front of buf and returns the
// number of bytes consumed.
func DecodeRecord(buf []byte) (Entry, int, error) {
	if len(buf) < 4 {
		return Entry{}, 0, errTornRecord
	}
	length := binary.BigEndian.Uint32(buf)
	if length < recordOverhead-4 || length > MaxKeySize+MaxValueSize+recordOverhead {
		return Entry{}, 0, errBadRecord
	}
	if int(length)+4 > len(buf) {
		return Entry{}, 0, errTornRecord
	}
	body := make([]byte, length)
	copy(body, buf[4:4+length])
	e, err := decodeBody(body)
	if err != nil {
		return Entry{}, 0, err
	}
	return e, int(length) + 4, nil
}

// readRecord reads one record from r. It returns io.EOF when r is exhausted
// exactly at a record boundary, errTornRecord when the record is cut short
// and errBadRecord when it fails validation.
func readRecord(r io.Reader) (Entry, int, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err == io.EOF {
		return Entry{}, 0, io.EOF
	}
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, n, errTornRecord
		}
		return Entry{}, n, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < recordOverhead-4 || length > MaxKeySize+MaxValueSize+recordOverhead {
		return Entry{}, 4, errBadRecord
	}

	body := make([]byte, length)
	m, err := io.ReadFull(r, body)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return Entry{}, 4 + m, errTornRecord
		}
		return Entry{}, 4 + m, err
	}

	e, err := decodeBody(body)
	if err != nil {
		return Entry{}, 4 + m, err
	}
	return e, int(length) + 4, nil
}

// readRecordAt reads the record starting at off.
func readRecordAt(r io.ReaderAt, off int64) (Entry, error) {
	var lenBuf [4]byte
	if _, err := r.ReadAt(lenBuf[:], off); err != nil {
		if err == io.EOF {
			return Entry{}, errTornRecord
		}
		return Entry{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < recordOverhead-4 || length > MaxKeySize+MaxValueSize+recordOverhead {
		return Entry{}, errBadRecord
	}
	body := make([]byte, length)
	if _, err := r.ReadAt(body, off+4); err != nil {
		if err == io.EOF {
			return Entry{}, errTornRecord
		}
		return Entry{}, err
	}
	return decodeBody(body)
}

// isRecordFault reports whether err is a validation failure rather than an
// operating system error.
func isRecordFault(err error) bool {
	return errors.Is(err, errTornRecord) || errors.Is(err, errBadRecord)
}

// clone returns a copy of e that does not alias any read buffer.
func (e Entry) clone() Entry {
	out := Entry{Seq: e.Seq, Tombstone: e.Tombstone}
	out.Key = bytes.Clone(e.Key)
	if !e.Tombstone {
		out.Value = bytes.Clone(e.Value)
		if out.Value == nil {
			out.Value = []byte{}
		}
	}
	return out
}
