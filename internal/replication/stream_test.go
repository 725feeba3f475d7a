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


package replication

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"kaydb/internal/compression"
	kverrors "kaydb/internal/errors"
	"kaydb/internal/storage"
)

func testEntries(from, to uint64) []storage.Entry {
	var entries []storage.Entry
	for seq := from; seq <= to; seq++ {
		entries = append(entries, storage.Entry{
			Key:   []byte(fmt.Sprintf("key%03d", seq)),
			Value: bytes.Repeat([]byte{byte('a' + seq%26)}, 64),
			Seq:   seq,
		})
	}
	return entries
}

func TestStreamRoundTrip(t *testing.T) {
	algorithms := []compression.Algorithm{
		compression.AlgorithmNone,
		compression.AlgorithmGzip,
		compression.AlgorithmLZ4,
	}
	for _, algo := range algorithms {
		t.Run(algo.String(), func(t *testing.T) {
			batch := Batch{Term: 3, Commit: 40, Entries: testEntries(1, 50)}
			batch.Entries[7] = storage.Entry{Key: []byte("gone"), Tombstone: true, Seq: 8}

			var buf bytes.Buffer
			enc := NewEncoder(&buf, compression.NewCompressor(compression.Config{Algorithm: algo}))
			if err := enc.WriteBatch(batch); err != nil {
				t.Fatalf("WriteBatch failed: %v", err)
			}
			if err := enc.WriteSnapshot(3, []byte("snapshot bytes")); err != nil {
				t.Fatalf("WriteSnapshot failed: %v", err)
			}

			dec := NewDecoder(&buf)
			frame, err := dec.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if frame.Kind != FrameBatch || frame.Batch.Term != 3 || frame.Batch.Commit != 40 {
				t.Fatalf("Unexpected frame header: kind=%d term=%d commit=%d",
					frame.Kind, frame.Batch.Term, frame.Batch.Commit)
			}
			if len(frame.Batch.Entries) != len(batch.Entries) {
				t.Fatalf("Expected %d entries, got %d", len(batch.Entries), len(frame.Batch.Entries))
			}
			for i, want := range batch.Entries {
				got := frame.Batch.Entries[i]
				if got.Seq != want.Seq || got.Tombstone != want.Tombstone ||
					!bytes.Equal(got.Key, want.Key) || !bytes.Equal(got.Value, want.Value) {
					t.Errorf("Entry %d: got %+v, want %+v", i, got, want)
				}
			}
			if frame.Batch.LastSeq() != 50 {
				t.Errorf("Expected LastSeq 50, got %d", frame.Batch.LastSeq())
			}

			frame, err = dec.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if frame.Kind != FrameSnapshot || string(frame.Snapshot) != "snapshot bytes" {
				t.Errorf("Unexpected snapshot frame: %+v", frame)
			}

			if _, err := dec.Next(); !errors.Is(err, io.EOF) {
				t.Errorf("Expected io.EOF at the end of the stream, got %v", err)
			}
		})
	}
}

func TestStreamEmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf, nil).WriteBatch(Batch{Term: 1, Commit: 9}); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}
	frame, err := NewDecoder(&buf).Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(frame.Batch.Entries) != 0 || frame.Batch.Commit != 9 || frame.Batch.LastSeq() != 0 {
		t.Errorf("Unexpected heartbeat frame: %+v", frame.Batch)
	}
}

func TestStreamDetectsDamage(t *testing.T) {
	var clean bytes.Buffer
	if err := NewEncoder(&clean, nil).WriteBatch(Batch{Term: 1, Entries: testEntries(1, 5)}); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}

	tests := []struct {
		name   string
		damage func([]byte) []byte
	}{
		{"truncated", func(b []byte) []byte { return b[:len(b)-3] }},
		{"flipped record byte", func(b []byte) []byte { b[4+frameHeaderSize+20] ^= 0xFF; return b }},
		{"unknown kind", func(b []byte) []byte { b[4] = 9; return b }},
		{"count mismatch", func(b []byte) []byte { b[4+frameHeaderSize-1]++; return b }},
		{"bad length", func(b []byte) []byte { b[0], b[1], b[2], b[3] = 0, 0, 0, 2; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.damage(bytes.Clone(clean.Bytes()))
			_, err := NewDecoder(bytes.NewReader(data)).Next()
			if !kverrors.IsCorruption(err) {
				t.Fatalf("Expected corruption error, got %v", err)
			}
		})
	}
}
