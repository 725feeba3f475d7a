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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"kaydb/internal/compression"
	kverrors "kaydb/internal/errors"
)

func sortedEntries(n int) []Entry {
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, Entry{
			Key:   []byte(fmt.Sprintf("key%04d", i)),
			Value: []byte(fmt.Sprintf("value%d", i)),
			Seq:   uint64(i + 1),
		})
	}
	return entries
}

func writeTestPartition(t *testing.T, dir string, id uint64, entries []Entry, comp *compression.Compressor) *Partition {
	t.Helper()
	path := partitionPath(dir, id)
	if _, err := writePartition(path, entries, 0.01, comp); err != nil {
		t.Fatalf("writePartition failed: %v", err)
	}
	p, err := openPartition(id, path)
	if err != nil {
		t.Fatalf("openPartition failed: %v", err)
	}
	t.Cleanup(func() { p.ref.retire(false) })
	return p
}

func TestPartitionWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	comp := compression.NewCompressor(compression.Config{Algorithm: compression.AlgorithmNone})

	entries := sortedEntries(100)
	entries[10].Tombstone = true
	entries[10].Value = nil

	p := writeTestPartition(t, dir, 1, entries, comp)

	if p.KeyCount() != 100 {
		t.Errorf("Expected 100 keys, got %d", p.KeyCount())
	}
	if p.Tombstones() != 1 {
		t.Errorf("Expected 1 tombstone, got %d", p.Tombstones())
	}
	if lo, hi := p.SeqRange(); lo != 1 || hi != 100 {
		t.Errorf("Expected seq range [1,100], got [%d,%d]", lo, hi)
	}

	for _, want := range entries {
		got, found, err := p.get(want.Key, comp)
		if err != nil {
			t.Fatalf("get %s failed: %v", want.Key, err)
		}
		if !found {
			t.Fatalf("Key %s not found", want.Key)
		}
		if got.Seq != want.Seq || got.Tombstone != want.Tombstone || !bytes.Equal(got.Value, want.Value) {
			t.Errorf("Key %s: got %+v, want %+v", want.Key, got, want)
		}
	}

	if _, found, err := p.get([]byte("absent"), comp); err != nil || found {
		t.Errorf("Expected absent key to be missing, found=%v err=%v", found, err)
	}
}

func TestPartitionIterator(t *testing.T) {
	dir := t.TempDir()
	comp := compression.NewCompressor(compression.Config{Algorithm: compression.AlgorithmNone})
	entries := sortedEntries(500)
	p := writeTestPartition(t, dir, 1, entries, comp)

	it := p.iterator(comp)
	i := 0
	for it.next() {
		if !bytes.Equal(it.entry().Key, entries[i].Key) {
			t.Fatalf("Entry %d: expected key %s, got %s", i, entries[i].Key, it.entry().Key)
		}
		i++
	}
	if it.err != nil {
		t.Fatalf("Iterator failed: %v", it.err)
	}
	if i != len(entries) {
		t.Errorf("Expected %d entries, iterated %d", len(entries), i)
	}
}

func TestPartitionCompressedValues(t *testing.T) {
	for _, algo := range []compression.Algorithm{compression.AlgorithmGzip, compression.AlgorithmLZ4} {
		t.Run(algo.String(), func(t *testing.T) {
			dir := t.TempDir()
			comp := compression.NewCompressor(compression.Config{Algorithm: algo, MinSize: 16})

			big := bytes.Repeat([]byte("compressible "), 200)
			entries := []Entry{
				{Key: []byte("big"), Value: big, Seq: 1},
				{Key: []byte("gone"), Tombstone: true, Seq: 2},
				{Key: []byte("small"), Value: []byte("x"), Seq: 3},
			}
			p := writeTestPartition(t, dir, 1, entries, comp)
			if p.Codec() != algo {
				t.Fatalf("Expected codec %s, got %s", algo, p.Codec())
			}

			got, found, err := p.get([]byte("big"), comp)
			if err != nil || !found {
				t.Fatalf("get big: found=%v err=%v", found, err)
			}
			if !bytes.Equal(got.Value, big) {
				t.Errorf("Decompressed value does not match")
			}
			if p.Size() >= int64(len(big)) {
				t.Errorf("Expected partition smaller than the raw value, got %d bytes", p.Size())
			}

			got, _, err = p.get([]byte("small"), comp)
			if err != nil || string(got.Value) != "x" {
				t.Errorf("get small: %q, %v", got.Value, err)
			}
		})
	}
}

func TestPartitionRejectsOutOfOrder(t *testing.T) {
	dir := t.TempDir()
	comp := compression.NewCompressor(compression.DefaultConfig())
	path := partitionPath(dir, 1)

	entries := []Entry{
		{Key: []byte("b"), Value: []byte("1"), Seq: 1},
		{Key: []byte("a"), Value: []byte("2"), Seq: 2},
	}
	_, err := writePartition(path, entries, 0.01, comp)
	if !errors.Is(err, errOutOfOrder) {
		t.Fatalf("Expected errOutOfOrder, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected aborted partition to be removed, stat err=%v", err)
	}
}

func TestPartitionDetectsFooterDamage(t *testing.T) {
	dir := t.TempDir()
	comp := compression.NewCompressor(compression.DefaultConfig())
	path := partitionPath(dir, 7)
	size, err := writePartition(path, sortedEntries(20), 0.01, comp)
	if err != nil {
		t.Fatalf("writePartition failed: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Last byte of the Bloom filter, just before the trailer.
	off := size - partitionTrailerSize - 1
	b := make([]byte, 1)
	f.ReadAt(b, off)
	b[0] ^= 0xFF
	f.WriteAt(b, off)
	f.Close()

	if _, err := openPartition(7, path); !kverrors.IsCorruption(err) {
		t.Fatalf("Expected corruption error, got %v", err)
	}
}

func TestPartitionFileNames(t *testing.T) {
	name := partitionFileName(42)
	id, ok := parsePartitionName(name)
	if !ok || id != 42 {
		t.Fatalf("parsePartitionName(%q) = %d, %v", name, id, ok)
	}
	if filepath.Base(partitionPath("/data", 42)) != name {
		t.Errorf("partitionPath does not use partitionFileName")
	}
	for _, bad := range []string{"MANIFEST", "p-12.kpt.tmp", "wal-0000000000000001.log", "p-abc.kpt"} {
		if _, ok := parsePartitionName(bad); ok {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}
