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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kverrors "kaydb/internal/errors"
)

func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.SegmentSize = 1 << 20
	opts.FlushInterval = time.Hour
	opts.CompactionInterval = 0
	opts.SlowOpThreshold = 0
	return opts
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(context.Background(), testOptions(dir))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	return e
}

// engineFactories runs a test against both backends.
func engineFactories() map[string]func(t *testing.T) *Engine {
	return map[string]func(t *testing.T) *Engine{
		"file": func(t *testing.T) *Engine {
			e := openTestEngine(t, t.TempDir())
			t.Cleanup(func() { e.Close() })
			return e
		},
		"memory": func(t *testing.T) *Engine {
			e := OpenMemory()
			t.Cleanup(func() { e.Close() })
			return e
		},
	}
}

func mustSet(t *testing.T, e *Engine, key, value string) uint64 {
	t.Helper()
	seq, err := e.Set(context.Background(), []byte(key), []byte(value))
	if err != nil {
		t.Fatalf("Set %s failed: %v", key, err)
	}
	return seq
}

func mustDelete(t *testing.T, e *Engine, key string) uint64 {
	t.Helper()
	seq, err := e.Delete(context.Background(), []byte(key))
	if err != nil {
		t.Fatalf("Delete %s failed: %v", key, err)
	}
	return seq
}

func expectValue(t *testing.T, e *Engine, key, want string) {
	t.Helper()
	got, err := e.Get(context.Background(), []byte(key))
	if err != nil {
		t.Fatalf("Get %s failed: %v", key, err)
	}
	if string(got) != want {
		t.Errorf("Get %s = %q, want %q", key, got, want)
	}
}

func expectAbsent(t *testing.T, e *Engine, key string) {
	t.Helper()
	got, err := e.Get(context.Background(), []byte(key))
	if !errors.Is(err, kverrors.ErrNotFound) {
		t.Errorf("Get %s = %q, %v; want NotFound", key, got, err)
	}
}

func TestEngineSetGetDelete(t *testing.T) {
	for name, open := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			e := open(t)

			s1 := mustSet(t, e, "name", "alice")
			s2 := mustSet(t, e, "name", "bob")
			if s2 != s1+1 {
				t.Errorf("Expected consecutive sequences, got %d then %d", s1, s2)
			}
			expectValue(t, e, "name", "bob")

			s3 := mustDelete(t, e, "name")
			if s3 != s2+1 {
				t.Errorf("Expected delete to take the next sequence, got %d", s3)
			}
			expectAbsent(t, e, "name")
			expectAbsent(t, e, "never-set")

			// Deleting an absent key still records a tombstone.
			if _, err := e.Delete(context.Background(), []byte("never-set")); err != nil {
				t.Errorf("Delete of absent key failed: %v", err)
			}
			if e.LastSequence() != 4 {
				t.Errorf("Expected last sequence 4, got %d", e.LastSequence())
			}
		})
	}
}

func TestEngineValidation(t *testing.T) {
	e := OpenMemory()
	defer e.Close()
	ctx := context.Background()

	if _, err := e.Set(ctx, nil, []byte("v")); !errors.Is(err, kverrors.ErrKeyEmpty) {
		t.Errorf("Expected KeyEmpty for Set, got %v", err)
	}
	if _, err := e.Get(ctx, []byte{}); !errors.Is(err, kverrors.ErrKeyEmpty) {
		t.Errorf("Expected KeyEmpty for Get, got %v", err)
	}
	if _, err := e.Delete(ctx, nil); !errors.Is(err, kverrors.ErrKeyEmpty) {
		t.Errorf("Expected KeyEmpty for Delete, got %v", err)
	}
	big := make([]byte, MaxKeySize+1)
	if _, err := e.Set(ctx, big, nil); kverrors.GetCode(err) != kverrors.ErrCodeInvalidValue {
		t.Errorf("Expected InvalidValue for oversized key, got %v", err)
	}
	if e.LastSequence() != 0 {
		t.Errorf("Rejected writes must not consume sequences")
	}
}

func TestEngineValueIsCopied(t *testing.T) {
	for name, open := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			e := open(t)
			value := []byte("original")
			if _, err := e.Set(context.Background(), []byte("k"), value); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			copy(value, "mutated!")
			expectValue(t, e, "k", "original")

			got, _ := e.Get(context.Background(), []byte("k"))
			got[0] = 'X'
			expectValue(t, e, "k", "original")
		})
	}
}

func TestEngineRoundTripAcrossFlushAndCompact(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	ctx := context.Background()

	want := make(map[string]string)
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("user:%03d", i)
		want[key] = fmt.Sprintf("v%d", i)
		mustSet(t, e, key, want[key])
		if i%100 == 99 {
			if err := e.Flush(ctx); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}
		}
	}
	for i := 0; i < 300; i += 3 {
		key := fmt.Sprintf("user:%03d", i)
		want[key] = fmt.Sprintf("v%d-b", i)
		mustSet(t, e, key, want[key])
	}
	for i := 1; i < 300; i += 7 {
		key := fmt.Sprintf("user:%03d", i)
		delete(want, key)
		mustDelete(t, e, key)
	}

	check := func(stage string) {
		t.Helper()
		for i := 0; i < 300; i++ {
			key := fmt.Sprintf("user:%03d", i)
			got, err := e.Get(ctx, []byte(key))
			if v, ok := want[key]; ok {
				if err != nil || string(got) != v {
					t.Fatalf("%s: Get %s = %q, %v; want %q", stage, key, got, err, v)
				}
			} else if !kverrors.IsNotFound(err) {
				t.Fatalf("%s: Get %s = %q, %v; want NotFound", stage, key, got, err)
			}
		}
	}

	check("before flush")
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	check("after flush")
	if _, err := e.Compact(ctx); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	check("after compact")

	last := e.LastSequence()
	e.Close()
	e = openTestEngine(t, dir)
	defer e.Close()
	check("after reopen")
	if e.LastSequence() != last {
		t.Errorf("Expected last sequence %d after reopen, got %d", last, e.LastSequence())
	}

	st := e.Stats()
	if st.Backend.LiveKeys != int64(len(want)) {
		t.Errorf("Expected %d live keys, got %d", len(want), st.Backend.LiveKeys)
	}
}

// lastSegmentFile returns the newest WAL segment in dir.
func lastSegmentFile(t *testing.T, dir string) string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "wal", "wal-*.log"))
	if err != nil || len(files) == 0 {
		t.Fatalf("No WAL segments found: %v", err)
	}
	sort.Strings(files)
	return files[len(files)-1]
}

// appendTorn writes all but the last byte of e's record to the newest
// segment, as a crash in the middle of an append would.
func appendTorn(t *testing.T, dir string, e Entry) {
	t.Helper()
	rec := EncodeRecord(e)
	f, err := os.OpenFile(lastSegmentFile(t, dir), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(rec[:len(rec)-1]); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
}

func TestEngineConcreteScenario(t *testing.T) {
	ctx := context.Background()

	t.Run("compact", func(t *testing.T) {
		e := openTestEngine(t, t.TempDir())
		defer e.Close()

		mustSet(t, e, "a", "1")
		mustSet(t, e, "a", "2")
		mustDelete(t, e, "a")
		mustSet(t, e, "b", "x")
		expectAbsent(t, e, "a")
		expectValue(t, e, "b", "x")

		if err := e.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		if _, err := e.Compact(ctx); err != nil {
			t.Fatalf("Compact failed: %v", err)
		}
		expectAbsent(t, e, "a")
		expectValue(t, e, "b", "x")
	})

	t.Run("crash before fsync of set b", func(t *testing.T) {
		dir := t.TempDir()
		e := openTestEngine(t, dir)
		mustSet(t, e, "a", "1")
		mustSet(t, e, "a", "2")
		mustDelete(t, e, "a")
		e.Close()

		appendTorn(t, dir, Entry{Key: []byte("b"), Value: []byte("x"), Seq: 4})

		e = openTestEngine(t, dir)
		defer e.Close()
		expectAbsent(t, e, "a")
		expectAbsent(t, e, "b")
		if e.LastSequence() != 3 {
			t.Errorf("Expected last sequence 3, got %d", e.LastSequence())
		}
		if torn := e.Stats().Backend.Recovery.TornRecords; torn != 1 {
			t.Errorf("Expected 1 torn record, got %d", torn)
		}

		// The sequence of the lost write is reused.
		if seq := mustSet(t, e, "b", "y"); seq != 4 {
			t.Errorf("Expected seq 4, got %d", seq)
		}
		expectValue(t, e, "b", "y")
	})
}

func TestEngineRecoversUnflushedTail(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		mustSet(t, e, fmt.Sprintf("k%d", i), "flushed")
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	for i := 10; i < 25; i++ {
		mustSet(t, e, fmt.Sprintf("k%d", i), "wal")
	}
	e.Close()

	e = openTestEngine(t, dir)
	defer e.Close()

	if replayed := e.Stats().Backend.Recovery.Replayed; replayed != 15 {
		t.Errorf("Expected 15 replayed records, got %d", replayed)
	}
	for i := 0; i < 25; i++ {
		want := "flushed"
		if i >= 10 {
			want = "wal"
		}
		expectValue(t, e, fmt.Sprintf("k%d", i), want)
	}

	stats, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if stats.LastSeq != 35 {
		t.Errorf("Expected recovered last seq 35, got %d", stats.LastSeq)
	}
	expectValue(t, e, "k24", "wal")
}

func TestEngineApplyRecord(t *testing.T) {
	for name, open := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			e := open(t)
			apply := func(seq uint64, key string) error {
				return e.ApplyRecord(Entry{Key: []byte(key), Value: []byte("v"), Seq: seq})
			}

			if err := apply(1, "a"); err != nil {
				t.Fatalf("Apply 1 failed: %v", err)
			}
			if err := apply(2, "b"); err != nil {
				t.Fatalf("Apply 2 failed: %v", err)
			}
			if err := apply(2, "b"); !kverrors.IsConflict(err) {
				t.Errorf("Expected Conflict on duplicate, got %v", err)
			}
			if err := apply(4, "d"); !errors.Is(err, kverrors.ErrReplicationGap) {
				t.Errorf("Expected ReplicationGap, got %v", err)
			}
			if err := e.ApplyRecord(Entry{Key: []byte("a"), Tombstone: true, Seq: 3}); err != nil {
				t.Fatalf("Apply tombstone failed: %v", err)
			}

			expectAbsent(t, e, "a")
			expectValue(t, e, "b", "v")
			if e.LastSequence() != 3 {
				t.Errorf("Expected last sequence 3, got %d", e.LastSequence())
			}
			m := e.Metrics().Snapshot()
			if m.LastApplied != 3 || m.RecordsConflict != 1 {
				t.Errorf("Unexpected metrics: applied=%d conflicts=%d", m.LastApplied, m.RecordsConflict)
			}
		})
	}
}

func TestEngineRecordsSince(t *testing.T) {
	for name, open := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			e := open(t)
			for i := 1; i <= 10; i++ {
				mustSet(t, e, fmt.Sprintf("k%d", i), "v")
			}
			recs, err := e.RecordsSince(3, 0)
			if err != nil {
				t.Fatalf("RecordsSince failed: %v", err)
			}
			if len(recs) != 7 || recs[0].Seq != 4 || recs[6].Seq != 10 {
				t.Fatalf("Unexpected records: %d starting at %d", len(recs), recs[0].Seq)
			}
			recs, _ = e.RecordsSince(3, 2)
			if len(recs) != 2 {
				t.Errorf("Expected limit to apply, got %d", len(recs))
			}
			if recs, err := e.RecordsSince(10, 0); err != nil || len(recs) != 0 {
				t.Errorf("Expected nothing after the last sequence, got %d, %v", len(recs), err)
			}
		})
	}
}

func TestEngineRecordsSinceNeedsSnapshot(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.WALRetainSegments = 0
	e, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	for i := 1; i <= 5; i++ {
		mustSet(t, e, fmt.Sprintf("k%d", i), "v")
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := e.RecordsSince(0, 0); !errors.Is(err, kverrors.ErrSnapshotRequired) {
		t.Fatalf("Expected SnapshotRequired, got %v", err)
	}

	mustSet(t, e, "k6", "v")
	recs, err := e.RecordsSince(5, 0)
	if err != nil || len(recs) != 1 || recs[0].Seq != 6 {
		t.Errorf("Expected the record after the flush, got %d, %v", len(recs), err)
	}
}

func TestEngineSnapshotTransfer(t *testing.T) {
	ctx := context.Background()
	leader := openTestEngine(t, t.TempDir())
	defer leader.Close()

	if _, err := leader.ExportSnapshot(ctx, &bytes.Buffer{}); !kverrors.IsNotFound(err) {
		t.Fatalf("Expected NotFound without a snapshot, got %v", err)
	}

	for i := 0; i < 50; i++ {
		mustSet(t, leader, fmt.Sprintf("k%02d", i), fmt.Sprintf("v%d", i))
	}
	mustDelete(t, leader, "k07")
	id, err := leader.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	var stream bytes.Buffer
	info, err := leader.ExportSnapshot(ctx, &stream)
	if err != nil {
		t.Fatalf("ExportSnapshot failed: %v", err)
	}
	if info.ID != id || info.Seq != 51 {
		t.Fatalf("Unexpected snapshot info %+v", info)
	}
	raw := stream.Bytes()

	followerDir := t.TempDir()
	follower := openTestEngine(t, followerDir)
	mustSet(t, follower, "stale", "local")

	// A damaged stream is rejected and leaves the follower untouched.
	damaged := bytes.Clone(raw)
	damaged[snapshotHeaderSize+10] ^= 0xFF
	if _, err := follower.InstallSnapshot(ctx, bytes.NewReader(damaged)); !errors.Is(err, kverrors.ErrSnapshotMismatch) {
		t.Fatalf("Expected SnapshotMismatch, got %v", err)
	}
	expectValue(t, follower, "stale", "local")

	if _, err := follower.InstallSnapshot(ctx, bytes.NewReader(raw)); err != nil {
		t.Fatalf("InstallSnapshot failed: %v", err)
	}
	if follower.LastSequence() != 51 {
		t.Errorf("Expected follower at seq 51, got %d", follower.LastSequence())
	}
	expectAbsent(t, follower, "stale")
	expectAbsent(t, follower, "k07")
	expectValue(t, follower, "k42", "v42")

	if _, err := follower.InstallSnapshot(ctx, bytes.NewReader(raw)); !kverrors.IsConflict(err) {
		t.Errorf("Expected Conflict when reinstalling, got %v", err)
	}

	// Streaming resumes right after the watermark.
	mustSet(t, leader, "k50", "new")
	recs, err := leader.RecordsSince(follower.LastSequence(), 0)
	if err != nil {
		t.Fatalf("RecordsSince failed: %v", err)
	}
	for _, r := range recs {
		if err := follower.ApplyRecord(r); err != nil {
			t.Fatalf("ApplyRecord %d failed: %v", r.Seq, err)
		}
	}
	expectValue(t, follower, "k50", "new")

	// The installed state survives a restart.
	follower.Close()
	follower = openTestEngine(t, followerDir)
	defer follower.Close()
	expectValue(t, follower, "k42", "v42")
	expectValue(t, follower, "k50", "new")
	expectAbsent(t, follower, "stale")
	if follower.LastSequence() != 52 {
		t.Errorf("Expected seq 52 after restart, got %d", follower.LastSequence())
	}
}

func TestEngineSnapshotTransferUnsupported(t *testing.T) {
	e := OpenMemory()
	defer e.Close()
	if _, err := e.ExportSnapshot(context.Background(), &bytes.Buffer{}); kverrors.GetCode(err) != kverrors.ErrCodeInvalidValue {
		t.Errorf("Expected InvalidValue from the memory backend, got %v", err)
	}
}

func TestEngineDataDirLocked(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	_, err := Open(context.Background(), testOptions(dir))
	if kverrors.GetCode(err) != kverrors.ErrCodeDataDirLocked {
		t.Fatalf("Expected DataDirLocked, got %v", err)
	}
}

func TestEngineClosed(t *testing.T) {
	for name, open := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			e := open(t)
			mustSet(t, e, "k", "v")
			if err := e.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if _, err := e.Get(context.Background(), []byte("k")); !kverrors.IsClosed(err) {
				t.Errorf("Expected Closed from Get, got %v", err)
			}
			if _, err := e.Set(context.Background(), []byte("k"), nil); !kverrors.IsClosed(err) {
				t.Errorf("Expected Closed from Set, got %v", err)
			}
			if err := e.Close(); err != nil {
				t.Errorf("Second Close failed: %v", err)
			}
		})
	}
}

func TestEngineWaitForCommit(t *testing.T) {
	e := OpenMemory()
	defer e.Close()

	done := make(chan uint64, 1)
	go func() {
		seq, err := e.WaitForCommit(context.Background(), 0)
		if err != nil {
			t.Errorf("WaitForCommit failed: %v", err)
		}
		done <- seq
	}()

	time.Sleep(10 * time.Millisecond)
	mustSet(t, e, "k", "v")

	select {
	case seq := <-done:
		if seq != 1 {
			t.Errorf("Expected seq 1, got %d", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCommit did not wake up")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.WaitForCommit(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestEngineCacheCoherence(t *testing.T) {
	for name, open := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			e := open(t)
			mustSet(t, e, "k", "v1")
			expectValue(t, e, "k", "v1")
			mustSet(t, e, "k", "v2")
			expectValue(t, e, "k", "v2")
			mustDelete(t, e, "k")
			expectAbsent(t, e, "k")
			mustSet(t, e, "k", "v3")
			expectValue(t, e, "k", "v3")

			m := e.Metrics().Snapshot()
			if m.CacheHits == 0 {
				t.Errorf("Expected cache hits")
			}
			if m.Writes != 3 || m.Deletes != 1 {
				t.Errorf("Expected 3 writes and 1 delete, got %d and %d", m.Writes, m.Deletes)
			}
		})
	}
}

func TestEngineConcurrentReadersAndWriter(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	const keys = 50
	for i := 0; i < keys; i++ {
		mustSet(t, e, fmt.Sprintf("k%d", i), "0")
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := 0; i < keys; i++ {
					if _, err := e.Get(ctx, []byte(fmt.Sprintf("k%d", i))); err != nil {
						t.Errorf("Get failed: %v", err)
						return
					}
				}
			}
		}()
	}

	for round := 1; round <= 20; round++ {
		for i := 0; i < keys; i++ {
			if _, err := e.Set(ctx, []byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprint(round))); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}
		if round%5 == 0 {
			if err := e.Flush(ctx); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}
		}
	}
	close(stop)
	wg.Wait()

	for i := 0; i < keys; i++ {
		expectValue(t, e, fmt.Sprintf("k%d", i), "20")
	}
}

func TestEngineFlushMetrics(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	mustSet(t, e, "k", "v")
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := e.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	m := e.Metrics().Snapshot()
	if m.Flushes == 0 {
		t.Errorf("Expected flushes to be counted")
	}
	if m.Snapshots != 1 {
		t.Errorf("Expected 1 snapshot, got %d", m.Snapshots)
	}
	if m.Partitions != 1 {
		t.Errorf("Expected 1 partition, got %d", m.Partitions)
	}
}

// readGate holds the first backend read after it has read, so a write can
// land while the result is still in flight.
type readGate struct {
	reads   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newReadGate() *readGate {
	return &readGate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *readGate) hold() {
	if g.reads.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
}

type gatedMemoryBackend struct {
	*MemoryBackend
	gate *readGate
}

func (b *gatedMemoryBackend) Read(key []byte) (Entry, bool, error) {
	ent, found, err := b.MemoryBackend.Read(key)
	b.gate.hold()
	return ent, found, err
}

type gatedFileBackend struct {
	*FileBackend
	gate *readGate
}

func (b *gatedFileBackend) Read(key []byte) (Entry, bool, error) {
	ent, found, err := b.FileBackend.Read(key)
	b.gate.hold()
	return ent, found, err
}

func TestEngineGetSeesConfirmedWriteDuringLoad(t *testing.T) {
	for _, capacity := range []int{0, 100} {
		t.Run(fmt.Sprintf("cache=%d", capacity), func(t *testing.T) {
			ctx := context.Background()
			gate := newReadGate()
			opts := DefaultOptions("")
			opts.CacheCapacity = capacity
			e := NewEngine(&gatedMemoryBackend{MemoryBackend: NewMemoryBackend(), gate: gate}, opts)
			defer e.Close()

			mustSet(t, e, "k", "old")
			// Writes fill the cache; start cold so the read goes to the backend.
			e.cache.Purge()

			first := make(chan error, 1)
			go func() {
				_, err := e.Get(ctx, []byte("k"))
				first <- err
			}()
			<-gate.entered

			mustSet(t, e, "k", "new")
			second := make(chan []byte, 1)
			go func() {
				v, err := e.Get(ctx, []byte("k"))
				if err != nil {
					t.Errorf("Get failed: %v", err)
				}
				second <- v
			}()
			// Let the second Get join the load that is still in flight.
			time.Sleep(20 * time.Millisecond)
			close(gate.release)

			if err := <-first; err != nil {
				t.Fatalf("First Get failed: %v", err)
			}
			if v := <-second; string(v) != "new" {
				t.Errorf("Get after a confirmed Set = %q, want %q", v, "new")
			}
			expectValue(t, e, "k", "new")
		})
	}
}

func TestEngineSnapshotInstallDuringLoad(t *testing.T) {
	ctx := context.Background()

	leader := openTestEngine(t, t.TempDir())
	defer leader.Close()
	mustSet(t, leader, "k", "snap")
	for i := 0; i < 4; i++ {
		mustSet(t, leader, fmt.Sprintf("other%d", i), "v")
	}
	if _, err := leader.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	var stream bytes.Buffer
	if _, err := leader.ExportSnapshot(ctx, &stream); err != nil {
		t.Fatalf("ExportSnapshot failed: %v", err)
	}

	opts := testOptions(t.TempDir())
	fb, err := OpenFileBackend(ctx, FileBackendOptions{
		Dir:               opts.Dir,
		SyncMode:          opts.SyncMode,
		SegmentSize:       opts.SegmentSize,
		WALRetainSegments: opts.WALRetainSegments,
		FlushInterval:     opts.FlushInterval,
		BloomFPRate:       opts.BloomFPRate,
		Compression:       opts.Compression,
		Compaction:        opts.Compaction,
	})
	if err != nil {
		t.Fatalf("OpenFileBackend failed: %v", err)
	}
	gate := newReadGate()
	follower := NewEngine(&gatedFileBackend{FileBackend: fb, gate: gate}, opts)
	defer follower.Close()

	// The local copy of k carries a higher sequence than the snapshot's.
	mustSet(t, follower, "a", "1")
	mustSet(t, follower, "b", "2")
	mustSet(t, follower, "k", "local")
	follower.cache.Purge()

	loaded := make(chan error, 1)
	go func() {
		_, err := follower.Get(ctx, []byte("k"))
		loaded <- err
	}()
	<-gate.entered

	if _, err := follower.InstallSnapshot(ctx, bytes.NewReader(stream.Bytes())); err != nil {
		t.Fatalf("InstallSnapshot failed: %v", err)
	}
	close(gate.release)
	if err := <-loaded; err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	expectValue(t, follower, "k", "snap")
	expectAbsent(t, follower, "a")
}

func TestEngineCacheDisabledSkipsCacheMetrics(t *testing.T) {
	opts := DefaultOptions("")
	opts.CacheCapacity = 0
	e := NewEngine(NewMemoryBackend(), opts)
	defer e.Close()

	mustSet(t, e, "k", "v")
	for i := 0; i < 5; i++ {
		expectValue(t, e, "k", "v")
	}
	expectAbsent(t, e, "missing")

	m := e.Metrics().Snapshot()
	if m.CacheHits != 0 || m.CacheMisses != 0 {
		t.Errorf("Expected no cache lookups with the cache disabled, got %d hits and %d misses", m.CacheHits, m.CacheMisses)
	}
	if m.Reads != 6 {
		t.Errorf("Expected 6 reads, got %d", m.Reads)
	}
}

func TestEngineCompactsUnderConcurrentLoad(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()
	ctx := context.Background()

	const (
		writers = 3
		keys    = 20
		rounds  = 30
	)
	// confirmed[w][i] is the last round whose write to key i of writer w
	// returned.
	var confirmed [writers][keys]atomic.Int64
	key := func(w, i int) []byte { return []byte(fmt.Sprintf("w%d-k%02d", w, i)) }
	for w := 0; w < writers; w++ {
		for i := 0; i < keys; i++ {
			mustSet(t, e, string(key(w, i)), "0")
		}
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 1; round <= rounds; round++ {
				for i := 0; i < keys; i++ {
					if _, err := e.Set(ctx, key(w, i), []byte(fmt.Sprint(round))); err != nil {
						t.Errorf("Set failed: %v", err)
						return
					}
					confirmed[w][i].Store(int64(round))
				}
			}
		}()
	}

	// Churn on separate keys leaves tombstones for compaction to purge.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; ; n++ {
			select {
			case <-stop:
				return
			default:
			}
			k := []byte(fmt.Sprintf("churn%02d", n%10))
			var err error
			if n%2 == 0 {
				_, err = e.Set(ctx, k, []byte("x"))
			} else {
				_, err = e.Delete(ctx, k)
			}
			if err != nil {
				t.Errorf("churn failed: %v", err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for w := 0; w < writers; w++ {
					for i := 0; i < keys; i++ {
						floor := confirmed[w][i].Load()
						v, err := e.Get(ctx, key(w, i))
						if err != nil {
							t.Errorf("Get %s failed: %v", key(w, i), err)
							return
						}
						var got int64
						if _, err := fmt.Sscan(string(v), &got); err != nil {
							t.Errorf("Get %s returned %q", key(w, i), v)
							return
						}
						if got < floor || got > rounds {
							t.Errorf("Get %s = %d, confirmed %d", key(w, i), got, floor)
							return
						}
					}
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := e.Flush(ctx); err != nil {
				t.Errorf("Flush failed: %v", err)
				return
			}
			if _, err := e.Compact(ctx); err != nil {
				t.Errorf("Compact failed: %v", err)
				return
			}
		}
	}()

	waitWriters := func() bool {
		for w := 0; w < writers; w++ {
			for i := 0; i < keys; i++ {
				if confirmed[w][i].Load() != rounds {
					return false
				}
			}
		}
		return true
	}
	deadline := time.Now().Add(30 * time.Second)
	for !waitWriters() && !t.Failed() {
		if time.Now().After(deadline) {
			t.Fatalf("Writers did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	close(done)
	wg.Wait()

	if _, err := e.Compact(ctx); err != nil {
		t.Fatalf("Final Compact failed: %v", err)
	}
	for w := 0; w < writers; w++ {
		for i := 0; i < keys; i++ {
			expectValue(t, e, string(key(w, i)), fmt.Sprint(rounds))
		}
	}
}

// copyDir copies the regular files under src into dst.
func copyDir(t *testing.T, src, dst string) {
	t.Helper()
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
	if err != nil {
		t.Fatalf("copy %s: %v", src, err)
	}
}

func TestEngineRecoversAtEveryRecordBoundary(t *testing.T) {
	src := t.TempDir()
	e := openTestEngine(t, src)
	var written []Entry
	for i := 0; i < 12; i++ {
		k := fmt.Sprintf("k%d", i%4)
		if i%5 == 4 {
			seq := mustDelete(t, e, k)
			written = append(written, Entry{Key: []byte(k), Tombstone: true, Seq: seq})
			continue
		}
		v := fmt.Sprintf("v%d", i)
		seq := mustSet(t, e, k, v)
		written = append(written, Entry{Key: []byte(k), Value: []byte(v), Seq: seq})
	}
	segment, err := filepath.Rel(src, lastSegmentFile(t, src))
	if err != nil {
		t.Fatalf("Rel failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	type cut struct {
		offset   int64
		complete int
		torn     bool
	}
	var cuts []cut
	off := int64(WALHeaderSize)
	for i, ent := range written {
		size := int64(len(EncodeRecord(ent)))
		cuts = append(cuts,
			cut{offset: off, complete: i},
			cut{offset: off + 1, complete: i, torn: true},
			cut{offset: off + size/2, complete: i, torn: true},
			cut{offset: off + size - 1, complete: i, torn: true},
		)
		off += size
	}
	cuts = append(cuts, cut{offset: off, complete: len(written)})

	for _, c := range cuts {
		t.Run(fmt.Sprintf("offset=%d", c.offset), func(t *testing.T) {
			dir := t.TempDir()
			copyDir(t, src, dir)
			if err := os.Truncate(filepath.Join(dir, segment), c.offset); err != nil {
				t.Fatalf("Truncate failed: %v", err)
			}

			e := openTestEngine(t, dir)
			defer e.Close()

			if got := e.LastSequence(); got != uint64(c.complete) {
				t.Errorf("Expected last seq %d, got %d", c.complete, got)
			}
			torn := e.Stats().Backend.Recovery.TornRecords
			if c.torn && torn != 1 {
				t.Errorf("Expected 1 torn record, got %d", torn)
			}
			if !c.torn && torn != 0 {
				t.Errorf("Expected no torn records, got %d", torn)
			}

			want := make(map[string]Entry)
			for _, ent := range written[:c.complete] {
				want[string(ent.Key)] = ent
			}
			for i := 0; i < 4; i++ {
				k := fmt.Sprintf("k%d", i)
				ent, ok := want[k]
				if !ok || ent.Tombstone {
					expectAbsent(t, e, k)
				} else {
					expectValue(t, e, k, string(ent.Value))
				}
			}

			// The log accepts new writes after the recovered tail.
			if seq := mustSet(t, e, "after", "x"); seq != uint64(c.complete)+1 {
				t.Errorf("Expected next seq %d, got %d", c.complete+1, seq)
			}
		})
	}
}
