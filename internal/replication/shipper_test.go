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
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"kaydb/internal/compression"
	kverrors "kaydb/internal/errors"
	"kaydb/internal/storage"
)

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func memoryEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e := storage.OpenMemory()
	t.Cleanup(func() { e.Close() })
	return e
}

func fileEngine(t *testing.T, retain int) *storage.Engine {
	t.Helper()
	opts := storage.DefaultOptions(t.TempDir())
	opts.SegmentSize = 1 << 20
	opts.WALRetainSegments = retain
	opts.FlushInterval = time.Hour
	opts.CompactionInterval = 0
	opts.SlowOpThreshold = 0
	e, err := storage.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func setKeys(t *testing.T, e *storage.Engine, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		key := fmt.Sprintf("k%03d", i)
		if _, err := e.Set(context.Background(), []byte(key), []byte("v"+key)); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
	}
}

func expectReplicated(t *testing.T, e *storage.Engine, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		key := fmt.Sprintf("k%03d", i)
		got, err := e.Get(context.Background(), []byte(key))
		if err != nil || string(got) != "v"+key {
			t.Errorf("Get %s = %q, %v", key, got, err)
		}
	}
}

func TestFollowerApply(t *testing.T) {
	e := memoryEngine(t)
	f := NewFollower("f1", e)

	if n, err := f.Apply(testEntries(1, 3)); err != nil || n != 3 {
		t.Fatalf("Apply = %d, %v", n, err)
	}
	// A resent batch overlapping what is already applied.
	if n, err := f.Apply(testEntries(2, 4)); err != nil || n != 1 {
		t.Fatalf("Apply with duplicates = %d, %v", n, err)
	}
	if f.LastApplied() != 4 {
		t.Errorf("Expected LastApplied 4, got %d", f.LastApplied())
	}
	if got := e.Metrics().RecordsConflict.Load(); got != 2 {
		t.Errorf("Expected 2 conflicts counted, got %d", got)
	}

	if _, err := f.Apply(testEntries(6, 6)); !errors.Is(err, kverrors.ErrReplicationGap) {
		t.Fatalf("Expected ReplicationGap, got %v", err)
	}
	if f.LastApplied() != 4 {
		t.Errorf("A rejected gap must not move the sequence, got %d", f.LastApplied())
	}
}

func TestFollowerServesStream(t *testing.T) {
	ctx := context.Background()
	master := memoryEngine(t)
	setKeys(t, master, 0, 20)
	if _, err := master.Delete(ctx, []byte("k005")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var wire bytes.Buffer
	comp := compression.NewCompressor(compression.Config{Algorithm: compression.AlgorithmLZ4, MinSize: 1})
	sink := NewStreamSink("f1", NewEncoder(&wire, comp))

	entries, err := master.RecordsSince(0, 0)
	if err != nil {
		t.Fatalf("RecordsSince failed: %v", err)
	}
	ack, err := sink.Send(ctx, Batch{Entries: entries})
	if err != nil || ack != 21 {
		t.Fatalf("Send = %d, %v", ack, err)
	}

	replica := memoryEngine(t)
	if err := NewFollower("f1", replica).Serve(ctx, &wire); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if replica.LastSequence() != 21 {
		t.Fatalf("Expected replica at 21, got %d", replica.LastSequence())
	}
	expectReplicated(t, replica, 0, 5)
	expectReplicated(t, replica, 6, 20)
	if _, err := replica.Get(ctx, []byte("k005")); !kverrors.IsNotFound(err) {
		t.Errorf("Expected k005 deleted on the replica, got %v", err)
	}
}

func TestShipperStreamsToFollower(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	master := memoryEngine(t)
	replica := memoryEngine(t)
	setKeys(t, master, 0, 40)

	s := NewShipper(master, ShipperConfig{BatchSize: 16})
	defer s.Close()
	if err := s.Add(ctx, NewFollower("f1", replica), replica.LastSequence()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	setKeys(t, master, 40, 100)
	waitFor(t, 5*time.Second, "follower to catch up", func() bool {
		return replica.LastSequence() == 100
	})
	expectReplicated(t, replica, 0, 100)

	waitFor(t, 5*time.Second, "lag to drain", func() bool {
		lag, ok := s.Lag("f1")
		return ok && lag == 0 && master.Metrics().ReplicationLag.Load() == 0
	})
	if got := master.Metrics().RecordsShipped.Load(); got != 100 {
		t.Errorf("Expected 100 records shipped, got %d", got)
	}
}

func TestShipperBootstrapsFromSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	master := fileEngine(t, 0)
	setKeys(t, master, 0, 50)
	if err := master.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := master.RecordsSince(0, 0); !errors.Is(err, kverrors.ErrSnapshotRequired) {
		t.Fatalf("Expected the WAL prefix to be gone, got %v", err)
	}

	replica := fileEngine(t, 4)
	s := NewShipper(master, DefaultShipperConfig())
	defer s.Close()
	if err := s.Add(ctx, NewFollower("f1", replica), 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	waitFor(t, 5*time.Second, "snapshot bootstrap", func() bool {
		return replica.LastSequence() == 50
	})
	expectReplicated(t, replica, 0, 50)

	setKeys(t, master, 50, 60)
	waitFor(t, 5*time.Second, "streaming after bootstrap", func() bool {
		return replica.LastSequence() == 60
	})
	expectReplicated(t, replica, 50, 60)

	if master.Metrics().Snapshots.Load() == 0 {
		t.Errorf("Expected the master to count a snapshot")
	}
}

func TestShipperRegistration(t *testing.T) {
	ctx := context.Background()
	master := memoryEngine(t)
	s := NewShipper(master, DefaultShipperConfig())

	f := NewFollower("f1", memoryEngine(t))
	if err := s.Add(ctx, f, 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Add(ctx, f, 0); kverrors.GetCode(err) != kverrors.ErrCodeInvalidValue {
		t.Errorf("Expected InvalidValue for a duplicate follower, got %v", err)
	}
	if ids := s.Followers(); len(ids) != 1 || ids[0] != "f1" {
		t.Errorf("Unexpected followers %v", ids)
	}

	s.Remove("f1")
	if _, ok := s.Lag("f1"); ok {
		t.Errorf("Expected no lag for a removed follower")
	}

	s.Close()
	if err := s.Add(ctx, NewFollower("f2", memoryEngine(t)), 0); !kverrors.IsClosed(err) {
		t.Errorf("Expected Closed after Close, got %v", err)
	}
}
