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
	"context"
	"testing"
)

func TestMemoryBackend(t *testing.T) {
	m := NewMemoryBackend()
	defer m.Close()
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		if err := m.Append(testEntry(seq)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := m.Append(Entry{Key: []byte("key2"), Tombstone: true, Seq: 6}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	e, found, err := m.Read([]byte("key2"))
	if err != nil || !found || !e.Tombstone {
		t.Fatalf("Expected tombstone for key2, got %+v found=%v err=%v", e, found, err)
	}
	if seq, tomb, ok := m.Version([]byte("key3")); !ok || tomb || seq != 3 {
		t.Errorf("Version(key3) = %d, %v, %v", seq, tomb, ok)
	}

	entries, err := m.Scan(2, 3)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(entries) != 3 || entries[0].Seq != 3 || entries[2].Seq != 5 {
		t.Errorf("Unexpected scan result: %+v", entries)
	}

	res, err := m.Compact(ctx, true)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if res.TombstonesPurged != 1 || res.KeysWritten != 4 {
		t.Errorf("Unexpected compaction result: %+v", res)
	}
	if _, found, _ := m.Read([]byte("key2")); found {
		t.Errorf("Expected key2 to be purged")
	}
	// The log is kept for replication.
	if entries, _ := m.Scan(0, 0); len(entries) != 6 {
		t.Errorf("Expected 6 logged records, got %d", len(entries))
	}

	info, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if info.ID != 1 || info.Seq != 6 {
		t.Errorf("Unexpected snapshot %+v", info)
	}
	st := m.Stats()
	if st.Kind != "memory" || st.LiveKeys != 4 || st.FlushedSeq != 6 {
		t.Errorf("Unexpected stats %+v", st)
	}
}
