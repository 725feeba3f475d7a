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
	"sort"
	"sync"

	kverrors "kaydb/internal/errors"
)

// MemoryBackend keeps everything in memory. Nothing survives Close. It
// retains its full log, so Scan never needs a snapshot.
type MemoryBackend struct {
	mu          sync.RWMutex
	data        map[string]Entry
	log         []Entry
	lastSeq     uint64
	flushedSeq  uint64
	snapshotID  uint64
	snapshotSeq uint64
	closed      bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]Entry)}
}

// Append implements Backend.
func (m *MemoryBackend) Append(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kverrors.Closed()
	}
	e = e.clone()
	if cur, ok := m.data[string(e.Key)]; !ok || e.Seq > cur.Seq {
		m.data[string(e.Key)] = e
	}
	m.log = append(m.log, e)
	if e.Seq > m.lastSeq {
		m.lastSeq = e.Seq
	}
	return nil
}

// Read implements Backend.
func (m *MemoryBackend) Read(key []byte) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, false, kverrors.Closed()
	}
	e, ok := m.data[string(key)]
	if !ok {
		return Entry{}, false, nil
	}
	return e.clone(), true, nil
}

// Version implements Backend.
func (m *MemoryBackend) Version(key []byte) (uint64, bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[string(key)]
	return e.Seq, e.Tombstone, ok
}

// Flush implements Backend.
func (m *MemoryBackend) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kverrors.Closed()
	}
	m.flushedSeq = m.lastSeq
	return nil
}

// Recover implements Backend. There is no derived state to rebuild.
func (m *MemoryBackend) Recover(context.Context) (RecoveryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return RecoveryStats{}, kverrors.Closed()
	}
	return RecoveryStats{Records: len(m.log), Replayed: len(m.log), LastSeq: m.lastSeq}, nil
}

// Scan implements Backend.
func (m *MemoryBackend) Scan(afterSeq uint64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, kverrors.Closed()
	}
	i := sort.Search(len(m.log), func(i int) bool { return m.log[i].Seq > afterSeq })
	end := len(m.log)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]Entry, 0, end-i)
	for _, e := range m.log[i:end] {
		out = append(out, e.clone())
	}
	return out, nil
}

// Compact implements Backend. Tombstones are dropped from the live map;
// the log keeps them for Scan.
func (m *MemoryBackend) Compact(context.Context, bool) (CompactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return CompactionResult{}, kverrors.Closed()
	}
	var res CompactionResult
	for k, e := range m.data {
		if e.Tombstone {
			delete(m.data, k)
			res.TombstonesPurged++
		}
	}
	res.KeysWritten = len(m.data)
	return res, nil
}

// Snapshot implements Backend.
func (m *MemoryBackend) Snapshot(context.Context) (SnapshotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return SnapshotInfo{}, kverrors.Closed()
	}
	m.flushedSeq = m.lastSeq
	m.snapshotID++
	m.snapshotSeq = m.lastSeq
	return SnapshotInfo{ID: m.snapshotID, Seq: m.snapshotSeq}, nil
}

// LastSeq implements Backend.
func (m *MemoryBackend) LastSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq
}

// Stats implements Backend.
func (m *MemoryBackend) Stats() BackendStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live := int64(0)
	for _, e := range m.data {
		if !e.Tombstone {
			live++
		}
	}
	return BackendStats{
		Kind:         "memory",
		LiveKeys:     live,
		IndexEntries: len(m.data),
		FlushedSeq:   m.flushedSeq,
		SnapshotID:   m.snapshotID,
		SnapshotSeq:  m.snapshotSeq,
	}
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	m.log = nil
	return nil
}
