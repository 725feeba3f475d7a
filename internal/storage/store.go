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
Partition Store
===============

The PartitionStore owns the partition files of a data directory and the
manifest that lists them.

Replacement Protocol:
=====================

Flush and compaction never modify an existing partition. They write a new
file, fsync it, and then swap the manifest:

 1. The output file is complete and fsynced.
 2. install writes the new manifest (temp file, fsync, rename, fsync dir)
    and publishes the output. Inputs leave the manifest but stay readable.
 3. The caller repoints the index at the output.
 4. retire drops the inputs. Each input file is closed and unlinked when
    its last in-flight reader releases it.

A crash before step 2 leaves an unreferenced output file, which the next
open deletes. A crash after step 2 leaves unreferenced input files, which
are deleted the same way. Readers never see a half-installed state.
*/
package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kaydb/internal/compression"
	kverrors "kaydb/internal/errors"
	"kaydb/internal/logging"
)

// errPartitionGone is returned when a partition was retired between an
// index lookup and the read. The caller retries the lookup.
var errPartitionGone = errors.New("partition no longer available")

// StoreOptions configures a PartitionStore.
type StoreOptions struct {
	Dir         string
	BloomFPRate float64
	Compression compression.Config
}

// StoreStats summarizes the partition store.
type StoreStats struct {
	Partitions     int
	Bytes          int64
	Keys           int
	Tombstones     int
	BloomNegatives uint64
	FlushedSeq     uint64
	SnapshotID     uint64
	SnapshotSeq    uint64
}

// PartitionStore manages immutable partition files and the manifest.
type PartitionStore struct {
	opts StoreOptions
	comp *compression.Compressor
	log  *logging.Logger

	mu       sync.RWMutex
	manifest *Manifest
	parts    map[uint64]*Partition

	bloomNegatives atomic.Uint64
}

// OpenPartitionStore loads the manifest in opts.Dir, deletes files the
// manifest does not reference and opens every listed partition.
func OpenPartitionStore(ctx context.Context, opts StoreOptions) (*PartitionStore, error) {
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = 0.01
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, wrapPathError(err, opts.Dir, "create partition directory")
	}

	m, existed, err := loadManifest(opts.Dir)
	if err != nil {
		return nil, err
	}

	s := &PartitionStore{
		opts:     opts,
		comp:     compression.NewCompressor(opts.Compression),
		log:      logging.NewLogger("partitions"),
		manifest: m,
		parts:    make(map[uint64]*Partition),
	}

	if err := s.removeOrphans(existed); err != nil {
		return nil, err
	}

	opened := make([]*Partition, len(m.Partitions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, pm := range m.Partitions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(opts.Dir, pm.File)
			p, err := openPartition(pm.ID, path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return kverrors.ManifestCorrupt(path, err)
				}
				return err
			}
			p.meta = pm
			opened[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range opened {
			if p != nil {
				p.ref.retire(false)
			}
		}
		return nil, err
	}

	for _, p := range opened {
		s.parts[p.ID] = p
	}
	if len(opened) > 0 {
		s.log.Info("Partitions loaded", "count", len(opened), "flushed_seq", m.FlushedSeq)
	}
	return s, nil
}

// removeOrphans deletes temp files and partitions that the manifest does
// not list. Without a manifest, leftover partitions mean the manifest was
// lost, which is fatal rather than a reason to delete data.
func (s *PartitionStore) removeOrphans(manifestExisted bool) error {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return wrapPathError(err, s.opts.Dir, "list partition directory")
	}

	referenced := make(map[string]bool, len(s.manifest.Partitions))
	for _, pm := range s.manifest.Partitions {
		referenced[pm.File] = true
	}

	removed := 0
	for _, de := range entries {
		name := de.Name()
		path := filepath.Join(s.opts.Dir, name)
		switch {
		case strings.HasSuffix(name, ".tmp"):
		case isPartitionFile(name) && !referenced[name]:
			if !manifestExisted {
				return kverrors.ManifestCorrupt(filepath.Join(s.opts.Dir, manifestFileName),
					errors.New("manifest missing but partition files exist"))
			}
		default:
			continue
		}
		s.log.Warn("Removing unreferenced file", "file", name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return wrapPathError(err, path, "remove orphan")
		}
		removed++
	}
	if removed > 0 {
		return syncDir(s.opts.Dir)
	}
	return nil
}

func isPartitionFile(name string) bool {
	_, ok := parsePartitionName(name)
	return ok
}

// Dir returns the directory holding the partitions.
func (s *PartitionStore) Dir() string { return s.opts.Dir }

// Compressor returns the value codec used for new partitions.
func (s *PartitionStore) Compressor() *compression.Compressor { return s.comp }

// Manifest returns a copy of the current manifest.
func (s *PartitionStore) Manifest() Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.manifest.clone()
}

// List returns the live partitions, oldest first.
func (s *PartitionStore) List() []*Partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Partition, 0, len(s.manifest.Partitions))
	for _, pm := range s.manifest.Partitions {
		if p, ok := s.parts[pm.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}

// acquire takes a read reference on partition id.
func (s *PartitionStore) acquire(id uint64) (*Partition, bool) {
	s.mu.RLock()
	p, ok := s.parts[id]
	s.mu.RUnlock()
	if !ok || !p.ref.acquire() {
		return nil, false
	}
	return p, true
}

// acquireSnapshot takes read references on every live partition, oldest
// first, together with the manifest that lists them.
func (s *PartitionStore) acquireSnapshot() ([]*Partition, Manifest) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Partition, 0, len(s.manifest.Partitions))
	for _, pm := range s.manifest.Partitions {
		if p, ok := s.parts[pm.ID]; ok && p.ref.acquire() {
			out = append(out, p)
		}
	}
	return out, *s.manifest.clone()
}

func releaseAll(parts []*Partition) {
	for _, p := range parts {
		p.ref.release()
	}
}

// MightContain reports whether partition id may hold key.
func (s *PartitionStore) MightContain(id uint64, key []byte) bool {
	p, ok := s.acquire(id)
	if !ok {
		return false
	}
	defer p.ref.release()
	return p.MightContain(key)
}

// Read returns the version of key stored in partition id.
func (s *PartitionStore) Read(id uint64, key []byte) (Entry, bool, error) {
	p, ok := s.acquire(id)
	if !ok {
		return Entry{}, false, errPartitionGone
	}
	defer p.ref.release()

	if !p.MightContain(key) {
		s.bloomNegatives.Add(1)
		return Entry{}, false, nil
	}
	return p.get(key, s.comp)
}

// newOutput reserves a partition id and returns the path to write it to.
func (s *PartitionStore) newOutput() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.manifest.NextPartitionID
	s.manifest.NextPartitionID++
	return id, partitionPath(s.opts.Dir, id)
}

func (s *PartitionStore) describe(p *Partition, generation int, snapshot bool) PartitionMeta {
	now := time.Now().UTC()
	pm := PartitionMeta{
		ID:         p.ID,
		File:       filepath.Base(p.path),
		Size:       p.size,
		KeyCount:   len(p.keys),
		Tombstones: p.tombstones,
		MinSeq:     p.minSeq,
		MaxSeq:     p.maxSeq,
		Generation: generation,
		Snapshot:   snapshot,
		Codec:      p.codec.String(),
		CreatedAt:  now,
	}
	if generation > 0 {
		pm.LastCompaction = now
	}
	return pm
}

// Flush writes the newest version of each key in entries to a new
// partition and records lastSeq and segment as flushed. Entries at or below
// the current flush watermark are already covered and are skipped. It
// returns nil when nothing needed writing.
func (s *PartitionStore) Flush(entries []Entry, lastSeq, segment uint64) (*Partition, error) {
	s.mu.RLock()
	watermark := s.manifest.FlushedSeq
	s.mu.RUnlock()

	latest := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.Seq <= watermark {
			continue
		}
		if cur, ok := latest[string(e.Key)]; !ok || e.Seq > cur.Seq {
			latest[string(e.Key)] = e
		}
	}

	mark := func(m *Manifest) {
		if lastSeq > m.FlushedSeq {
			m.FlushedSeq = lastSeq
		}
		if segment > m.FlushedSegment {
			m.FlushedSegment = segment
		}
	}
	if len(latest) == 0 {
		_, err := s.install(nil, nil, mark)
		return nil, err
	}

	sorted := make([]Entry, 0, len(latest))
	for _, e := range latest {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0 })

	id, path := s.newOutput()
	if _, err := writePartition(path, sorted, s.opts.BloomFPRate, s.comp); err != nil {
		return nil, err
	}
	p, err := openPartition(id, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	p.meta = s.describe(p, 0, false)

	if _, err := s.install(nil, p, mark); err != nil {
		p.ref.retire(true)
		return nil, err
	}
	return p, nil
}

// install publishes out (which may be nil) in place of inputs and applies
// mutate to the new manifest before it is written. Inputs leave the
// manifest but remain readable until retire is called with the returned
// partitions.
func (s *PartitionStore) install(inputs []uint64, out *Partition, mutate func(*Manifest)) ([]*Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[uint64]bool, len(inputs))
	for _, id := range inputs {
		drop[id] = true
	}

	next := s.manifest.clone()
	pos := -1
	kept := make([]PartitionMeta, 0, len(next.Partitions)+1)
	for _, pm := range next.Partitions {
		if drop[pm.ID] {
			if pos < 0 {
				pos = len(kept)
			}
			continue
		}
		kept = append(kept, pm)
	}
	if out != nil {
		if pos < 0 {
			pos = len(kept)
		}
		kept = append(kept[:pos], append([]PartitionMeta{out.meta}, kept[pos:]...)...)
	}
	next.Partitions = kept
	if mutate != nil {
		mutate(next)
	}

	if err := saveManifest(s.opts.Dir, next); err != nil {
		return nil, err
	}
	s.manifest = next
	if out != nil {
		s.parts[out.ID] = out
	}

	removed := make([]*Partition, 0, len(inputs))
	for _, id := range inputs {
		if p, ok := s.parts[id]; ok {
			removed = append(removed, p)
		}
	}
	return removed, nil
}

// retire drops partitions that install removed from the manifest. Their
// files are unlinked once the last reader releases them.
func (s *PartitionStore) retire(parts []*Partition) {
	s.mu.Lock()
	for _, p := range parts {
		delete(s.parts, p.ID)
	}
	s.mu.Unlock()
	for _, p := range parts {
		p.ref.retire(true)
	}
}

// Stats returns a summary of the live partitions.
func (s *PartitionStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := StoreStats{
		Partitions:     len(s.manifest.Partitions),
		BloomNegatives: s.bloomNegatives.Load(),
		FlushedSeq:     s.manifest.FlushedSeq,
		SnapshotID:     s.manifest.SnapshotID,
		SnapshotSeq:    s.manifest.SnapshotSeq,
	}
	for _, pm := range s.manifest.Partitions {
		st.Bytes += pm.Size
		st.Keys += pm.KeyCount
		st.Tombstones += pm.Tombstones
	}
	return st
}

// Close releases every partition without deleting anything.
func (s *PartitionStore) Close() error {
	s.mu.Lock()
	parts := s.parts
	s.parts = make(map[uint64]*Partition)
	s.mu.Unlock()
	for _, p := range parts {
		p.ref.retire(false)
	}
	return nil
}
