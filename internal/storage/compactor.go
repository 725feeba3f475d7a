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
Compactor Implementation
========================

The Compactor merges partitions to reclaim the space held by overwritten
values and tombstones, and to bound the number of files an index rebuild
has to read.

Selection Policy (size-tiered):
===============================

Non-snapshot partitions are sorted by size and grouped into tiers whose
members lie within [TierLow, TierHigh] times the tier's average size. The
tier with at least TierMinPartitions members that holds the oldest data
is merged. Independently, a single partition is rewritten when more than
TombstoneRatio of its keys are tombstones, or when it exceeds
MaxPartitionSize and carries any tombstones.

Merge:
======

The inputs are merge-iterated with a heap ordered by key, then by
descending sequence, so the first entry seen for a key is its newest
version and the rest are skipped. A tombstone is written to the output
unless no partition outside the merge set might hold the key, according
to that partition's Bloom filter. Dropping it then cannot expose an older
value. A full compaction has no partitions outside the merge set and so
drops every tombstone.

Snapshots:
==========

A snapshot is a full merge whose output is flagged in the manifest along
with the flush watermark it represents.

Background Worker:
==================

The compactor runs as one goroutine. It evaluates the policy on a ticker
and when kicked after a flush, and executes explicit requests received
on its job channel. Stop cancels a running merge; the incomplete output
is deleted and the inputs stay in place.
*/
package storage

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"kaydb/internal/logging"
)

var errCompactorStopped = errors.New("compactor stopped")

// CompactionPolicy tunes partition selection.
type CompactionPolicy struct {
	// TierMinPartitions is the number of similar-sized partitions that
	// triggers a merge.
	TierMinPartitions int
	// TierLow and TierHigh bound a tier relative to its average size.
	TierLow  float64
	TierHigh float64
	// TombstoneRatio triggers a rewrite of a single partition.
	TombstoneRatio float64
	// MaxPartitionSize triggers a rewrite of a large partition with
	// tombstones.
	MaxPartitionSize int64
	// TombstoneRetry is how long a partition that was already rewritten
	// waits before a tombstone trigger may select it again.
	TombstoneRetry time.Duration
}

// DefaultCompactionPolicy returns the default size-tiered policy.
func DefaultCompactionPolicy() CompactionPolicy {
	return CompactionPolicy{
		TierMinPartitions: 4,
		TierLow:           0.5,
		TierHigh:          1.5,
		TombstoneRatio:    0.7,
		MaxPartitionSize:  1 << 30,
		TombstoneRetry:    10 * time.Minute,
	}
}

// Select returns the ids of the partitions to merge next, or nil. parts
// must be in manifest order, oldest first.
func (p CompactionPolicy) Select(parts []PartitionMeta) []uint64 {
	order := make(map[uint64]int, len(parts))
	var candidates []PartitionMeta
	for i, pm := range parts {
		if pm.Snapshot {
			continue
		}
		order[pm.ID] = i
		candidates = append(candidates, pm)
	}

	now := time.Now()
	for _, pm := range candidates {
		if pm.Tombstones == 0 {
			continue
		}
		if !pm.LastCompaction.IsZero() && now.Sub(pm.LastCompaction) < p.TombstoneRetry {
			continue
		}
		if pm.TombstoneRatio() > p.TombstoneRatio || (p.MaxPartitionSize > 0 && pm.Size > p.MaxPartitionSize) {
			return []uint64{pm.ID}
		}
	}

	minTier := p.TierMinPartitions
	if minTier < 2 {
		minTier = 2
	}
	if len(candidates) < minTier {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Size < candidates[j].Size })

	var tiers [][]PartitionMeta
	var tier []PartitionMeta
	var total int64
	for _, pm := range candidates {
		if len(tier) > 0 {
			avg := float64(total) / float64(len(tier))
			if float64(pm.Size) < avg*p.TierLow || float64(pm.Size) > avg*p.TierHigh {
				tiers = append(tiers, tier)
				tier, total = nil, 0
			}
		}
		tier = append(tier, pm)
		total += pm.Size
	}
	tiers = append(tiers, tier)

	best, bestAge := -1, len(parts)
	for i, t := range tiers {
		if len(t) < minTier {
			continue
		}
		oldest := len(parts)
		for _, pm := range t {
			if order[pm.ID] < oldest {
				oldest = order[pm.ID]
			}
		}
		if oldest < bestAge {
			best, bestAge = i, oldest
		}
	}
	if best < 0 {
		return nil
	}

	selected := tiers[best]
	sort.Slice(selected, func(i, j int) bool { return order[selected[i].ID] < order[selected[j].ID] })
	ids := make([]uint64, len(selected))
	for i, pm := range selected {
		ids[i] = pm.ID
	}
	return ids
}

// CompactionResult describes a finished compaction.
type CompactionResult struct {
	Inputs           []uint64
	Output           uint64
	BytesIn          int64
	BytesOut         int64
	KeysWritten      int
	Superseded       int
	TombstonesPurged int
	Snapshot         bool
	SnapshotSeq      uint64
	Duration         time.Duration
}

// Reclaimed returns the bytes freed by the compaction.
func (r CompactionResult) Reclaimed() int64 {
	return r.BytesIn - r.BytesOut
}

type compactionMode int

const (
	compactAuto compactionMode = iota
	compactFull
	compactSnapshot
)

type compactionJob struct {
	ctx   context.Context
	mode  compactionMode
	reply chan compactionReply
}

type compactionReply struct {
	result CompactionResult
	err    error
}

// Compactor merges partitions in the background.
type Compactor struct {
	store    *PartitionStore
	index    *Index
	policy   CompactionPolicy
	interval time.Duration
	onResult func(CompactionResult)
	log      *logging.Logger

	// mu serializes merges and snapshot installs.
	mu sync.Mutex

	jobs   chan compactionJob
	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func newCompactor(store *PartitionStore, index *Index, policy CompactionPolicy, interval time.Duration, onResult func(CompactionResult)) *Compactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Compactor{
		store:    store,
		index:    index,
		policy:   policy,
		interval: interval,
		onResult: onResult,
		log:      logging.NewLogger("compactor"),
		jobs:     make(chan compactionJob),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker goroutine.
func (c *Compactor) Start() {
	go c.loop()
}

// Stop cancels any running merge and waits for the worker to exit.
func (c *Compactor) Stop() {
	c.cancel()
	close(c.stopCh)
	<-c.doneCh
}

// Kick asks the worker to evaluate the policy soon.
func (c *Compactor) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Compactor) loop() {
	defer close(c.doneCh)

	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.stopCh:
			return
		case job := <-c.jobs:
			res, err := c.run(job.ctx, job.mode)
			job.reply <- compactionReply{result: res, err: err}
		case <-tick:
			c.runAuto()
		case <-c.kick:
			c.runAuto()
		}
	}
}

func (c *Compactor) runAuto() {
	if _, err := c.run(c.ctx, compactAuto); err != nil && c.ctx.Err() == nil {
		c.log.Error("Background compaction failed", "error", err)
	}
}

// submit hands a job to the worker and waits for its result.
func (c *Compactor) submit(ctx context.Context, mode compactionMode) (CompactionResult, error) {
	job := compactionJob{ctx: ctx, mode: mode, reply: make(chan compactionReply, 1)}
	select {
	case c.jobs <- job:
	case <-c.stopCh:
		return CompactionResult{}, errCompactorStopped
	case <-ctx.Done():
		return CompactionResult{}, ctx.Err()
	}
	select {
	case r := <-job.reply:
		return r.result, r.err
	case <-ctx.Done():
		return CompactionResult{}, ctx.Err()
	}
}

func (c *Compactor) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.ctx.Err()
}

func (c *Compactor) run(ctx context.Context, mode compactionMode) (CompactionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts, m := c.store.acquireSnapshot()
	defer releaseAll(parts)

	var inputs []*Partition
	switch mode {
	case compactAuto:
		metas := make([]PartitionMeta, len(parts))
		for i, p := range parts {
			metas[i] = p.meta
		}
		ids := c.policy.Select(metas)
		if len(ids) == 0 {
			return CompactionResult{}, nil
		}
		want := make(map[uint64]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		for _, p := range parts {
			if want[p.ID] {
				inputs = append(inputs, p)
			}
		}
	case compactFull:
		if len(parts) == 0 || (len(parts) == 1 && parts[0].tombstones == 0) {
			return CompactionResult{}, nil
		}
		inputs = parts
	case compactSnapshot:
		inputs = parts
	}

	snapshot := mode == compactSnapshot
	if mode == compactFull && m.SnapshotID != 0 {
		snapshot = true
	}
	return c.merge(ctx, inputs, parts, m, snapshot)
}

// mergeItem is one input cursor in the merge heap.
type mergeItem struct {
	it *partitionIterator
	e  Entry
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].e.Key, h[j].e.Key); c != 0 {
		return c < 0
	}
	return h[i].e.Seq > h[j].e.Seq
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type droppedTombstone struct {
	key []byte
	seq uint64
}

// merge writes the newest version of every key in inputs to one new
// partition and swaps it in. all is every partition that was live when the
// inputs were chosen; those not in inputs are the retained set consulted
// before dropping a tombstone.
func (c *Compactor) merge(ctx context.Context, inputs, all []*Partition, m Manifest, snapshot bool) (CompactionResult, error) {
	start := time.Now()
	res := CompactionResult{Snapshot: snapshot}

	inSet := make(map[uint64]bool, len(inputs))
	expected, generation := 0, 0
	for _, p := range inputs {
		inSet[p.ID] = true
		res.Inputs = append(res.Inputs, p.ID)
		res.BytesIn += p.size
		expected += len(p.keys)
		if p.meta.Generation > generation {
			generation = p.meta.Generation
		}
	}
	var retained []*Partition
	for _, p := range all {
		if !inSet[p.ID] {
			retained = append(retained, p)
		}
	}

	id, path := c.store.newOutput()
	pw, err := newPartitionWriter(path, expected, c.store.opts.BloomFPRate, c.store.comp)
	if err != nil {
		return res, err
	}

	h := make(mergeHeap, 0, len(inputs))
	for _, p := range inputs {
		it := p.iterator(c.store.comp)
		if it.next() {
			h = append(h, &mergeItem{it: it, e: it.entry()})
		} else if it.err != nil {
			pw.abort()
			return res, it.err
		}
	}
	heap.Init(&h)

	var dropped []droppedTombstone
	var lastKey []byte
	steps := 0
	for h.Len() > 0 {
		if steps++; steps%1024 == 0 {
			if err := c.interrupted(ctx); err != nil {
				pw.abort()
				return res, err
			}
		}

		top := h[0]
		e := top.e
		if top.it.next() {
			top.e = top.it.entry()
			heap.Fix(&h, 0)
		} else {
			if top.it.err != nil {
				pw.abort()
				return res, top.it.err
			}
			heap.Pop(&h)
		}

		if lastKey != nil && bytes.Equal(e.Key, lastKey) {
			res.Superseded++
			continue
		}
		lastKey = e.Key

		if e.Tombstone && c.tombstoneDroppable(e.Key, retained) {
			dropped = append(dropped, droppedTombstone{key: e.Key, seq: e.Seq})
			res.TombstonesPurged++
			continue
		}
		if err := pw.add(e); err != nil {
			pw.abort()
			return res, err
		}
		res.KeysWritten++
	}

	if err := c.interrupted(ctx); err != nil {
		pw.abort()
		return res, err
	}

	var out *Partition
	if res.KeysWritten > 0 || snapshot {
		size, err := pw.finish()
		if err != nil {
			return res, err
		}
		out, err = openPartition(id, path)
		if err != nil {
			os.Remove(path)
			return res, err
		}
		out.meta = c.store.describe(out, generation+1, snapshot)
		res.Output = id
		res.BytesOut = size
	} else {
		pw.abort()
	}

	if snapshot {
		res.SnapshotSeq = m.FlushedSeq
	}
	removed, err := c.store.install(res.Inputs, out, func(next *Manifest) {
		switch {
		case snapshot:
			next.SnapshotID = out.ID
			next.SnapshotSeq = res.SnapshotSeq
		case inSet[next.SnapshotID]:
			next.SnapshotID, next.SnapshotSeq = 0, 0
		}
	})
	if err != nil {
		if out != nil {
			out.ref.retire(true)
		}
		return res, err
	}

	if out != nil {
		for _, fe := range out.keys {
			c.index.Relocate(fe.key, fe.seq, Location{Partition: out.ID, Offset: fe.offset})
		}
	}
	for _, d := range dropped {
		c.index.Forget(d.key, d.seq)
	}
	c.store.retire(removed)

	res.Duration = time.Since(start)
	c.log.Info("Compaction finished",
		"inputs", len(res.Inputs),
		"output", res.Output,
		"keys", res.KeysWritten,
		"tombstones_purged", res.TombstonesPurged,
		"reclaimed", res.Reclaimed(),
		"snapshot", snapshot,
		"duration", res.Duration)
	if c.onResult != nil {
		c.onResult(res)
	}
	return res, nil
}

// tombstoneDroppable reports whether no retained partition might hold an
// older version of key.
func (c *Compactor) tombstoneDroppable(key []byte, retained []*Partition) bool {
	for _, p := range retained {
		if p.MightContain(key) {
			return false
		}
		c.store.bloomNegatives.Add(1)
	}
	return true
}
