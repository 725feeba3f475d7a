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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	kverrors "kaydb/internal/errors"
	"kaydb/internal/logging"
	"kaydb/internal/metrics"
	"kaydb/internal/storage"
)

// Sink receives records shipped to one follower.
type Sink interface {
	// ID identifies the follower.
	ID() string
	// Send delivers a batch and returns the follower's applied sequence.
	Send(ctx context.Context, b Batch) (uint64, error)
	// InstallSnapshot bootstraps the follower from an exported snapshot
	// stream and returns its applied sequence afterwards.
	InstallSnapshot(ctx context.Context, r io.Reader) (uint64, error)
}

// ShipperConfig holds log shipping settings.
type ShipperConfig struct {
	// BatchSize caps the records read from the WAL per send.
	BatchSize int
	// RetryInterval is the pause after a failed send.
	RetryInterval time.Duration
}

// DefaultShipperConfig returns sensible defaults.
func DefaultShipperConfig() ShipperConfig {
	return ShipperConfig{
		BatchSize:     1000,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Shipper streams committed records from a master engine to followers.
// Each follower is served by its own goroutine which wakes on every
// commit, so a slow follower never delays writes or other followers.
type Shipper struct {
	engine  *storage.Engine
	config  ShipperConfig
	metrics *metrics.Metrics
	log     *logging.Logger

	mu      sync.Mutex
	streams map[string]*shipStream
	closed  bool
}

type shipStream struct {
	sink   Sink
	acked  atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewShipper creates a shipper reading from engine.
func NewShipper(engine *storage.Engine, config ShipperConfig) *Shipper {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultShipperConfig().BatchSize
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultShipperConfig().RetryInterval
	}
	return &Shipper{
		engine:  engine,
		config:  config,
		metrics: engine.Metrics(),
		log:     logging.NewLogger("replication"),
		streams: make(map[string]*shipStream),
	}
}

// Add starts shipping to sink, beginning after the follower's applied
// sequence from. The stream runs until ctx is cancelled, the follower is
// removed or the shipper is closed.
func (s *Shipper) Add(ctx context.Context, sink Sink, from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kverrors.Closed()
	}
	if _, ok := s.streams[sink.ID()]; ok {
		return kverrors.InvalidValue("follower", fmt.Sprintf("%q is already registered", sink.ID()))
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &shipStream{sink: sink, cancel: cancel, done: make(chan struct{})}
	st.acked.Store(from)
	s.streams[sink.ID()] = st
	go s.run(ctx, st)

	s.log.Info("Follower added", "follower", sink.ID(), "from", from)
	return nil
}

// Remove stops shipping to the follower and waits for its stream to exit.
func (s *Shipper) Remove(id string) {
	s.mu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	st.cancel()
	<-st.done
	s.updateLag()
	s.log.Info("Follower removed", "follower", id)
}

// Followers returns the registered follower IDs in sorted order.
func (s *Shipper) Followers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Acked returns the last sequence the follower acknowledged.
func (s *Shipper) Acked(id string) (uint64, bool) {
	s.mu.Lock()
	st, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	return st.acked.Load(), true
}

// Lag returns how many records the follower is behind the master.
func (s *Shipper) Lag(id string) (uint64, bool) {
	acked, ok := s.Acked(id)
	if !ok {
		return 0, false
	}
	last := s.engine.LastSequence()
	if acked >= last {
		return 0, true
	}
	return last - acked, true
}

// Close stops every stream.
func (s *Shipper) Close() {
	s.mu.Lock()
	s.closed = true
	streams := s.streams
	s.streams = make(map[string]*shipStream)
	s.mu.Unlock()

	for _, st := range streams {
		st.cancel()
	}
	for _, st := range streams {
		<-st.done
	}
	s.metrics.SetReplicationLag(0)
}

func (s *Shipper) run(ctx context.Context, st *shipStream) {
	defer close(st.done)
	log := s.log.With("follower", st.sink.ID())

	for ctx.Err() == nil {
		after := st.acked.Load()
		entries, err := s.engine.RecordsSince(after, s.config.BatchSize)
		switch {
		case errors.Is(err, kverrors.ErrSnapshotRequired):
			log.Info("Follower is behind WAL retention, sending snapshot", "acked", after)
			seq, err := transferSnapshot(ctx, s.engine, st.sink.InstallSnapshot)
			if err != nil {
				log.Warn("Snapshot transfer failed", "error", err)
				s.pause(ctx)
				continue
			}
			st.acked.Store(seq)
			s.updateLag()
			continue
		case kverrors.IsClosed(err):
			return
		case err != nil:
			log.Warn("Reading records failed", "after", after, "error", err)
			s.pause(ctx)
			continue
		}

		if len(entries) == 0 {
			if _, err := s.engine.WaitForCommit(ctx, after); err != nil {
				return
			}
			continue
		}

		ack, err := st.sink.Send(ctx, Batch{Commit: s.engine.LastSequence(), Entries: entries})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Shipping failed", "from", entries[0].Seq, "acked", ack, "error", err)
			if errors.Is(err, kverrors.ErrReplicationGap) {
				st.acked.Store(ack)
			}
			s.pause(ctx)
			continue
		}
		s.metrics.RecordsShipped.Add(uint64(len(entries)))
		st.acked.Store(ack)
		s.updateLag()
	}
}

func (s *Shipper) pause(ctx context.Context) {
	t := time.NewTimer(s.config.RetryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// updateLag publishes the lag of the slowest follower.
func (s *Shipper) updateLag() {
	last := s.engine.LastSequence()
	var worst int64
	s.mu.Lock()
	for _, st := range s.streams {
		if acked := st.acked.Load(); acked < last && int64(last-acked) > worst {
			worst = int64(last - acked)
		}
	}
	s.mu.Unlock()
	s.metrics.SetReplicationLag(worst)
}

// transferSnapshot takes a fresh snapshot and pipes it into install while
// it is being exported.
func transferSnapshot(ctx context.Context, engine *storage.Engine, install func(context.Context, io.Reader) (uint64, error)) (uint64, error) {
	if _, err := engine.Snapshot(ctx); err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := engine.ExportSnapshot(gctx, pw)
		pw.CloseWithError(err)
		return err
	})
	var seq uint64
	g.Go(func() error {
		var err error
		seq, err = install(gctx, pr)
		if err == nil {
			// A receiver that declined the snapshot may stop reading early.
			_, err = io.Copy(io.Discard, pr)
		}
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return seq, nil
}

// StreamSink ships frames to a writer owned by the caller, typically a
// network connection. A batch counts as acknowledged once it is written.
type StreamSink struct {
	id  string
	mu  sync.Mutex
	enc *Encoder
}

// NewStreamSink creates a sink writing frames for follower id through enc.
func NewStreamSink(id string, enc *Encoder) *StreamSink {
	return &StreamSink{id: id, enc: enc}
}

// ID returns the follower ID.
func (s *StreamSink) ID() string {
	return s.id
}

// Send writes b as one frame.
func (s *StreamSink) Send(ctx context.Context, b Batch) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.WriteBatch(b); err != nil {
		return 0, err
	}
	return b.LastSeq(), nil
}

// InstallSnapshot buffers the snapshot stream and writes it as one frame.
func (s *StreamSink) InstallSnapshot(ctx context.Context, r io.Reader) (uint64, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return 0, err
	}
	data := buf.Bytes()
	if len(data) < 28 || binary.BigEndian.Uint32(data) != storage.SnapshotMagic {
		return 0, kverrors.SnapshotMismatch("not a snapshot stream")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.WriteSnapshot(0, data); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data[12:20]), nil
}
