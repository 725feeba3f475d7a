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
	"io"

	kverrors "kaydb/internal/errors"
	"kaydb/internal/logging"
	"kaydb/internal/storage"
)

// Follower applies records shipped from a leader to a local engine.
// Records must arrive in sequence order. Duplicates are skipped so a
// leader may resend a batch after a lost acknowledgement.
type Follower struct {
	id     string
	engine *storage.Engine
	log    *logging.ContextLogger
}

// NewFollower creates a follower applying to engine.
func NewFollower(id string, engine *storage.Engine) *Follower {
	return &Follower{
		id:     id,
		engine: engine,
		log:    logging.NewLogger("replication").With("follower", id),
	}
}

// ID returns the follower's identifier.
func (f *Follower) ID() string {
	return f.id
}

// LastApplied returns the highest sequence applied locally.
func (f *Follower) LastApplied() uint64 {
	return f.engine.LastSequence()
}

// Apply applies entries in order and returns how many were new. A record
// at or below the applied sequence is ignored. A record that skips ahead
// stops the batch with ReplicationGap.
func (f *Follower) Apply(entries []storage.Entry) (int, error) {
	applied := 0
	for _, ent := range entries {
		err := f.engine.ApplyRecord(ent)
		switch {
		case err == nil:
			applied++
		case kverrors.IsConflict(err):
			f.log.Debug("Skipping duplicate record", "seq", ent.Seq)
		default:
			return applied, err
		}
	}
	return applied, nil
}

// Send applies a shipped batch and acknowledges with the applied sequence.
// The sequence is returned on failure as well so the leader can resume
// from the follower's real position.
func (f *Follower) Send(ctx context.Context, b Batch) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return f.LastApplied(), err
	}
	_, err := f.Apply(b.Entries)
	return f.LastApplied(), err
}

// InstallSnapshot replaces local data with a snapshot stream. A snapshot
// that is not ahead of the local sequence is ignored.
func (f *Follower) InstallSnapshot(ctx context.Context, r io.Reader) (uint64, error) {
	info, err := f.engine.InstallSnapshot(ctx, r)
	if kverrors.IsConflict(err) {
		f.log.Info("Ignoring stale snapshot", "applied", f.LastApplied())
		return f.LastApplied(), nil
	}
	if err != nil {
		return f.LastApplied(), err
	}
	f.log.Info("Bootstrapped from snapshot", "id", info.ID, "seq", info.Seq)
	return info.Seq, nil
}

// Serve applies every frame read from r until the stream ends or ctx is
// cancelled.
func (f *Follower) Serve(ctx context.Context, r io.Reader) error {
	dec := NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch frame.Kind {
		case FrameSnapshot:
			if _, err := f.InstallSnapshot(ctx, bytes.NewReader(frame.Snapshot)); err != nil {
				return err
			}
		case FrameBatch:
			if _, err := f.Apply(frame.Batch.Entries); err != nil {
				return err
			}
		}
	}
}
