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
	"io"
	"sync"

	"kaydb/internal/storage"
)

// VoteRequest asks a peer to vote for a candidate.
type VoteRequest struct {
	Term        uint64
	CandidateID string
	// LastSeq and LastTerm describe the candidate's newest record; peers
	// with a more up-to-date log refuse their vote.
	LastSeq  uint64
	LastTerm uint64
}

// VoteResponse is the reply to a VoteRequest.
type VoteResponse struct {
	Term    uint64
	Granted bool
}

// AppendRequest replicates records and doubles as the leader heartbeat.
type AppendRequest struct {
	Term     uint64
	LeaderID string
	// PrevSeq is the sequence immediately before Entries.
	PrevSeq uint64
	Entries []storage.Entry
	Commit  uint64
}

// AppendResponse is the reply to an AppendRequest.
type AppendResponse struct {
	Term    uint64
	Success bool
	// MatchSeq is the highest sequence known to match the leader.
	MatchSeq uint64
	// LastSeq is the sequence the leader should resume from when the
	// request is refused.
	LastSeq uint64
	// Diverged is set when a record the follower already holds differs
	// from the leader's copy. The follower then needs a snapshot.
	Diverged bool
}

// SnapshotRequest accompanies a snapshot stream sent by the leader.
type SnapshotRequest struct {
	Term     uint64
	LeaderID string
}

// SnapshotResponse is the reply to a snapshot install.
type SnapshotResponse struct {
	Term      uint64
	LastSeq   uint64
	Installed bool
}

// Transport carries consensus RPCs between nodes. Implementations own
// connections, retries and addressing.
type Transport interface {
	RequestVote(ctx context.Context, peer string, req VoteRequest) (VoteResponse, error)
	AppendEntries(ctx context.Context, peer string, req AppendRequest) (AppendResponse, error)
	InstallSnapshot(ctx context.Context, peer string, req SnapshotRequest, r io.Reader) (SnapshotResponse, error)
}

// ErrUnreachable is returned by LocalTransport for disconnected nodes.
var ErrUnreachable = errors.New("peer unreachable")

// LocalTransport connects nodes in the same process. Entries pass through
// the frame codec so they are copied exactly as they would be on a wire.
// Nodes can be disconnected to simulate partitions.
type LocalTransport struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	down  map[string]bool
}

// NewLocalTransport creates an empty in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes: make(map[string]*Node),
		down:  make(map[string]bool),
	}
}

// Register makes n reachable under its ID.
func (t *LocalTransport) Register(n *Node) {
	t.mu.Lock()
	t.nodes[n.ID()] = n
	t.mu.Unlock()
}

// Disconnect drops all traffic to and from id.
func (t *LocalTransport) Disconnect(id string) {
	t.mu.Lock()
	t.down[id] = true
	t.mu.Unlock()
}

// Reconnect restores traffic for id.
func (t *LocalTransport) Reconnect(id string) {
	t.mu.Lock()
	delete(t.down, id)
	t.mu.Unlock()
}

func (t *LocalTransport) route(ctx context.Context, from, to string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[to]
	if !ok || t.down[to] || t.down[from] {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrUnreachable)
	}
	return n, nil
}

// RequestVote delivers req to peer.
func (t *LocalTransport) RequestVote(ctx context.Context, peer string, req VoteRequest) (VoteResponse, error) {
	n, err := t.route(ctx, req.CandidateID, peer)
	if err != nil {
		return VoteResponse{}, err
	}
	return n.HandleRequestVote(req), nil
}

// AppendEntries delivers req to peer.
func (t *LocalTransport) AppendEntries(ctx context.Context, peer string, req AppendRequest) (AppendResponse, error) {
	n, err := t.route(ctx, req.LeaderID, peer)
	if err != nil {
		return AppendResponse{}, err
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf, nil).WriteBatch(Batch{Term: req.Term, Commit: req.Commit, Entries: req.Entries}); err != nil {
		return AppendResponse{}, err
	}
	frame, err := NewDecoder(&buf).Next()
	if err != nil {
		return AppendResponse{}, err
	}
	req.Entries = frame.Batch.Entries
	return n.HandleAppendEntries(req), nil
}

// InstallSnapshot streams a snapshot to peer.
func (t *LocalTransport) InstallSnapshot(ctx context.Context, peer string, req SnapshotRequest, r io.Reader) (SnapshotResponse, error) {
	n, err := t.route(ctx, req.LeaderID, peer)
	if err != nil {
		return SnapshotResponse{}, err
	}
	return n.HandleInstallSnapshot(ctx, req, r)
}
