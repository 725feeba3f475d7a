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
	"math/rand/v2"
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

// State is the role of a consensus node.
type State int32

const (
	StateFollower State = iota
	StateCandidate
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// NodeConfig configures a consensus node.
type NodeConfig struct {
	ID string
	// Peers lists the other members of the cluster.
	Peers []string
	// StateDir holds raft-state.json. Empty keeps term and vote in memory.
	StateDir          string
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	QuorumTimeout     time.Duration
	// BatchSize caps the records sent in one AppendEntries.
	BatchSize int
}

// DefaultNodeConfig returns sensible defaults.
func DefaultNodeConfig(id string) NodeConfig {
	return NodeConfig{
		ID:                id,
		ElectionTimeout:   300 * time.Millisecond,
		HeartbeatInterval: 100 * time.Millisecond,
		QuorumTimeout:     2 * time.Second,
		BatchSize:         1000,
	}
}

// QuorumSize returns floor(n/2)+1 for a cluster of n nodes.
func QuorumSize(n int) int {
	return n/2 + 1
}

// Node replicates an engine's records with Raft-style leader election.
// The engine's sequence plays the role of the log index: the leader
// assigns sequences and followers apply them in order.
type Node struct {
	id        string
	peers     []string
	config    NodeConfig
	engine    *storage.Engine
	transport Transport
	metrics   *metrics.Metrics
	log       *logging.ContextLogger

	mu         sync.Mutex
	state      atomic.Int32
	term       uint64
	votedFor   string
	lastTerm   uint64
	leader     string
	nextIndex  map[string]uint64
	matchIndex map[string]uint64
	diverged   map[string]bool
	commitSeq  atomic.Uint64
	// matchedSeq is the highest sequence verified against the current
	// leader's log.
	matchedSeq uint64

	commitMu sync.Mutex
	commitCh chan struct{}

	resetCh     chan struct{}
	replicateCh chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	running     atomic.Bool
}

// NewNode creates a node for engine. Term and vote are restored from
// config.StateDir.
func NewNode(config NodeConfig, engine *storage.Engine, transport Transport) (*Node, error) {
	def := DefaultNodeConfig(config.ID)
	if config.ElectionTimeout <= 0 {
		config.ElectionTimeout = def.ElectionTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.QuorumTimeout <= 0 {
		config.QuorumTimeout = def.QuorumTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.ID == "" {
		return nil, kverrors.InvalidValue("node_id", "must not be empty")
	}

	st, err := loadState(config.StateDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:          config.ID,
		peers:       append([]string(nil), config.Peers...),
		config:      config,
		engine:      engine,
		transport:   transport,
		metrics:     engine.Metrics(),
		log:         logging.NewLogger("raft").With("node", config.ID),
		term:        st.Term,
		votedFor:    st.VotedFor,
		lastTerm:    st.LastTerm,
		nextIndex:   make(map[string]uint64),
		matchIndex:  make(map[string]uint64),
		diverged:    make(map[string]bool),
		commitCh:    make(chan struct{}),
		resetCh:     make(chan struct{}, 1),
		replicateCh: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	n.metrics.IsLeader.Store(false)
	return n, nil
}

// Start runs the election and heartbeat loop.
func (n *Node) Start() {
	if n.running.Swap(true) {
		return
	}
	n.log.Info("Node started", "term", n.Term(), "peers", len(n.peers))
	go n.run()
}

// Stop halts the loop and waits for it to exit.
func (n *Node) Stop() {
	n.cancel()
	if n.running.Swap(false) {
		<-n.done
	}
	n.mu.Lock()
	n.setState(StateFollower)
	n.mu.Unlock()
}

// ID returns the node ID.
func (n *Node) ID() string {
	return n.id
}

// State returns the node's current role.
func (n *Node) State() State {
	return State(n.state.Load())
}

// IsLeader reports whether this node is the leader.
func (n *Node) IsLeader() bool {
	return n.State() == StateLeader
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// Leader returns the ID of the leader this node last heard from.
func (n *Node) Leader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

// CommitSeq returns the highest sequence known to be held by a quorum.
func (n *Node) CommitSeq() uint64 {
	return n.commitSeq.Load()
}

// Quorum returns the number of nodes that must hold a record.
func (n *Node) Quorum() int {
	return QuorumSize(len(n.peers) + 1)
}

func (n *Node) run() {
	defer close(n.done)
	election := time.NewTimer(n.randomElectionTimeout())
	heartbeat := time.NewTicker(n.config.HeartbeatInterval)
	defer election.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.resetCh:
			election.Reset(n.randomElectionTimeout())
		case <-election.C:
			if !n.IsLeader() {
				n.startElection()
			}
			election.Reset(n.randomElectionTimeout())
		case <-heartbeat.C:
			if n.IsLeader() {
				n.replicate()
			}
		case <-n.replicateCh:
			if n.IsLeader() {
				n.replicate()
			}
		}
	}
}

// randomElectionTimeout spreads candidates over [timeout, 2*timeout) to
// avoid split votes.
func (n *Node) randomElectionTimeout() time.Duration {
	base := n.config.ElectionTimeout
	return base + rand.N(base)
}

func (n *Node) resetElectionTimer() {
	select {
	case n.resetCh <- struct{}{}:
	default:
	}
}

func (n *Node) triggerReplicate() {
	select {
	case n.replicateCh <- struct{}{}:
	default:
	}
}

// setState changes the role. The caller holds n.mu.
func (n *Node) setState(s State) {
	old := State(n.state.Swap(int32(s)))
	n.metrics.IsLeader.Store(s == StateLeader)
	if old != s {
		n.log.Debug("State changed", "from", old.String(), "to", s.String(), "term", n.term)
	}
}

// persist writes the given term, vote and last record term. The caller
// holds n.mu and updates its fields only after persist succeeds.
func (n *Node) persist(term uint64, votedFor string, lastTerm uint64) error {
	return saveState(n.config.StateDir, persistentState{Term: term, VotedFor: votedFor, LastTerm: lastTerm})
}

// adoptTerm moves to a newer term as a follower. The caller holds n.mu.
func (n *Node) adoptTerm(term uint64) error {
	if term <= n.term {
		return nil
	}
	if err := n.persist(term, "", n.lastTerm); err != nil {
		return err
	}
	if n.State() == StateLeader {
		n.log.Info("Stepping down", "term", n.term, "new_term", term)
	}
	n.term = term
	n.votedFor = ""
	n.leader = ""
	n.matchedSeq = 0
	n.setState(StateFollower)
	return nil
}

func (n *Node) stepDown(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.adoptTerm(term); err != nil {
		n.log.Error("Failed to persist term", "term", term, "error", err)
	}
}

// broadcast runs fn against every peer in parallel and waits for all of
// them.
func (n *Node) broadcast(timeout time.Duration, fn func(ctx context.Context, peer string) error) error {
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()
	var g errgroup.Group
	for _, peer := range n.peers {
		g.Go(func() error {
			return fn(ctx, peer)
		})
	}
	return g.Wait()
}

func (n *Node) startElection() {
	n.mu.Lock()
	if n.State() == StateLeader {
		n.mu.Unlock()
		return
	}
	term := n.term + 1
	if err := n.persist(term, n.id, n.lastTerm); err != nil {
		n.mu.Unlock()
		n.log.Error("Failed to persist vote, skipping election", "term", term, "error", err)
		return
	}
	n.term = term
	n.votedFor = n.id
	n.leader = ""
	n.setState(StateCandidate)
	req := VoteRequest{
		Term:        term,
		CandidateID: n.id,
		LastSeq:     n.engine.LastSequence(),
		LastTerm:    n.lastTerm,
	}
	n.mu.Unlock()
	n.log.Debug("Starting election", "term", term)

	var votes atomic.Int32
	votes.Store(1)
	err := n.broadcast(n.config.ElectionTimeout, func(ctx context.Context, peer string) error {
		resp, err := n.transport.RequestVote(ctx, peer, req)
		if err != nil {
			return err
		}
		if resp.Term > term {
			n.stepDown(resp.Term)
			return nil
		}
		if resp.Granted {
			votes.Add(1)
		}
		return nil
	})
	if err != nil {
		n.log.Debug("Some vote requests failed", "term", term, "error", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() != StateCandidate || n.term != term {
		return
	}
	if int(votes.Load()) >= n.Quorum() {
		n.becomeLeader()
	}
}

// becomeLeader takes over as leader. The caller holds n.mu.
func (n *Node) becomeLeader() {
	last := n.engine.LastSequence()
	for _, peer := range n.peers {
		n.nextIndex[peer] = last + 1
		n.matchIndex[peer] = 0
		delete(n.diverged, peer)
	}
	n.leader = n.id
	n.setState(StateLeader)
	n.log.Info("Became leader", "term", n.term, "last_seq", last)
	n.triggerReplicate()
}

// HandleRequestVote decides whether to vote for a candidate. A vote is
// granted at most once per term, only to a candidate whose log is at
// least as up to date, and only after it is persisted.
func (n *Node) HandleRequestVote(req VoteRequest) VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.term {
		if err := n.adoptTerm(req.Term); err != nil {
			n.log.Error("Failed to persist term", "term", req.Term, "error", err)
			return VoteResponse{Term: n.term}
		}
	}
	resp := VoteResponse{Term: n.term}
	if req.Term < n.term {
		return resp
	}
	if n.votedFor != "" && n.votedFor != req.CandidateID {
		return resp
	}
	upToDate := req.LastTerm > n.lastTerm ||
		(req.LastTerm == n.lastTerm && req.LastSeq >= n.engine.LastSequence())
	if !upToDate {
		return resp
	}
	if n.votedFor != req.CandidateID {
		if err := n.persist(n.term, req.CandidateID, n.lastTerm); err != nil {
			n.log.Error("Failed to persist vote", "term", n.term, "error", err)
			return resp
		}
		n.votedFor = req.CandidateID
	}
	resp.Granted = true
	n.resetElectionTimer()
	return resp
}

// HandleAppendEntries applies records from the leader. A request starting
// beyond what this node can vouch for is refused with a sequence the
// leader can rewind to. Records this node already holds must match the
// leader's copy; a mismatch is reported as Diverged and nothing past it is
// acknowledged.
func (n *Node) HandleAppendEntries(req AppendRequest) AppendResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.term {
		if err := n.adoptTerm(req.Term); err != nil {
			n.log.Error("Failed to persist term", "term", req.Term, "error", err)
			return AppendResponse{Term: n.term, LastSeq: n.engine.LastSequence()}
		}
	}
	resp := AppendResponse{Term: n.term}
	if req.Term < n.term {
		resp.LastSeq = n.engine.LastSequence()
		return resp
	}
	if n.State() != StateFollower {
		n.setState(StateFollower)
	}
	if n.leader != req.LeaderID {
		n.leader = req.LeaderID
		n.log.Info("Following leader", "leader", req.LeaderID, "term", n.term)
	}
	n.resetElectionTimer()

	last := n.engine.LastSequence()
	trusted := max(n.matchedSeq, n.commitSeq.Load())
	if req.PrevSeq > last {
		resp.LastSeq = last
		return resp
	}
	// The first record may overlap the local log; a matching overlap
	// vouches for the records before it.
	overlap := len(req.Entries) > 0 && req.Entries[0].Seq == req.PrevSeq+1 && req.Entries[0].Seq <= last
	if req.PrevSeq > trusted && !overlap {
		resp.LastSeq = min(trusted, last)
		return resp
	}

	match := req.PrevSeq
	for _, ent := range req.Entries {
		err := n.engine.ApplyRecord(ent)
		if kverrors.IsConflict(err) {
			if !n.holdsRecord(ent, trusted) {
				n.log.Warn("Local record differs from leader", "seq", ent.Seq, "leader", req.LeaderID)
				resp.Diverged = true
				resp.MatchSeq = match
				resp.LastSeq = n.engine.LastSequence()
				return resp
			}
			err = nil
		}
		if err != nil {
			n.log.Warn("Applying replicated record failed", "seq", ent.Seq, "error", err)
			resp.LastSeq = min(match, n.engine.LastSequence())
			return resp
		}
		match = ent.Seq
	}
	if len(req.Entries) > 0 && n.lastTerm != req.Term {
		if err := n.persist(n.term, n.votedFor, req.Term); err != nil {
			n.log.Error("Failed to persist record term", "term", req.Term, "error", err)
		} else {
			n.lastTerm = req.Term
		}
	}

	if match > n.matchedSeq {
		n.matchedSeq = match
	}
	if commit := min(req.Commit, match); commit > n.commitSeq.Load() {
		n.setCommit(commit)
	}
	resp.Success = true
	resp.MatchSeq = match
	resp.LastSeq = n.engine.LastSequence()
	return resp
}

// holdsRecord reports whether the local record at ent.Seq equals ent. A
// record no longer retained locally only counts when it is at or below
// trusted. The caller holds n.mu.
func (n *Node) holdsRecord(ent storage.Entry, trusted uint64) bool {
	local, err := n.engine.RecordsSince(ent.Seq-1, 1)
	if err != nil || len(local) == 0 || local[0].Seq != ent.Seq {
		return ent.Seq <= trusted
	}
	l := local[0]
	return l.Tombstone == ent.Tombstone && bytes.Equal(l.Key, ent.Key) &&
		(ent.Tombstone || bytes.Equal(l.Value, ent.Value))
}

// HandleInstallSnapshot replaces local data with the leader's snapshot.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req SnapshotRequest, r io.Reader) (SnapshotResponse, error) {
	n.mu.Lock()
	if req.Term > n.term {
		if err := n.adoptTerm(req.Term); err != nil {
			n.mu.Unlock()
			return SnapshotResponse{}, err
		}
	}
	term := n.term
	if req.Term < term {
		n.mu.Unlock()
		return SnapshotResponse{Term: term, LastSeq: n.engine.LastSequence()}, nil
	}
	n.setState(StateFollower)
	n.leader = req.LeaderID
	n.resetElectionTimer()
	n.mu.Unlock()

	info, err := n.engine.InstallSnapshot(ctx, r)
	if kverrors.IsConflict(err) {
		return SnapshotResponse{Term: term, LastSeq: n.engine.LastSequence()}, nil
	}
	if err != nil {
		return SnapshotResponse{Term: term}, err
	}

	n.mu.Lock()
	if err := n.persist(n.term, n.votedFor, req.Term); err == nil {
		n.lastTerm = req.Term
	}
	if n.term == term {
		n.matchedSeq = info.Seq
	}
	n.mu.Unlock()
	n.log.Info("Installed snapshot from leader", "leader", req.LeaderID, "seq", info.Seq)
	return SnapshotResponse{Term: term, LastSeq: info.Seq, Installed: true}, nil
}

// replicate sends every peer the records after its nextIndex, or an empty
// heartbeat when it is caught up.
func (n *Node) replicate() {
	if err := n.broadcast(n.config.QuorumTimeout, n.replicateTo); err != nil {
		n.log.Debug("Replication round incomplete", "error", err)
	}
	n.mu.Lock()
	n.advanceCommit()
	n.mu.Unlock()
}

func (n *Node) replicateTo(ctx context.Context, peer string) error {
	n.mu.Lock()
	if n.State() != StateLeader {
		n.mu.Unlock()
		return nil
	}
	term := n.term
	prev := n.nextIndex[peer] - 1
	commit := n.commitSeq.Load()
	diverged := n.diverged[peer]
	n.mu.Unlock()

	if diverged {
		return n.sendSnapshot(ctx, peer, term)
	}
	entries, from, err := n.entriesFrom(prev)
	if errors.Is(err, kverrors.ErrSnapshotRequired) {
		return n.sendSnapshot(ctx, peer, term)
	}
	if err != nil {
		return err
	}

	resp, err := n.transport.AppendEntries(ctx, peer, AppendRequest{
		Term:     term,
		LeaderID: n.id,
		PrevSeq:  from,
		Entries:  entries,
		Commit:   commit,
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.term {
		if err := n.adoptTerm(resp.Term); err != nil {
			n.log.Error("Failed to persist term", "term", resp.Term, "error", err)
		}
		return nil
	}
	if n.State() != StateLeader || n.term != term {
		return nil
	}
	if resp.Diverged {
		n.log.Warn("Peer holds records that differ from the leader", "peer", peer, "match_seq", resp.MatchSeq)
		n.diverged[peer] = true
		n.matchIndex[peer] = min(n.matchIndex[peer], resp.MatchSeq)
		n.triggerReplicate()
		return nil
	}
	if !resp.Success {
		n.nextIndex[peer] = resp.LastSeq + 1
		return nil
	}
	if resp.MatchSeq > n.matchIndex[peer] {
		n.matchIndex[peer] = resp.MatchSeq
	}
	n.nextIndex[peer] = resp.MatchSeq + 1
	if resp.MatchSeq > prev {
		n.metrics.RecordsShipped.Add(resp.MatchSeq - prev)
	}
	return nil
}

// entriesFrom returns the records after prev, led by the record at prev
// itself when it is still retained so the peer can check it against its
// own copy. from is the sequence immediately before the first record.
func (n *Node) entriesFrom(prev uint64) (entries []storage.Entry, from uint64, err error) {
	if prev > 0 {
		entries, err = n.engine.RecordsSince(prev-1, n.config.BatchSize+1)
		if err == nil && len(entries) > 0 && entries[0].Seq == prev {
			return entries, prev - 1, nil
		}
	}
	entries, err = n.engine.RecordsSince(prev, n.config.BatchSize)
	return entries, prev, err
}

func (n *Node) sendSnapshot(ctx context.Context, peer string, term uint64) error {
	n.log.Info("Sending snapshot to peer", "peer", peer)
	var resp SnapshotResponse
	seq, err := transferSnapshot(ctx, n.engine, func(ctx context.Context, r io.Reader) (uint64, error) {
		var err error
		resp, err = n.transport.InstallSnapshot(ctx, peer, SnapshotRequest{Term: term, LeaderID: n.id}, r)
		return resp.LastSeq, err
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.term {
		return n.adoptTerm(resp.Term)
	}
	if !resp.Installed {
		n.log.Debug("Peer refused snapshot", "peer", peer, "peer_seq", resp.LastSeq)
		return nil
	}
	delete(n.diverged, peer)
	if n.State() == StateLeader && n.term == term {
		if seq > n.matchIndex[peer] {
			n.matchIndex[peer] = seq
		}
		n.nextIndex[peer] = seq + 1
	}
	return nil
}

// advanceCommit moves the commit sequence to the highest sequence held by
// a quorum. The caller holds n.mu.
func (n *Node) advanceCommit() {
	if n.State() != StateLeader {
		return
	}
	matches := make([]uint64, 0, len(n.peers)+1)
	matches = append(matches, n.engine.LastSequence())
	for _, peer := range n.peers {
		matches = append(matches, n.matchIndex[peer])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	if c := matches[n.Quorum()-1]; c > n.commitSeq.Load() {
		n.setCommit(c)
	}
}

func (n *Node) setCommit(seq uint64) {
	n.commitSeq.Store(seq)
	n.commitMu.Lock()
	close(n.commitCh)
	n.commitCh = make(chan struct{})
	n.commitMu.Unlock()
}

// acked counts the nodes holding seq, this one included.
func (n *Node) acked(seq uint64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	if n.engine.LastSequence() >= seq {
		count++
	}
	for _, peer := range n.peers {
		if n.matchIndex[peer] >= seq {
			count++
		}
	}
	return count
}

// Propose writes a record through the leader and waits until a quorum
// holds it. On QuorumTimeout the record stays written locally and may
// still commit later.
func (n *Node) Propose(ctx context.Context, key, value []byte, tombstone bool) (uint64, error) {
	n.mu.Lock()
	if n.State() != StateLeader {
		leader := n.leader
		n.mu.Unlock()
		return 0, kverrors.NotLeader(leader)
	}
	if n.lastTerm != n.term {
		if err := n.persist(n.term, n.votedFor, n.term); err != nil {
			n.mu.Unlock()
			return 0, err
		}
		n.lastTerm = n.term
	}
	n.mu.Unlock()

	seq, err := n.engine.Append(ctx, key, value, tombstone)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.advanceCommit()
	n.mu.Unlock()
	n.triggerReplicate()

	return seq, n.waitCommit(ctx, seq)
}

func (n *Node) waitCommit(ctx context.Context, seq uint64) error {
	timer := time.NewTimer(n.config.QuorumTimeout)
	defer timer.Stop()
	for {
		n.commitMu.Lock()
		ch := n.commitCh
		n.commitMu.Unlock()

		if n.commitSeq.Load() >= seq {
			return nil
		}
		select {
		case <-ch:
		case <-timer.C:
			acked, needed := n.acked(seq), n.Quorum()
			n.metrics.QuorumTimeouts.Add(1)
			n.log.Warn("Quorum not reached", "seq", seq, "acked", acked, "needed", needed)
			return kverrors.QuorumTimeout(seq, acked, needed)
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return kverrors.Closed()
		}
	}
}
