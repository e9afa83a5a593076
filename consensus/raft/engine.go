// Package raft implements crash-fault-tolerant single-leader log
// replication with randomized leader election.
package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/pkg/errors"

	"github.com/ahwlsqja/consensus-core/consensus"
	"github.com/ahwlsqja/consensus-core/metrics"
	"github.com/ahwlsqja/consensus-core/types"
)

// Role is the Raft role of a node.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns the string representation of Role.
func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

type pendingProposal struct {
	proposal  *types.Proposal
	committed chan struct{}
}

type proposalRecord struct {
	index uint64
	at    time.Time
}

// Engine is the Raft consensus engine for one node's local state.
type Engine struct {
	mu sync.Mutex

	config   *Config
	registry *types.Registry

	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string

	raftLog     *Log
	commitIndex uint64
	lastApplied uint64

	// Leader-only replication cursors per peer.
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	// Votes gathered in the current candidacy.
	votes map[string]bool

	// Proposals awaiting majority replication (log index -> waiter).
	pending map[uint64]*pendingProposal

	// Proposal ID -> log index, for Vote/Commit lookups. Evicted by age.
	records map[string]proposalRecord

	state consensus.State

	electionTimer *time.Timer
	heartbeatStop chan struct{}

	// Called for each newly committed entry, in log order. Must not call
	// back into the engine.
	applyFunc func(*LogEntry)

	transport Transport
	bus       *consensus.Bus
	metrics   *metrics.Metrics
	logger    log.Logger

	rng *rand.Rand

	stopped bool
}

// NewEngine creates a Raft engine. Transport, bus, and metrics may be nil.
func NewEngine(config *Config, registry *types.Registry, transport Transport, bus *consensus.Bus, logger log.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{
		config:     config,
		registry:   registry,
		role:       Follower,
		raftLog:    NewLog(),
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		votes:      make(map[string]bool),
		pending:    make(map[uint64]*pendingProposal),
		records:    make(map[string]proposalRecord),
		transport:  transport,
		bus:        bus,
		metrics:    m,
		logger:     logger.With("module", "raft", "node", config.NodeID),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetApplyFunc registers the callback invoked for each committed entry.
func (e *Engine) SetApplyFunc(f func(*LogEntry)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyFunc = f
}

// Start arms the election timer.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return consensus.ErrStopped
	}
	e.resetElectionTimerLocked()
	e.logger.Info("starting engine", "role", e.role.String())
	return nil
}

// Stop cancels all timers. No callback fires afterward.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.electionTimer != nil {
		e.electionTimer.Stop()
	}
	e.stopHeartbeatLocked()
	e.mu.Unlock()

	e.logger.Info("stopped engine")
}

// NodeID returns the local node ID.
func (e *Engine) NodeID() string {
	return e.config.NodeID
}

// GetState returns the engine-wide consensus state.
func (e *Engine) GetState() consensus.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetRole returns the current Raft role.
func (e *Engine) GetRole() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// CurrentTerm returns the current term.
func (e *Engine) CurrentTerm() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTerm
}

// LeaderID returns the known leader's ID, or empty.
func (e *Engine) LeaderID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

// CommitIndex returns the highest committed log index.
func (e *Engine) CommitIndex() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitIndex
}

// Log returns the underlying replicated log.
func (e *Engine) Log() *Log {
	return e.raftLog
}

// AddNode registers a cluster participant.
func (e *Engine) AddNode(node *types.Node) error {
	e.registry.Add(node)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role == Leader {
		e.nextIndex[node.ID] = e.raftLog.LastIndex() + 1
		e.matchIndex[node.ID] = 0
	}
	return nil
}

// RemoveNode unregisters a participant.
func (e *Engine) RemoveNode(id string) error {
	e.registry.Remove(id)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.nextIndex, id)
	delete(e.matchIndex, id)
	delete(e.votes, id)
	return nil
}

// Nodes returns a snapshot of the membership view.
func (e *Engine) Nodes() []*types.Node {
	return e.registry.List()
}

// Propose appends a value to the log as leader and waits for majority
// replication or the bounded commit wait. A proposal unresolved after the
// wait resolves as rejected even though the entry may later commit; the
// caller is not notified of a late commit.
func (e *Engine) Propose(ctx context.Context, value []byte) (*types.Result, error) {
	start := time.Now()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, consensus.ErrStopped
	}
	if e.role != Leader {
		leader := e.leaderID
		e.mu.Unlock()
		return nil, errors.Wrapf(consensus.ErrInvalidProposer, "node %s is not leader (leader: %q)", e.config.NodeID, leader)
	}
	e.evictRecordsLocked(start)

	index := e.raftLog.AppendCommand(e.currentTerm, value)
	proposal := &types.Proposal{
		ID:         fmt.Sprintf("%s-%d", e.config.NodeID, index),
		Value:      value,
		ProposerID: e.config.NodeID,
		Timestamp:  start,
		Sequence:   index,
	}
	pp := &pendingProposal{proposal: proposal, committed: make(chan struct{})}
	e.pending[index] = pp
	e.records[proposal.ID] = proposalRecord{index: index, at: start}
	e.setStateLocked(consensus.Proposing)

	single := e.registry.Size() <= 1
	if single {
		// A single-node cluster is its own majority.
		e.advanceCommitLocked()
	}
	e.mu.Unlock()

	if !single {
		e.broadcastAppendEntries()
	}

	timer := time.NewTimer(e.config.CommitWait)
	defer timer.Stop()

	select {
	case <-pp.committed:
		e.setState(consensus.Committed)
		e.observeRound(time.Since(start), true)
		return &types.Result{
			ProposalID:    proposal.ID,
			Accepted:      true,
			Value:         value,
			Timestamp:     time.Now(),
			Elapsed:       time.Since(start),
			QuorumReached: true,
		}, nil
	case <-timer.C:
		e.setState(consensus.Failed)
		e.observeRound(time.Since(start), false)
		e.logger.Info("proposal not replicated within wait", "proposal", proposal.ID, "index", index)
		return &types.Result{
			ProposalID: proposal.ID,
			Accepted:   false,
			Value:      value,
			Timestamp:  time.Now(),
			Elapsed:    time.Since(start),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Vote exists to satisfy the protocol contract: Raft proposals are decided
// by replication, not by explicit votes, so a vote on a known proposal is a
// no-op.
func (e *Engine) Vote(proposalID string, approve bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.records[proposalID]; !exists {
		return errors.Wrap(consensus.ErrUnknownProposal, proposalID)
	}
	return nil
}

// Commit reports the final state of a proposal: accepted once its index is
// at or below the commit index, ErrQuorumNotReached otherwise.
func (e *Engine) Commit(proposalID string) (*types.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, exists := e.records[proposalID]
	if !exists {
		return nil, errors.Wrap(consensus.ErrUnknownProposal, proposalID)
	}
	if rec.index > e.commitIndex {
		return nil, errors.Wrapf(consensus.ErrQuorumNotReached, "proposal %s at index %d, commit index %d", proposalID, rec.index, e.commitIndex)
	}
	entry := e.raftLog.Entry(rec.index)
	return &types.Result{
		ProposalID:    proposalID,
		Accepted:      true,
		Value:         entry.Command,
		Timestamp:     time.Now(),
		Elapsed:       time.Since(rec.at),
		QuorumReached: true,
	}, nil
}

// StartElection transitions to candidate, votes for itself, and requests
// votes from all peers.
func (e *Engine) StartElection() {
	e.mu.Lock()
	if e.stopped || e.role == Leader {
		e.mu.Unlock()
		return
	}
	e.startElectionLocked()
	e.mu.Unlock()
}

func (e *Engine) startElectionLocked() {
	e.role = Candidate
	e.currentTerm++
	e.votedFor = e.config.NodeID
	e.leaderID = ""
	e.votes = map[string]bool{e.config.NodeID: true}
	e.setStateLocked(consensus.Voting)
	e.resetElectionTimerLocked()

	term := e.currentTerm
	lastIndex := e.raftLog.LastIndex()
	lastTerm := e.raftLog.LastTerm()

	e.logger.Info("starting election", "term", term)
	if e.metrics != nil {
		e.metrics.IncElections()
		e.metrics.SetCurrentTerm(term)
	}
	if e.bus != nil {
		e.bus.Publish(consensus.Event{
			Type:     consensus.EventElectionStarted,
			Protocol: consensus.TypeRaft,
			NodeID:   e.config.NodeID,
			Term:     term,
		})
	}

	if len(e.votes) >= e.registry.MajorityQuorum() {
		e.becomeLeaderLocked()
		return
	}

	peers := e.registry.List()
	go func() {
		for _, peer := range peers {
			if peer.ID == e.config.NodeID {
				continue
			}
			e.sendRequestVote(peer.ID, &RequestVoteRequest{
				Term:         term,
				CandidateID:  e.config.NodeID,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			})
		}
	}()
}

// HandleRequestVote processes a candidate's vote request. The vote is
// granted iff the request term is current, this node has not voted for
// another candidate this term, and the candidate's log is at least as
// up-to-date.
func (e *Engine) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	e.mu.Lock()

	if req.Term > e.currentTerm {
		e.stepDownLocked(req.Term)
	}

	granted := false
	if req.Term == e.currentTerm &&
		(e.votedFor == "" || e.votedFor == req.CandidateID) &&
		e.raftLog.UpToDate(req.LastLogTerm, req.LastLogIndex) {
		granted = true
		e.votedFor = req.CandidateID
		e.resetElectionTimerLocked()
	}
	resp := &RequestVoteResponse{
		Term:        e.currentTerm,
		VoterID:     e.config.NodeID,
		VoteGranted: granted,
	}
	e.mu.Unlock()

	e.logger.Debug("handled vote request", "candidate", req.CandidateID, "term", req.Term, "granted", granted)

	if e.transport != nil {
		if err := e.transport.SendRequestVoteResponse(req.CandidateID, resp); err != nil {
			e.logger.Error("send vote response failed", "to", req.CandidateID, "err", err)
		}
	}
	return resp
}

// ReceiveVoteResponse tallies a vote; a majority makes this node leader.
func (e *Engine) ReceiveVoteResponse(resp *RequestVoteResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if resp.Term > e.currentTerm {
		e.stepDownLocked(resp.Term)
		return
	}
	if e.role != Candidate || resp.Term != e.currentTerm || !resp.VoteGranted {
		return
	}
	e.votes[resp.VoterID] = true
	if len(e.votes) >= e.registry.MajorityQuorum() {
		e.becomeLeaderLocked()
	}
}

func (e *Engine) becomeLeaderLocked() {
	e.role = Leader
	e.leaderID = e.config.NodeID
	e.setStateLocked(consensus.Idle)

	last := e.raftLog.LastIndex()
	for _, peer := range e.registry.List() {
		if peer.ID == e.config.NodeID {
			continue
		}
		e.nextIndex[peer.ID] = last + 1
		e.matchIndex[peer.ID] = 0
	}

	if e.electionTimer != nil {
		e.electionTimer.Stop()
	}
	e.stopHeartbeatLocked()
	stop := make(chan struct{})
	e.heartbeatStop = stop
	go e.heartbeatLoop(stop)

	if e.bus != nil {
		e.bus.Publish(consensus.Event{
			Type:     consensus.EventLeaderElected,
			Protocol: consensus.TypeRaft,
			NodeID:   e.config.NodeID,
			Term:     e.currentTerm,
		})
	}
	e.logger.Info("became leader", "term", e.currentTerm, "votes", len(e.votes))
}

func (e *Engine) heartbeatLoop(stop chan struct{}) {
	// Announce leadership immediately, then on every interval.
	e.broadcastAppendEntries()

	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.broadcastAppendEntries()
		}
	}
}

func (e *Engine) stopHeartbeatLocked() {
	if e.heartbeatStop != nil {
		close(e.heartbeatStop)
		e.heartbeatStop = nil
	}
}

// broadcastAppendEntries sends each peer the entries from its nextIndex.
// Empty batches act as heartbeats.
func (e *Engine) broadcastAppendEntries() {
	e.mu.Lock()
	if e.stopped || e.role != Leader {
		e.mu.Unlock()
		return
	}
	type outbound struct {
		to  string
		req *AppendEntriesRequest
	}
	var outs []outbound
	for _, peer := range e.registry.List() {
		if peer.ID == e.config.NodeID {
			continue
		}
		outs = append(outs, outbound{to: peer.ID, req: e.buildAppendEntriesLocked(peer.ID)})
	}
	e.mu.Unlock()

	for _, out := range outs {
		e.sendAppendEntries(out.to, out.req)
	}
}

func (e *Engine) buildAppendEntriesLocked(peerID string) *AppendEntriesRequest {
	next := e.nextIndex[peerID]
	if next < 1 {
		next = 1
	}
	return &AppendEntriesRequest{
		Term:         e.currentTerm,
		LeaderID:     e.config.NodeID,
		PrevLogIndex: next - 1,
		PrevLogTerm:  e.raftLog.Term(next - 1),
		Entries:      e.raftLog.EntriesFrom(next),
		LeaderCommit: e.commitIndex,
	}
}

// HandleAppendEntries processes a leader's replication request: rejects
// stale terms, otherwise follows the leader, validates log continuity,
// truncates conflicts, appends, and advances the commit index.
func (e *Engine) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	e.mu.Lock()

	if req.Term < e.currentTerm {
		resp := &AppendEntriesResponse{Term: e.currentTerm, NodeID: e.config.NodeID, Success: false}
		e.mu.Unlock()
		e.sendAppendEntriesResponse(req.LeaderID, resp)
		return resp
	}

	if req.Term > e.currentTerm || e.role != Follower {
		e.stepDownLocked(req.Term)
	} else {
		e.resetElectionTimerLocked()
	}
	e.leaderID = req.LeaderID
	e.registry.MarkSeen(req.LeaderID, time.Now())

	if req.PrevLogIndex > 0 &&
		(!e.raftLog.Contains(req.PrevLogIndex) || e.raftLog.Term(req.PrevLogIndex) != req.PrevLogTerm) {
		resp := &AppendEntriesResponse{
			Term:       e.currentTerm,
			NodeID:     e.config.NodeID,
			Success:    false,
			MatchIndex: e.raftLog.LastIndex(),
		}
		e.mu.Unlock()
		e.logger.Debug("append entries continuity check failed", "prev_index", req.PrevLogIndex, "prev_term", req.PrevLogTerm)
		e.sendAppendEntriesResponse(req.LeaderID, resp)
		return resp
	}

	if len(req.Entries) > 0 {
		e.raftLog.Append(req.Entries...)
	}
	if req.LeaderCommit > e.commitIndex {
		e.commitIndex = min(req.LeaderCommit, e.raftLog.LastIndex())
		e.applyCommittedLocked()
	}
	resp := &AppendEntriesResponse{
		Term:       e.currentTerm,
		NodeID:     e.config.NodeID,
		Success:    true,
		MatchIndex: req.PrevLogIndex + uint64(len(req.Entries)),
	}
	e.mu.Unlock()

	e.sendAppendEntriesResponse(req.LeaderID, resp)
	return resp
}

// ReceiveAppendEntriesResponse updates replication cursors; a failed
// continuity check backs nextIndex off by one and retries immediately.
func (e *Engine) ReceiveAppendEntriesResponse(resp *AppendEntriesResponse) {
	e.mu.Lock()

	if resp.Term > e.currentTerm {
		e.stepDownLocked(resp.Term)
		e.mu.Unlock()
		return
	}
	if e.role != Leader || resp.Term != e.currentTerm {
		e.mu.Unlock()
		return
	}

	if resp.Success {
		if resp.MatchIndex > e.matchIndex[resp.NodeID] {
			e.matchIndex[resp.NodeID] = resp.MatchIndex
		}
		e.nextIndex[resp.NodeID] = e.matchIndex[resp.NodeID] + 1
		e.registry.MarkSeen(resp.NodeID, time.Now())
		e.advanceCommitLocked()
		e.mu.Unlock()
		return
	}

	if e.nextIndex[resp.NodeID] > 1 {
		e.nextIndex[resp.NodeID]--
	}
	req := e.buildAppendEntriesLocked(resp.NodeID)
	e.mu.Unlock()

	e.sendAppendEntries(resp.NodeID, req)
}

// advanceCommitLocked moves the commit index to the highest N replicated on
// a majority whose entry term is the current term, then applies and
// resolves pending proposals. The commit index never decreases.
func (e *Engine) advanceCommitLocked() {
	majority := e.registry.MajorityQuorum()
	for n := e.commitIndex + 1; n <= e.raftLog.LastIndex(); n++ {
		if e.raftLog.Term(n) != e.currentTerm {
			continue
		}
		count := 1 // self
		for _, peer := range e.registry.List() {
			if peer.ID == e.config.NodeID {
				continue
			}
			if e.matchIndex[peer.ID] >= n {
				count++
			}
		}
		if count >= majority {
			e.commitIndex = n
		}
	}
	e.applyCommittedLocked()
	e.resolvePendingLocked()
}

func (e *Engine) applyCommittedLocked() {
	for e.lastApplied < e.commitIndex {
		e.lastApplied++
		if e.applyFunc != nil {
			e.applyFunc(e.raftLog.Entry(e.lastApplied))
		}
	}
}

func (e *Engine) resolvePendingLocked() {
	for index, pp := range e.pending {
		if index > e.commitIndex {
			continue
		}
		close(pp.committed)
		delete(e.pending, index)
		if e.bus != nil {
			e.bus.Publish(consensus.Event{
				Type:       consensus.EventConsensusAchieved,
				Protocol:   consensus.TypeRaft,
				NodeID:     e.config.NodeID,
				ProposalID: pp.proposal.ID,
				Term:       e.currentTerm,
			})
		}
	}
}

// stepDownLocked reverts to follower in the given term. Proposals pending
// from a lost leadership are dropped without resolution; their proposers
// time out.
func (e *Engine) stepDownLocked(term uint64) {
	if term > e.currentTerm {
		e.currentTerm = term
		e.votedFor = ""
		if e.metrics != nil {
			e.metrics.SetCurrentTerm(term)
		}
	}
	if e.role == Leader {
		for index := range e.pending {
			delete(e.pending, index)
		}
	}
	e.role = Follower
	e.setStateLocked(consensus.Idle)
	e.stopHeartbeatLocked()
	e.resetElectionTimerLocked()
}

func (e *Engine) onElectionTimeout() {
	e.mu.Lock()
	if e.stopped || e.role == Leader {
		e.mu.Unlock()
		return
	}
	e.logger.Debug("election timeout", "term", e.currentTerm)
	e.startElectionLocked()
	e.mu.Unlock()
}

func (e *Engine) resetElectionTimerLocked() {
	span := int64(e.config.ElectionTimeoutMax - e.config.ElectionTimeoutMin)
	d := e.config.ElectionTimeoutMin
	if span > 0 {
		d += time.Duration(e.rng.Int63n(span + 1))
	}
	if e.electionTimer != nil {
		e.electionTimer.Stop()
	}
	e.electionTimer = time.AfterFunc(d, e.onElectionTimeout)
}

// evictRecordsLocked drops proposal records past retention so the lookup
// table stays bounded.
func (e *Engine) evictRecordsLocked(now time.Time) {
	for id, rec := range e.records {
		if now.Sub(rec.at) > e.config.ProposalExpiry {
			delete(e.records, id)
		}
	}
}

// setStateLocked transitions the engine-wide state and announces the
// change. Caller holds e.mu.
func (e *Engine) setStateLocked(s consensus.State) {
	if e.state == s {
		return
	}
	prev := e.state
	e.state = s
	if e.bus != nil {
		e.bus.Publish(consensus.Event{
			Type:     consensus.EventStateChanged,
			Protocol: consensus.TypeRaft,
			NodeID:   e.config.NodeID,
			Term:     e.currentTerm,
			Details:  map[string]string{"from": prev.String(), "to": s.String()},
		})
	}
}

func (e *Engine) setState(s consensus.State) {
	e.mu.Lock()
	e.setStateLocked(s)
	e.mu.Unlock()
}

func (e *Engine) observeRound(elapsed time.Duration, accepted bool) {
	if e.metrics != nil {
		e.metrics.ObserveConsensus(string(consensus.TypeRaft), elapsed, accepted)
	}
}

func (e *Engine) sendRequestVote(to string, req *RequestVoteRequest) {
	if e.transport == nil {
		return
	}
	if err := e.transport.SendRequestVote(to, req); err != nil {
		e.logger.Error("send request vote failed", "to", to, "err", err)
	}
	if e.metrics != nil {
		e.metrics.IncMessagesSent(string(consensus.TypeRaft), "REQUEST-VOTE")
	}
}

func (e *Engine) sendAppendEntries(to string, req *AppendEntriesRequest) {
	if e.transport == nil {
		return
	}
	if err := e.transport.SendAppendEntries(to, req); err != nil {
		e.logger.Error("send append entries failed", "to", to, "err", err)
	}
	if e.metrics != nil {
		e.metrics.IncMessagesSent(string(consensus.TypeRaft), "APPEND-ENTRIES")
	}
}

func (e *Engine) sendAppendEntriesResponse(to string, resp *AppendEntriesResponse) {
	if e.transport == nil {
		return
	}
	if err := e.transport.SendAppendEntriesResponse(to, resp); err != nil {
		e.logger.Error("send append entries response failed", "to", to, "err", err)
	}
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
