// Package pbft implements the Practical Byzantine Fault Tolerance consensus
// algorithm: three-phase agreement across n nodes tolerating f Byzantine
// faults, f = (n-1)/3, quorum = 2f+1.
package pbft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/pkg/errors"

	"github.com/ahwlsqja/consensus-core/consensus"
	"github.com/ahwlsqja/consensus-core/metrics"
	"github.com/ahwlsqja/consensus-core/types"
)

// ErrPrimaryRemoval is returned when removing the current primary without
// first completing a view change.
var ErrPrimaryRemoval = errors.New("pbft: cannot remove current primary before view change")

// Engine is the PBFT consensus engine for one node's local view.
type Engine struct {
	mu sync.RWMutex

	config *Config

	// Current view number. Only ever increases.
	view uint64

	// Sequence counter for proposals created by this node as primary.
	sequence uint64

	// Engine-wide coarse state.
	state consensus.State

	// Membership view.
	registry *types.Registry

	// Per-proposal tracking (proposalID -> state).
	proposals map[string]*ProposalState

	// Nodes caught equivocating. Never cleared.
	suspected map[string]bool

	viewChange *ViewChangeManager
	vcTimer    *ViewChangeTimer

	transport Transport
	bus       *consensus.Bus
	metrics   *metrics.Metrics
	logger    log.Logger

	stopped bool
}

// NewEngine creates a PBFT engine. Transport, bus, and metrics may be nil.
func NewEngine(config *Config, registry *types.Registry, transport Transport, bus *consensus.Bus, logger log.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &Engine{
		config:    config,
		registry:  registry,
		proposals: make(map[string]*ProposalState),
		suspected: make(map[string]bool),
		transport: transport,
		bus:       bus,
		metrics:   m,
		logger:    logger.With("module", "pbft", "node", config.NodeID),
	}
	e.viewChange = NewViewChangeManager(config.NodeID, registry.ByzantineQuorum())
	e.viewChange.SetBroadcastFunc(e.broadcast)
	e.viewChange.SetOnViewChangeComplete(e.applyNewView)
	e.vcTimer = NewViewChangeTimer(config.ViewChangeTimeout, e.onPrimaryTimeout)
	return e
}

// Start begins the primary-liveness watchdog.
func (e *Engine) Start() error {
	e.logger.Info("starting engine", "view", e.CurrentView())
	e.vcTimer.Start()
	return nil
}

// Stop cancels all timers. No callback fires afterward.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.vcTimer.Stop()
	e.logger.Info("stopped engine")
}

// NodeID returns the local node ID.
func (e *Engine) NodeID() string {
	return e.config.NodeID
}

// GetState returns the engine-wide consensus state.
func (e *Engine) GetState() consensus.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// CurrentView returns the current view number.
func (e *Engine) CurrentView() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view
}

// IsPrimary reports whether this node is the primary for the current view.
func (e *Engine) IsPrimary() bool {
	primary := e.registry.PrimaryForView(e.CurrentView())
	return primary != nil && primary.ID == e.config.NodeID
}

// PrimaryID returns the ID of the primary for the current view.
func (e *Engine) PrimaryID() string {
	primary := e.registry.PrimaryForView(e.CurrentView())
	if primary == nil {
		return ""
	}
	return primary.ID
}

// IsSuspectedByzantine reports whether the node was caught equivocating.
func (e *Engine) IsSuspectedByzantine(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.suspected[id]
}

// AddNode registers a cluster participant.
func (e *Engine) AddNode(node *types.Node) error {
	e.registry.Add(node)
	e.viewChange.SetQuorumSize(e.registry.ByzantineQuorum())
	return nil
}

// RemoveNode unregisters a participant. The current primary cannot be
// removed without first completing a view change.
func (e *Engine) RemoveNode(id string) error {
	if id == e.PrimaryID() {
		return errors.Wrapf(ErrPrimaryRemoval, "node %s is primary for view %d", id, e.CurrentView())
	}
	e.registry.Remove(id)
	e.viewChange.SetQuorumSize(e.registry.ByzantineQuorum())
	return nil
}

// Nodes returns a snapshot of the membership view.
func (e *Engine) Nodes() []*types.Node {
	return e.registry.List()
}

// Propose creates a proposal as primary, broadcasts the pre-prepare, and
// waits for quorum or the request timeout, whichever first.
func (e *Engine) Propose(ctx context.Context, value []byte) (*types.Result, error) {
	start := time.Now()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, consensus.ErrStopped
	}
	primary := e.registry.PrimaryForView(e.view)
	if primary == nil || primary.ID != e.config.NodeID {
		view := e.view
		e.mu.Unlock()
		return nil, errors.Wrapf(consensus.ErrInvalidProposer, "node %s is not primary for view %d", e.config.NodeID, view)
	}
	e.evictExpiredLocked(start)
	e.sequence++
	seq := e.sequence
	view := e.view

	proposal := &types.Proposal{
		ID:         fmt.Sprintf("%s-%d", e.config.NodeID, seq),
		Value:      value,
		ProposerID: e.config.NodeID,
		Timestamp:  start,
		Expiry:     start.Add(e.config.ProposalExpiry),
		Sequence:   seq,
	}
	digest := types.Digest(value, e.config.NodeID, seq)
	ps := NewProposalState(proposal, digest, view)
	e.proposals[proposal.ID] = ps
	e.setStateLocked(consensus.Proposing)
	e.mu.Unlock()

	payload, _ := json.Marshal(&PrePrepareMsg{
		View:      view,
		Proposal:  proposal,
		Digest:    digest,
		PrimaryID: e.config.NodeID,
	})
	msg := NewMessage(MsgPrePrepare, view, seq, digest, e.config.NodeID)
	msg.Payload = payload
	e.broadcast(msg)

	e.logger.Info("broadcast pre-prepare", "proposal", proposal.ID, "seq", seq, "view", view)

	// The primary's own approval counts toward quorum.
	if err := e.recordVote(ps, &types.Vote{
		ProposalID: proposal.ID,
		VoterID:    e.config.NodeID,
		Approve:    true,
		Timestamp:  start,
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(e.config.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ps.QuorumReached():
		e.setState(consensus.Committing)
		return e.resultFor(ps, true, start), nil
	case <-timer.C:
		e.setState(consensus.Failed)
		e.observeRound(time.Since(start), false)
		e.logger.Info("proposal timed out", "proposal", proposal.ID)
		return e.resultFor(ps, false, start), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceivePrePrepare handles the primary's announcement: verifies the sender
// and digest, registers the proposal in PREPARE phase, and broadcasts this
// node's vote.
func (e *Engine) ReceivePrePrepare(msg *PrePrepareMsg) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return consensus.ErrStopped
	}
	if msg.View != e.view {
		view := e.view
		e.mu.Unlock()
		return errors.Errorf("pbft: pre-prepare view mismatch: got %d, expected %d", msg.View, view)
	}
	primary := e.registry.PrimaryForView(msg.View)
	if primary == nil || primary.ID != msg.PrimaryID {
		e.mu.Unlock()
		return errors.Wrapf(consensus.ErrInvalidProposer, "pre-prepare from non-primary %s", msg.PrimaryID)
	}

	p := msg.Proposal
	want := types.Digest(p.Value, p.ProposerID, p.Sequence)
	if !bytes.Equal(want, msg.Digest) {
		e.mu.Unlock()
		return errors.Errorf("pbft: pre-prepare digest mismatch for proposal %s", p.ID)
	}

	if _, exists := e.proposals[p.ID]; !exists {
		e.proposals[p.ID] = NewProposalState(p, msg.Digest, msg.View)
	}
	ps := e.proposals[p.ID]
	ps.SetPhase(PhasePrepare)
	e.setStateLocked(consensus.Voting)
	e.mu.Unlock()

	e.logger.Debug("received pre-prepare", "proposal", p.ID, "seq", p.Sequence)

	e.vcTimer.Start()

	return e.Vote(p.ID, true)
}

// Vote records this node's decision and broadcasts it to peers.
func (e *Engine) Vote(proposalID string, approve bool) error {
	ps := e.getProposal(proposalID)
	if ps == nil {
		return errors.Wrap(consensus.ErrUnknownProposal, proposalID)
	}

	vote := &types.Vote{
		ProposalID: proposalID,
		VoterID:    e.config.NodeID,
		Approve:    approve,
		Timestamp:  time.Now(),
	}
	if err := e.recordVote(ps, vote); err != nil {
		return err
	}

	payload, _ := json.Marshal(&VoteMsg{View: ps.View, Vote: *vote})
	msg := NewMessage(MsgVote, ps.View, ps.Proposal.Sequence, ps.Digest, e.config.NodeID)
	msg.Payload = payload
	e.broadcast(msg)
	return nil
}

// ReceiveVote records a peer's vote. A contradictory second vote from the
// same voter is equivocation: the voter is permanently suspected and
// ErrByzantineConflict is returned.
func (e *Engine) ReceiveVote(vote *types.Vote) error {
	ps := e.getProposal(vote.ProposalID)
	if ps == nil {
		return errors.Wrap(consensus.ErrUnknownProposal, vote.ProposalID)
	}
	return e.recordVote(ps, vote)
}

func (e *Engine) recordVote(ps *ProposalState, vote *types.Vote) error {
	if conflict := ps.AddVote(vote); conflict {
		e.mu.Lock()
		e.suspected[vote.VoterID] = true
		e.mu.Unlock()
		e.logger.Error("conflicting votes detected", "proposal", vote.ProposalID, "voter", vote.VoterID)
		return errors.Wrapf(consensus.ErrByzantineConflict, "voter %s on proposal %s", vote.VoterID, vote.ProposalID)
	}

	// Reaching quorum during PREPARE advances the phase to COMMIT.
	if ps.HasQuorum(e.registry.ByzantineQuorum()) && ps.Phase() <= PhasePrepare {
		ps.SetPhase(PhaseCommit)
		e.logger.Debug("quorum reached", "proposal", vote.ProposalID, "approvals", ps.ApprovalCount())
	}
	if ps.HasQuorum(e.registry.ByzantineQuorum()) {
		ps.SignalQuorum()
	}
	return nil
}

// HasQuorum reports whether the proposal collected at least 2f+1 approvals,
// the proposer's own included.
func (e *Engine) HasQuorum(proposalID string) (bool, error) {
	ps := e.getProposal(proposalID)
	if ps == nil {
		return false, errors.Wrap(consensus.ErrUnknownProposal, proposalID)
	}
	return ps.HasQuorum(e.registry.ByzantineQuorum()), nil
}

// Commit finalizes a proposal that reached quorum: the proposal enters
// REPLY and the engine reports COMMITTED.
func (e *Engine) Commit(proposalID string) (*types.Result, error) {
	ps := e.getProposal(proposalID)
	if ps == nil {
		return nil, errors.Wrap(consensus.ErrUnknownProposal, proposalID)
	}
	quorum := e.registry.ByzantineQuorum()
	if !ps.HasQuorum(quorum) {
		return nil, errors.Wrapf(consensus.ErrQuorumNotReached, "proposal %s has %d of %d approvals", proposalID, ps.ApprovalCount(), quorum)
	}

	ps.SetPhase(PhaseReply)
	e.setState(consensus.Committed)

	payload, _ := json.Marshal(&CommitMsg{
		View:       ps.View,
		ProposalID: proposalID,
		Digest:     ps.Digest,
		NodeID:     e.config.NodeID,
	})
	msg := NewMessage(MsgCommit, ps.View, ps.Proposal.Sequence, ps.Digest, e.config.NodeID)
	msg.Payload = payload
	e.broadcast(msg)

	elapsed := time.Since(ps.Proposal.Timestamp)
	e.observeRound(elapsed, true)
	if e.bus != nil {
		e.bus.Publish(consensus.Event{
			Type:       consensus.EventConsensusAchieved,
			Protocol:   consensus.TypePBFT,
			NodeID:     e.config.NodeID,
			ProposalID: proposalID,
			View:       ps.View,
		})
	}

	e.logger.Info("committed proposal", "proposal", proposalID, "approvals", ps.ApprovalCount(), "elapsed", elapsed)

	return &types.Result{
		ProposalID:    proposalID,
		Accepted:      true,
		Value:         ps.Proposal.Value,
		Votes:         ps.Votes(),
		Timestamp:     time.Now(),
		Elapsed:       elapsed,
		QuorumReached: true,
	}, nil
}

// InitiateViewChange starts a view change to view+1 and abandons in-flight
// proposals once the new view is installed.
func (e *Engine) InitiateViewChange() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	newView := e.view + 1
	lastSeq := e.sequence
	var prepared []string
	for id, ps := range e.proposals {
		if ps.Phase() >= PhaseCommit && !ps.Terminal() {
			prepared = append(prepared, id)
		}
	}
	e.mu.Unlock()

	e.logger.Info("initiating view change", "new_view", newView)
	if e.metrics != nil {
		e.metrics.IncViewChanges()
	}

	e.viewChange.StartViewChange(newView, lastSeq, prepared)

	// A cluster small enough that this node alone is a quorum installs the
	// new view immediately.
	if e.registry.ByzantineQuorum() <= 1 {
		e.viewChange.InstallView(newView)
		e.applyNewView(newView)
	}
}

// applyNewView installs a completed view change: the view advances, the
// primary is recomputed as nodes[view mod n], and in-flight proposals from
// the old view are abandoned.
func (e *Engine) applyNewView(newView uint64) {
	e.mu.Lock()
	if newView <= e.view {
		e.mu.Unlock()
		return
	}
	e.view = newView
	for _, ps := range e.proposals {
		if !ps.Terminal() {
			ps.Abandon()
		}
	}
	e.setStateLocked(consensus.Idle)
	e.mu.Unlock()

	e.vcTimer.Start()

	if e.metrics != nil {
		e.metrics.SetCurrentView(newView)
	}
	if e.bus != nil {
		e.bus.Publish(consensus.Event{
			Type:     consensus.EventViewChanged,
			Protocol: consensus.TypePBFT,
			NodeID:   e.config.NodeID,
			View:     newView,
			Details:  map[string]string{"primary": e.PrimaryID()},
		})
	}
	e.logger.Info("installed new view", "view", newView, "primary", e.PrimaryID())
}

// onPrimaryTimeout fires when the primary stays silent past the view change
// timeout.
func (e *Engine) onPrimaryTimeout() {
	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return
	}
	e.logger.Info("primary timeout", "primary", e.PrimaryID())
	e.InitiateViewChange()
	e.vcTimer.Start()
}

// HandleMessage dispatches a peer-originated message to the matching
// inbound handler. The external transport calls this.
func (e *Engine) HandleMessage(msg *Message) error {
	if e.metrics != nil {
		e.metrics.IncMessagesReceived(string(consensus.TypePBFT), msg.Type.String())
	}

	switch msg.Type {
	case MsgPrePrepare:
		var pp PrePrepareMsg
		if err := json.Unmarshal(msg.Payload, &pp); err != nil {
			return errors.Wrap(err, "pbft: decode pre-prepare")
		}
		return e.ReceivePrePrepare(&pp)
	case MsgVote:
		var vm VoteMsg
		if err := json.Unmarshal(msg.Payload, &vm); err != nil {
			return errors.Wrap(err, "pbft: decode vote")
		}
		return e.ReceiveVote(&vm.Vote)
	case MsgCommit:
		var cm CommitMsg
		if err := json.Unmarshal(msg.Payload, &cm); err != nil {
			return errors.Wrap(err, "pbft: decode commit")
		}
		if ps := e.getProposal(cm.ProposalID); ps != nil {
			ps.SetPhase(PhaseReply)
		}
		return nil
	case MsgViewChange:
		var vc ViewChangeMsg
		if err := json.Unmarshal(msg.Payload, &vc); err != nil {
			return errors.Wrap(err, "pbft: decode view change")
		}
		if e.viewChange.HandleViewChange(&vc) {
			e.installAgreedView(vc.NewView)
		}
		return nil
	case MsgNewView:
		var nv NewViewMsg
		if err := json.Unmarshal(msg.Payload, &nv); err != nil {
			return errors.Wrap(err, "pbft: decode new view")
		}
		e.viewChange.HandleNewView(&nv)
		return nil
	default:
		return errors.Errorf("pbft: unknown message type %d", msg.Type)
	}
}

// installAgreedView is called once 2f+1 nodes requested the same new view.
// The new primary announces it; everyone installs it.
func (e *Engine) installAgreedView(newView uint64) {
	newPrimary := e.registry.PrimaryForView(newView)
	if newPrimary != nil && newPrimary.ID == e.config.NodeID {
		if nv := e.viewChange.CreateNewViewMsg(newView); nv != nil {
			payload, _ := json.Marshal(nv)
			msg := NewMessage(MsgNewView, newView, 0, nil, e.config.NodeID)
			msg.Payload = payload
			e.broadcast(msg)
		}
	}
	e.viewChange.InstallView(newView)
	e.applyNewView(newView)
}

func (e *Engine) getProposal(id string) *ProposalState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proposals[id]
}

// evictExpiredLocked drops terminal proposals past their expiry so the
// proposal table stays bounded. Caller holds e.mu.
func (e *Engine) evictExpiredLocked(now time.Time) {
	for id, ps := range e.proposals {
		if ps.Terminal() && ps.Proposal.Expired(now) {
			delete(e.proposals, id)
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
			Protocol: consensus.TypePBFT,
			NodeID:   e.config.NodeID,
			View:     e.view,
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
		e.metrics.ObserveConsensus(string(consensus.TypePBFT), elapsed, accepted)
	}
}

func (e *Engine) resultFor(ps *ProposalState, accepted bool, start time.Time) *types.Result {
	return &types.Result{
		ProposalID:    ps.Proposal.ID,
		Accepted:      accepted,
		Value:         ps.Proposal.Value,
		Votes:         ps.Votes(),
		Timestamp:     time.Now(),
		Elapsed:       time.Since(start),
		QuorumReached: ps.HasQuorum(e.registry.ByzantineQuorum()),
	}
}

func (e *Engine) broadcast(msg *Message) {
	if e.transport != nil {
		if err := e.transport.Broadcast(msg); err != nil {
			e.logger.Error("broadcast failed", "type", msg.Type.String(), "err", err)
		}
	}
	if e.metrics != nil {
		e.metrics.IncMessagesSent(string(consensus.TypePBFT), msg.Type.String())
	}
}
