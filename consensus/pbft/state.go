package pbft

import (
	"sync"

	"github.com/ahwlsqja/consensus-core/types"
)

// Phase represents the phase of a single proposal in the three-phase
// protocol.
type Phase int

const (
	// PhasePrePrepare - the primary announced the proposal.
	PhasePrePrepare Phase = iota
	// PhasePrepare - replicas are voting.
	PhasePrepare
	// PhaseCommit - quorum reached, awaiting finalization.
	PhaseCommit
	// PhaseReply - finalized.
	PhaseReply
	// PhaseViewChange - abandoned by a view change.
	PhaseViewChange
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "PRE-PREPARE"
	case PhasePrepare:
		return "PREPARE"
	case PhaseCommit:
		return "COMMIT"
	case PhaseReply:
		return "REPLY"
	case PhaseViewChange:
		return "VIEW-CHANGE"
	default:
		return "UNKNOWN"
	}
}

// ProposalState tracks one proposal's phase and vote tally. Votes are
// append-only per voter: a contradictory second vote is equivocation, not an
// update.
type ProposalState struct {
	mu sync.RWMutex

	// The proposal under agreement.
	Proposal *types.Proposal

	// Deterministic content digest of the proposal.
	Digest []byte

	// View the proposal was created in.
	View uint64

	phase Phase

	// One vote per voter ID.
	votes map[string]*types.Vote

	// Closed once the approval count reaches quorum.
	quorumCh chan struct{}
	signaled bool
}

// NewProposalState creates tracking state for a proposal.
func NewProposalState(proposal *types.Proposal, digest []byte, view uint64) *ProposalState {
	return &ProposalState{
		Proposal: proposal,
		Digest:   digest,
		View:     view,
		phase:    PhasePrePrepare,
		votes:    make(map[string]*types.Vote),
		quorumCh: make(chan struct{}),
	}
}

// AddVote records a vote. It returns conflict=true when the voter already
// voted with a different decision; the vote is not recorded in that case.
func (ps *ProposalState) AddVote(vote *types.Vote) (conflict bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if prev, exists := ps.votes[vote.VoterID]; exists {
		return prev.Approve != vote.Approve
	}
	ps.votes[vote.VoterID] = vote
	return false
}

// ApprovalCount returns the number of approving votes.
func (ps *ProposalState) ApprovalCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	count := 0
	for _, v := range ps.votes {
		if v.Approve {
			count++
		}
	}
	return count
}

// VoteCount returns the total number of recorded votes.
func (ps *ProposalState) VoteCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.votes)
}

// Votes returns a snapshot of the recorded votes.
func (ps *ProposalState) Votes() []types.Vote {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	votes := make([]types.Vote, 0, len(ps.votes))
	for _, v := range ps.votes {
		votes = append(votes, *v)
	}
	return votes
}

// HasQuorum reports whether the approval count reached the given quorum.
func (ps *ProposalState) HasQuorum(quorum int) bool {
	return ps.ApprovalCount() >= quorum
}

// Phase returns the current proposal phase.
func (ps *ProposalState) Phase() Phase {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.phase
}

// SetPhase moves the proposal forward. Phases never move backward.
func (ps *ProposalState) SetPhase(phase Phase) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if phase > ps.phase {
		ps.phase = phase
	}
}

// Abandon marks the proposal as dropped by a view change.
func (ps *ProposalState) Abandon() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.phase = PhaseViewChange
}

// SignalQuorum closes the quorum channel exactly once.
func (ps *ProposalState) SignalQuorum() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.signaled {
		ps.signaled = true
		close(ps.quorumCh)
	}
}

// QuorumReached returns a channel closed when quorum is reached.
func (ps *ProposalState) QuorumReached() <-chan struct{} {
	return ps.quorumCh
}

// Terminal reports whether the proposal reached a final phase.
func (ps *ProposalState) Terminal() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.phase == PhaseReply || ps.phase == PhaseViewChange
}
