// Package consensus defines the contract shared by all consensus engines and
// the events they emit.
package consensus

import (
	"context"

	"github.com/ahwlsqja/consensus-core/types"
)

// ProtocolType identifies a consensus algorithm.
type ProtocolType string

const (
	TypePBFT   ProtocolType = "pbft"
	TypeRaft   ProtocolType = "raft"
	TypeGossip ProtocolType = "gossip"
)

// State is the coarse engine-wide state reported by GetState.
type State int

const (
	Idle State = iota
	Proposing
	Voting
	Committing
	Committed
	Failed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Proposing:
		return "PROPOSING"
	case Voting:
		return "VOTING"
	case Committing:
		return "COMMITTING"
	case Committed:
		return "COMMITTED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Protocol is the interface every consensus engine implements. The manager
// treats engines polymorphically through it.
type Protocol interface {
	// Propose submits a value for agreement. Structural misuse (e.g. a
	// non-primary caller) returns an error; a round that genuinely fails
	// to reach agreement returns a Result with Accepted=false.
	Propose(ctx context.Context, value []byte) (*types.Result, error)

	// Vote records this node's decision on a known proposal.
	Vote(proposalID string, approve bool) error

	// Commit finalizes a proposal that has reached quorum.
	Commit(proposalID string) (*types.Result, error)

	// GetState returns the engine-wide consensus state.
	GetState() State

	// NodeID returns the ID of the local node.
	NodeID() string

	// AddNode registers a cluster participant.
	AddNode(node *types.Node) error

	// RemoveNode unregisters a participant by ID.
	RemoveNode(id string) error

	// Nodes returns a snapshot of the membership view.
	Nodes() []*types.Node

	// Start begins timer-driven behavior. Stop cancels all timers; no
	// callback fires after Stop returns.
	Start() error
	Stop()
}
