package consensus

import "github.com/pkg/errors"

var (
	// ErrInvalidProposer is returned when a non-primary (PBFT) or
	// non-leader (Raft) node calls Propose.
	ErrInvalidProposer = errors.New("consensus: node is not the current proposer")

	// ErrUnknownProposal is returned for votes or commits on an
	// unregistered proposal ID.
	ErrUnknownProposal = errors.New("consensus: unknown proposal")

	// ErrQuorumNotReached is returned when commit is attempted without
	// sufficient votes.
	ErrQuorumNotReached = errors.New("consensus: quorum not reached")

	// ErrByzantineConflict is returned when a voter submits contradictory
	// votes for one proposal. The offending node stays suspected.
	ErrByzantineConflict = errors.New("consensus: conflicting votes from same node")

	// ErrUnknownProtocol is returned when switching to an unregistered
	// protocol type.
	ErrUnknownProtocol = errors.New("consensus: unknown protocol")

	// ErrTimeout is returned when a proposal stays unresolved within its
	// budget.
	ErrTimeout = errors.New("consensus: proposal timed out")

	// ErrStopped is returned for operations on a stopped engine.
	ErrStopped = errors.New("consensus: engine stopped")
)
