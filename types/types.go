// Package types defines core data structures shared by all consensus engines.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Node represents a cluster participant. Membership data is supplied by an
// external control plane; this core never performs discovery.
type Node struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	PublicKey []byte    `json:"public_key,omitempty"`
	Weight    int64     `json:"weight,omitempty"`
	Active    bool      `json:"active"`
	LastSeen  time.Time `json:"last_seen"`
}

// Proposal is a value submitted for agreement. The sequence number carries
// protocol-specific meaning (PBFT sequence, Raft log index, Gossip version).
type Proposal struct {
	ID         string    `json:"id"`
	Value      []byte    `json:"value"`
	ProposerID string    `json:"proposer_id"`
	Timestamp  time.Time `json:"timestamp"`
	Expiry     time.Time `json:"expiry"`
	Sequence   uint64    `json:"sequence"`
}

// Expired reports whether the proposal is past its expiry at the given time.
func (p *Proposal) Expired(now time.Time) bool {
	return !p.Expiry.IsZero() && now.After(p.Expiry)
}

// Vote records one node's decision on a proposal. Votes are append-only per
// (ProposalID, VoterID); a second vote with a different decision is a
// conflict, not an update. The signature is pass-through data only.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	VoterID    string    `json:"voter_id"`
	Approve    bool      `json:"approve"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  []byte    `json:"signature,omitempty"`
}

// Result is the immutable outcome of a single propose call.
type Result struct {
	ProposalID    string        `json:"proposal_id"`
	Accepted      bool          `json:"accepted"`
	Value         []byte        `json:"value"`
	Votes         []Vote        `json:"votes,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Elapsed       time.Duration `json:"elapsed"`
	QuorumReached bool          `json:"quorum_reached"`
}

// Digest computes the deterministic content digest of a proposal. The same
// value, proposer, and sequence always produce the same digest. Used for
// tamper detection, not signing.
func Digest(value []byte, proposerID string, sequence uint64) []byte {
	data := make([]byte, 0, len(value)+len(proposerID)+8)
	data = append(data, value...)
	data = append(data, []byte(proposerID)...)
	for i := 0; i < 8; i++ {
		data = append(data, byte(sequence>>(8*uint(i))))
	}
	hash := sha256.Sum256(data)
	return hash[:]
}

// DigestString returns the hex-encoded digest.
func DigestString(value []byte, proposerID string, sequence uint64) string {
	return hex.EncodeToString(Digest(value, proposerID, sequence))
}
