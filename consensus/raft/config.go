package raft

import "time"

// Config holds the configuration for the Raft engine.
type Config struct {
	// NodeID is the unique identifier for this node.
	NodeID string

	// HeartbeatInterval is how often the leader sends empty AppendEntries.
	HeartbeatInterval time.Duration

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized
	// election timeout. Randomization avoids split votes.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// CommitWait bounds how long a propose call waits for its entry to be
	// replicated on a majority. An entry may still commit after the wait;
	// the original caller is not notified.
	CommitWait time.Duration

	// ProposalExpiry is how long a proposal's lookup record is retained
	// before eviction.
	ProposalExpiry time.Duration
}

// DefaultConfig returns the default Raft configuration.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:             nodeID,
		HeartbeatInterval:  50 * time.Millisecond,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		CommitWait:         100 * time.Millisecond,
		ProposalExpiry:     time.Minute,
	}
}
