package pbft

import "time"

// Config holds the configuration for the PBFT engine.
type Config struct {
	// NodeID is the unique identifier for this node.
	NodeID string

	// RequestTimeout bounds how long a propose call waits for quorum.
	RequestTimeout time.Duration

	// ViewChangeTimeout is the primary-liveness watchdog interval.
	ViewChangeTimeout time.Duration

	// ProposalExpiry is how long a terminal proposal is retained before
	// eviction.
	ProposalExpiry time.Duration
}

// DefaultConfig returns the default PBFT configuration.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:            nodeID,
		RequestTimeout:    10 * time.Second,
		ViewChangeTimeout: 10 * time.Second,
		ProposalExpiry:    time.Minute,
	}
}
