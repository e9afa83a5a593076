package gossip

import "time"

// Config holds the configuration for the Gossip engine.
type Config struct {
	// NodeID is the unique identifier for this node.
	NodeID string

	// Fanout is how many random peers each gossip round targets.
	Fanout int

	// GossipInterval is the period between push rounds.
	GossipInterval time.Duration

	// AntiEntropyInterval is the period between clock-comparison repairs.
	// It is also the unit of peer suspicion.
	AntiEntropyInterval time.Duration

	// DefaultTTL is the hop budget assigned to locally created updates.
	DefaultTTL int

	// ConvergenceExpiry is how long ack tracking for a locally originated
	// key is retained before eviction.
	ConvergenceExpiry time.Duration
}

// DefaultConfig returns the default Gossip configuration.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:              nodeID,
		Fanout:              3,
		GossipInterval:      200 * time.Millisecond,
		AntiEntropyInterval: time.Second,
		DefaultTTL:          8,
		ConvergenceExpiry:   time.Minute,
	}
}
