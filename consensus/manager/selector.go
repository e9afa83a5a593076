package manager

import (
	"github.com/ahwlsqja/consensus-core/consensus"
)

// LatencyRequirement grades how latency-sensitive a workload is.
type LatencyRequirement string

const (
	LatencyLow    LatencyRequirement = "low"
	LatencyMedium LatencyRequirement = "medium"
	LatencyHigh   LatencyRequirement = "high"
)

// Criteria describes a workload for protocol selection.
type Criteria struct {
	// TransactionValue is the monetary or business weight of the operation.
	TransactionValue float64 `json:"transaction_value"`

	// IsHighStakes forces Byzantine tolerance regardless of value.
	IsHighStakes bool `json:"is_high_stakes"`

	// RequiresStrongConsistency rules out eventually consistent engines.
	RequiresStrongConsistency bool `json:"requires_strong_consistency"`

	// NodeCount is the expected cluster size.
	NodeCount int `json:"node_count"`

	// LatencyRequirement is the tolerance for consensus latency.
	LatencyRequirement LatencyRequirement `json:"latency_requirement"`
}

// Selection is a protocol recommendation with its rationale.
type Selection struct {
	Protocol   consensus.ProtocolType `json:"protocol"`
	Reason     string                 `json:"reason"`
	Confidence float64                `json:"confidence"`
}

// highValueThreshold is the transaction value above which Byzantine fault
// tolerance is always recommended.
const highValueThreshold = 1000

// largeClusterThreshold is the node count above which quorum-based
// protocols start paying a coordination penalty.
const largeClusterThreshold = 20

// SelectProtocol applies the selection rules in order and returns the
// first match. The rules are deterministic: the same criteria always yield
// the same selection.
func SelectProtocol(c Criteria) Selection {
	if c.IsHighStakes || c.TransactionValue > highValueThreshold {
		return Selection{
			Protocol:   consensus.TypePBFT,
			Reason:     "high-stakes workload requires Byzantine fault tolerance",
			Confidence: 0.9,
		}
	}

	if !c.RequiresStrongConsistency && (c.NodeCount > largeClusterThreshold || c.LatencyRequirement == LatencyHigh) {
		return Selection{
			Protocol:   consensus.TypeGossip,
			Reason:     "large or latency-tolerant cluster without strong consistency favors epidemic dissemination",
			Confidence: 0.8,
		}
	}

	if c.RequiresStrongConsistency && c.LatencyRequirement == LatencyLow {
		return Selection{
			Protocol:   consensus.TypeRaft,
			Reason:     "strong consistency with low latency favors leader-based replication",
			Confidence: 0.85,
		}
	}

	return Selection{
		Protocol:   consensus.TypeRaft,
		Reason:     "no specialized requirement; leader-based replication is the balanced default",
		Confidence: 0.6,
	}
}
