package manager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/consensus-core/consensus"
)

func TestSelectProtocol(t *testing.T) {
	tests := []struct {
		name     string
		criteria Criteria
		want     consensus.ProtocolType
	}{
		{
			"high stakes forces pbft",
			Criteria{IsHighStakes: true, NodeCount: 5, LatencyRequirement: LatencyLow},
			consensus.TypePBFT,
		},
		{
			"high transaction value forces pbft",
			Criteria{TransactionValue: 1500, NodeCount: 5},
			consensus.TypePBFT,
		},
		{
			"value at the threshold does not force pbft",
			Criteria{TransactionValue: 1000, NodeCount: 5},
			consensus.TypeRaft,
		},
		{
			"high stakes beats large eventually-consistent cluster",
			Criteria{IsHighStakes: true, NodeCount: 50, LatencyRequirement: LatencyHigh},
			consensus.TypePBFT,
		},
		{
			"large cluster without strong consistency favors gossip",
			Criteria{NodeCount: 25, LatencyRequirement: LatencyLow},
			consensus.TypeGossip,
		},
		{
			"latency tolerant workload favors gossip",
			Criteria{NodeCount: 5, LatencyRequirement: LatencyHigh},
			consensus.TypeGossip,
		},
		{
			"strong consistency rules out gossip at scale",
			Criteria{RequiresStrongConsistency: true, NodeCount: 25, LatencyRequirement: LatencyLow},
			consensus.TypeRaft,
		},
		{
			"strong consistency with low latency favors raft",
			Criteria{RequiresStrongConsistency: true, NodeCount: 5, LatencyRequirement: LatencyLow},
			consensus.TypeRaft,
		},
		{
			"default is raft",
			Criteria{NodeCount: 5, LatencyRequirement: LatencyMedium},
			consensus.TypeRaft,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := SelectProtocol(tt.criteria)
			require.Equal(t, tt.want, sel.Protocol)
			require.NotEmpty(t, sel.Reason)
			require.Greater(t, sel.Confidence, 0.0)
		})
	}
}

func TestHighStakesSelectionConfidence(t *testing.T) {
	sel := SelectProtocol(Criteria{
		TransactionValue:          50000,
		IsHighStakes:              true,
		RequiresStrongConsistency: true,
		NodeCount:                 7,
		LatencyRequirement:        LatencyMedium,
	})
	require.Equal(t, consensus.TypePBFT, sel.Protocol)
	require.Greater(t, sel.Confidence, 0.8)
}

func TestSelectionIsDeterministic(t *testing.T) {
	c := Criteria{NodeCount: 25, LatencyRequirement: LatencyHigh}
	first := SelectProtocol(c)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, SelectProtocol(c))
	}
}
