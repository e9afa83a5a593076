package pbft

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/consensus-core/consensus"
	"github.com/ahwlsqja/consensus-core/types"
)

// recordingTransport captures broadcast messages and exposes pre-prepares
// on a channel so tests can react to them.
type recordingTransport struct {
	mu         sync.Mutex
	msgs       []*Message
	prePrepare chan *PrePrepareMsg
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{prePrepare: make(chan *PrePrepareMsg, 8)}
}

func (t *recordingTransport) Broadcast(msg *Message) error {
	t.mu.Lock()
	t.msgs = append(t.msgs, msg)
	t.mu.Unlock()

	if msg.Type == MsgPrePrepare {
		var pp PrePrepareMsg
		if err := json.Unmarshal(msg.Payload, &pp); err == nil {
			t.prePrepare <- &pp
		}
	}
	return nil
}

func (t *recordingTransport) Send(nodeID string, msg *Message) error { return nil }

func (t *recordingTransport) sent(msgType MessageType) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func clusterRegistry(ids ...string) *types.Registry {
	nodes := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, &types.Node{ID: id, Weight: 1, Active: true})
	}
	return types.NewRegistry(nodes)
}

func testConfig(nodeID string) *Config {
	cfg := DefaultConfig(nodeID)
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.ViewChangeTimeout = time.Hour
	return cfg
}

func TestProposeReachesQuorum(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	transport := newRecordingTransport()
	engine := NewEngine(testConfig("node-0"), registry, transport, nil, nil, nil)

	require.True(t, engine.IsPrimary())
	require.Equal(t, 3, registry.ByzantineQuorum())

	resultCh := make(chan *types.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := engine.Propose(context.Background(), []byte(`{"op":"transfer"}`))
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	var pp *PrePrepareMsg
	select {
	case pp = <-transport.prePrepare:
	case <-time.After(time.Second):
		t.Fatal("no pre-prepare broadcast")
	}

	// Two approvals plus the primary's own reach quorum despite one
	// rejection.
	require.NoError(t, engine.ReceiveVote(&types.Vote{ProposalID: pp.Proposal.ID, VoterID: "node-1", Approve: true}))
	require.NoError(t, engine.ReceiveVote(&types.Vote{ProposalID: pp.Proposal.ID, VoterID: "node-2", Approve: false}))
	require.NoError(t, engine.ReceiveVote(&types.Vote{ProposalID: pp.Proposal.ID, VoterID: "node-3", Approve: true}))

	select {
	case result := <-resultCh:
		require.True(t, result.Accepted)
		require.True(t, result.QuorumReached)
		require.Len(t, result.Votes, 4)
	case err := <-errCh:
		t.Fatalf("propose failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("propose did not resolve after quorum")
	}

	commitResult, err := engine.Commit(pp.Proposal.ID)
	require.NoError(t, err)
	require.True(t, commitResult.Accepted)
	require.Equal(t, consensus.Committed, engine.GetState())
}

func TestProposeRejectsNonPrimary(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	engine := NewEngine(testConfig("node-1"), registry, nil, nil, nil, nil)

	_, err := engine.Propose(context.Background(), []byte("x"))
	require.ErrorIs(t, err, consensus.ErrInvalidProposer)
}

func TestProposeTimesOutWithoutQuorum(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	engine := NewEngine(testConfig("node-0"), registry, nil, nil, nil, nil)

	result, err := engine.Propose(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.False(t, result.Accepted)
	require.False(t, result.QuorumReached)
	require.Equal(t, consensus.Failed, engine.GetState())
}

func TestCommitWithoutQuorum(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	transport := newRecordingTransport()
	engine := NewEngine(testConfig("node-1"), registry, transport, nil, nil, nil)

	value := []byte(`{"op":"set"}`)
	pp := &PrePrepareMsg{
		View: 0,
		Proposal: &types.Proposal{
			ID:         "node-0-1",
			Value:      value,
			ProposerID: "node-0",
			Timestamp:  time.Now(),
			Sequence:   1,
		},
		Digest:    types.Digest(value, "node-0", 1),
		PrimaryID: "node-0",
	}
	require.NoError(t, engine.ReceivePrePrepare(pp))

	_, err := engine.Commit("node-0-1")
	require.ErrorIs(t, err, consensus.ErrQuorumNotReached)
}

func TestReceivePrePrepareVerifiesSender(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	engine := NewEngine(testConfig("node-1"), registry, nil, nil, nil, nil)

	value := []byte("x")
	pp := &PrePrepareMsg{
		View: 0,
		Proposal: &types.Proposal{
			ID:         "node-2-1",
			Value:      value,
			ProposerID: "node-2",
			Sequence:   1,
		},
		Digest:    types.Digest(value, "node-2", 1),
		PrimaryID: "node-2",
	}
	err := engine.ReceivePrePrepare(pp)
	require.ErrorIs(t, err, consensus.ErrInvalidProposer)
}

func TestReceivePrePrepareVerifiesDigest(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	engine := NewEngine(testConfig("node-1"), registry, nil, nil, nil, nil)

	pp := &PrePrepareMsg{
		View: 0,
		Proposal: &types.Proposal{
			ID:         "node-0-1",
			Value:      []byte("actual"),
			ProposerID: "node-0",
			Sequence:   1,
		},
		Digest:    types.Digest([]byte("tampered"), "node-0", 1),
		PrimaryID: "node-0",
	}
	require.Error(t, engine.ReceivePrePrepare(pp))
}

func TestEquivocationMarksVoterSuspected(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	transport := newRecordingTransport()
	engine := NewEngine(testConfig("node-1"), registry, transport, nil, nil, nil)

	value := []byte(`{"op":"set"}`)
	pp := &PrePrepareMsg{
		View: 0,
		Proposal: &types.Proposal{
			ID:         "node-0-1",
			Value:      value,
			ProposerID: "node-0",
			Timestamp:  time.Now(),
			Sequence:   1,
		},
		Digest:    types.Digest(value, "node-0", 1),
		PrimaryID: "node-0",
	}
	require.NoError(t, engine.ReceivePrePrepare(pp))

	require.NoError(t, engine.ReceiveVote(&types.Vote{ProposalID: "node-0-1", VoterID: "node-2", Approve: true}))

	err := engine.ReceiveVote(&types.Vote{ProposalID: "node-0-1", VoterID: "node-2", Approve: false})
	require.ErrorIs(t, err, consensus.ErrByzantineConflict)
	require.True(t, engine.IsSuspectedByzantine("node-2"))
	require.False(t, engine.IsSuspectedByzantine("node-3"))

	// The conflicting vote must not corrupt the tally.
	ok, err := engine.HasQuorum("node-0-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVoteUnknownProposal(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	engine := NewEngine(testConfig("node-0"), registry, nil, nil, nil, nil)

	err := engine.Vote("missing", true)
	require.ErrorIs(t, err, consensus.ErrUnknownProposal)

	err = engine.ReceiveVote(&types.Vote{ProposalID: "missing", VoterID: "node-1", Approve: true})
	require.ErrorIs(t, err, consensus.ErrUnknownProposal)
}

func TestRemovePrimaryRequiresViewChange(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	engine := NewEngine(testConfig("node-1"), registry, nil, nil, nil, nil)

	err := engine.RemoveNode("node-0")
	require.ErrorIs(t, err, ErrPrimaryRemoval)
	require.Equal(t, 4, registry.Size())

	require.NoError(t, engine.RemoveNode("node-2"))
	require.Equal(t, 3, registry.Size())
}

func TestViewChangeQuorumInstallsNewView(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	transport := newRecordingTransport()
	engine := NewEngine(testConfig("node-0"), registry, transport, nil, nil, nil)

	engine.InitiateViewChange()
	require.Equal(t, uint64(0), engine.CurrentView(), "one request is not quorum")
	require.Equal(t, 1, transport.sent(MsgViewChange))

	for _, peer := range []string{"node-1", "node-2"} {
		payload, err := json.Marshal(&ViewChangeMsg{NewView: 1, NodeID: peer})
		require.NoError(t, err)
		msg := NewMessage(MsgViewChange, 1, 0, nil, peer)
		msg.Payload = payload
		require.NoError(t, engine.HandleMessage(msg))
	}

	require.Equal(t, uint64(1), engine.CurrentView())
	require.Equal(t, "node-1", engine.PrimaryID())
	require.False(t, engine.IsPrimary())
}

func TestViewChangeAbandonsInFlightProposals(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	transport := newRecordingTransport()
	engine := NewEngine(testConfig("node-1"), registry, transport, nil, nil, nil)

	value := []byte("pending")
	pp := &PrePrepareMsg{
		View: 0,
		Proposal: &types.Proposal{
			ID:         "node-0-1",
			Value:      value,
			ProposerID: "node-0",
			Timestamp:  time.Now(),
			Sequence:   1,
		},
		Digest:    types.Digest(value, "node-0", 1),
		PrimaryID: "node-0",
	}
	require.NoError(t, engine.ReceivePrePrepare(pp))

	engine.InitiateViewChange()
	for _, peer := range []string{"node-2", "node-3"} {
		payload, _ := json.Marshal(&ViewChangeMsg{NewView: 1, NodeID: peer})
		msg := NewMessage(MsgViewChange, 1, 0, nil, peer)
		msg.Payload = payload
		require.NoError(t, engine.HandleMessage(msg))
	}

	require.Equal(t, uint64(1), engine.CurrentView())
	ps := engine.getProposal("node-0-1")
	require.NotNil(t, ps)
	require.Equal(t, PhaseViewChange, ps.Phase())
}

func TestSingleNodeViewChangeInstallsImmediately(t *testing.T) {
	registry := clusterRegistry("node-0")
	engine := NewEngine(testConfig("node-0"), registry, nil, nil, nil, nil)

	engine.InitiateViewChange()
	require.Equal(t, uint64(1), engine.CurrentView())
	require.Equal(t, "node-0", engine.PrimaryID())
}

func TestStaleViewChangeIgnored(t *testing.T) {
	vcm := NewViewChangeManager("node-0", 3)
	vcm.InstallView(5)

	require.False(t, vcm.HandleViewChange(&ViewChangeMsg{NewView: 3, NodeID: "node-1"}))
	require.Equal(t, uint64(5), vcm.GetCurrentView())

	vcm.InstallView(2)
	require.Equal(t, uint64(5), vcm.GetCurrentView(), "views only increase")
}

func TestStopCancelsWatchdog(t *testing.T) {
	defer leaktest.Check(t)()

	registry := clusterRegistry("node-0", "node-1", "node-2", "node-3")
	cfg := DefaultConfig("node-0")
	cfg.ViewChangeTimeout = 20 * time.Millisecond
	engine := NewEngine(cfg, registry, nil, nil, nil, nil)

	require.NoError(t, engine.Start())
	engine.Stop()

	view := engine.CurrentView()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, view, engine.CurrentView(), "no view change after stop")
}
