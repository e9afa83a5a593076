package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/consensus-core/consensus"
	"github.com/ahwlsqja/consensus-core/types"
)

type recordingTransport struct {
	mu   sync.Mutex
	msgs []*Message
	acks []*Ack
}

func (t *recordingTransport) SendGossip(to string, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *recordingTransport) SendAck(to string, ack *Ack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acks = append(t.acks, ack)
	return nil
}

func (t *recordingTransport) sentUpdates() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.msgs {
		n += len(m.Updates)
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
	cfg.GossipInterval = time.Hour
	cfg.AntiEntropyInterval = time.Hour
	return cfg
}

func TestProposeResolvesImmediately(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2")
	engine := NewEngine(testConfig("node-0"), registry, nil, nil, nil, nil)

	result, err := engine.Propose(context.Background(), []byte("v"))
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.Equal(t, "node-0-1", result.ProposalID)
	require.Equal(t, []byte("v"), engine.GetValue(result.ProposalID))
	require.Equal(t, consensus.Committed, engine.GetState())

	commitResult, err := engine.Commit(result.ProposalID)
	require.NoError(t, err)
	require.True(t, commitResult.Accepted)

	require.NoError(t, engine.Vote(result.ProposalID, false))
	require.ErrorIs(t, engine.Vote("missing", true), consensus.ErrUnknownProposal)
	_, err = engine.Commit("missing")
	require.ErrorIs(t, err, consensus.ErrUnknownProposal)
}

func TestHandleUpdateLastWriteWins(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1")
	engine := NewEngine(testConfig("node-0"), registry, nil, nil, nil, nil)

	base := time.Now()
	require.True(t, engine.HandleUpdate(&Update{
		Key: "k", Value: []byte("current"), Version: 2, Timestamp: base, Origin: "node-1", TTL: 3,
	}))

	// A remote update older than the stored one is rejected; the local
	// value survives.
	require.False(t, engine.HandleUpdate(&Update{
		Key: "k", Value: []byte("stale"), Version: 1, Timestamp: base.Add(-time.Second), Origin: "node-2", TTL: 3,
	}))
	require.Equal(t, []byte("current"), engine.GetValue("k"))

	require.True(t, engine.HandleUpdate(&Update{
		Key: "k", Value: []byte("newest"), Version: 1, Timestamp: base.Add(time.Second), Origin: "node-2", TTL: 3,
	}))
	require.Equal(t, []byte("newest"), engine.GetValue("k"))

	// The clock absorbed both origins.
	clock := engine.Clock()
	require.Equal(t, uint64(2), clock["node-1"])
	require.Equal(t, uint64(1), clock["node-2"])
}

func TestGossipRoundSpendsTTL(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1")
	transport := &recordingTransport{}
	cfg := testConfig("node-0")
	cfg.DefaultTTL = 1
	engine := NewEngine(cfg, registry, transport, nil, nil, nil)

	_, err := engine.ProposeKeyed("k", []byte("v"))
	require.NoError(t, err)

	engine.GossipRound()
	require.Equal(t, 1, transport.sentUpdates())

	// TTL exhausted: the update is never propagated again.
	engine.GossipRound()
	require.Equal(t, 1, transport.sentUpdates())
}

func TestSelectTargetsRespectsFanout(t *testing.T) {
	registry := clusterRegistry(
		"node-0", "node-1", "node-2", "node-3", "node-4",
		"node-5", "node-6", "node-7", "node-8", "node-9",
	)
	engine := NewEngine(testConfig("node-0"), registry, nil, nil, nil, nil)

	targets := engine.SelectTargets()
	require.Len(t, targets, 3)
	for _, target := range targets {
		require.NotEqual(t, "node-0", target.ID)
	}
}

func TestPushAppliesAndAcksOrigin(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2")
	transport := &recordingTransport{}
	engine := NewEngine(testConfig("node-0"), registry, transport, nil, nil, nil)

	reply := engine.HandleMessage(&Message{
		Type: MsgPush,
		From: "node-1",
		Updates: []*Update{
			{Key: "k", Value: []byte("v"), Version: 1, Timestamp: time.Now(), Origin: "node-2", TTL: 2},
		},
		Clock: VectorClock{"node-1": 4, "node-2": 1},
	})
	require.Nil(t, reply)
	require.Equal(t, []byte("v"), engine.GetValue("k"))

	// Receipt is acknowledged to the update's origin.
	require.Len(t, transport.acks, 1)
	require.Equal(t, "node-2", transport.acks[0].Origin)
	require.Equal(t, "node-0", transport.acks[0].From)

	// The clock advances only for the applied update, not for counters the
	// envelope claims but the message did not carry.
	clock := engine.Clock()
	require.Equal(t, uint64(1), clock["node-2"])
	require.NotContains(t, clock, "node-1")
}

func TestPullReturnsMissedUpdates(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1")
	transport := &recordingTransport{}
	engine := NewEngine(testConfig("node-0"), registry, transport, nil, nil, nil)

	_, err := engine.ProposeKeyed("k1", []byte("v1"))
	require.NoError(t, err)
	_, err = engine.ProposeKeyed("k2", []byte("v2"))
	require.NoError(t, err)

	reply := engine.HandleMessage(&Message{Type: MsgPull, From: "node-1", Clock: VectorClock{}})
	require.NotNil(t, reply)
	require.Equal(t, MsgPush, reply.Type)
	require.Len(t, reply.Updates, 2)

	// A peer that has seen everything gets nothing back.
	reply = engine.HandleMessage(&Message{Type: MsgPull, From: "node-1", Clock: engine.Clock()})
	require.NotNil(t, reply)
	require.Empty(t, reply.Updates)
}

func TestConvergenceTracking(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2")
	bus := consensus.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := bus.Subscribe(ctx)

	engine := NewEngine(testConfig("node-0"), registry, nil, bus, nil, nil)

	result, err := engine.Propose(context.Background(), []byte("v"))
	require.NoError(t, err)
	key := result.ProposalID

	status := engine.ConvergenceStatus(key)
	require.Equal(t, 2, status.Expected)
	require.False(t, status.Converged)
	require.Zero(t, status.Percent)

	engine.HandleAck(&Ack{From: "node-1", Key: key, Origin: "node-0", Version: 1})
	status = engine.ConvergenceStatus(key)
	require.InDelta(t, 50, status.Percent, 0.01)
	require.False(t, status.Converged)

	// Duplicate acks are idempotent.
	engine.HandleAck(&Ack{From: "node-1", Key: key, Origin: "node-0", Version: 1})
	require.InDelta(t, 50, engine.ConvergenceStatus(key).Percent, 0.01)

	engine.HandleAck(&Ack{From: "node-2", Key: key, Origin: "node-0", Version: 1})
	status = engine.ConvergenceStatus(key)
	require.True(t, status.Converged)
	require.InDelta(t, 100, status.Percent, 0.01)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != consensus.EventConsensusAchieved {
				continue
			}
			require.Equal(t, key, ev.ProposalID)
			return
		case <-deadline:
			t.Fatal("no convergence event published")
		}
	}
}

func TestPeerSuspicionFromSilence(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1")
	cfg := testConfig("node-0")
	cfg.AntiEntropyInterval = 10 * time.Millisecond
	engine := NewEngine(cfg, registry, nil, nil, nil, nil)

	// A peer never heard from is not suspected.
	require.True(t, engine.IsPeerAlive("node-1"))

	engine.HandleMessage(&Message{Type: MsgPush, From: "node-1"})
	require.True(t, engine.IsPeerAlive("node-1"))
	require.Equal(t, PeerAlive, engine.GetPeerState("node-1"))

	time.Sleep(35 * time.Millisecond)
	require.False(t, engine.IsPeerAlive("node-1"))
	require.Equal(t, PeerSuspect, engine.GetPeerState("node-1"))
	require.GreaterOrEqual(t, engine.SuspicionLevel("node-1"), 1)

	// Contact clears the suspicion.
	engine.HandleMessage(&Message{Type: MsgPush, From: "node-1"})
	require.True(t, engine.IsPeerAlive("node-1"))
}

func TestStartStopLeakFree(t *testing.T) {
	defer leaktest.Check(t)()

	registry := clusterRegistry("node-0", "node-1")
	cfg := DefaultConfig("node-0")
	cfg.GossipInterval = 5 * time.Millisecond
	cfg.AntiEntropyInterval = 7 * time.Millisecond
	engine := NewEngine(cfg, registry, &recordingTransport{}, nil, nil, nil)

	require.NoError(t, engine.Start())
	time.Sleep(20 * time.Millisecond)
	engine.Stop()

	// Stop is idempotent.
	engine.Stop()

	_, err := engine.Propose(context.Background(), []byte("v"))
	require.ErrorIs(t, err, consensus.ErrStopped)
}

func TestPullRequestDoesNotAdvanceClock(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2")
	transport := &recordingTransport{}
	engine := NewEngine(testConfig("node-0"), registry, transport, nil, nil, nil)

	// A bare pull carries the sender's clock but no updates. Absorbing that
	// clock would make this node claim updates it never received.
	reply := engine.HandleMessage(&Message{
		Type:  MsgPull,
		From:  "node-1",
		Clock: VectorClock{"node-1": 3},
	})
	require.NotNil(t, reply)
	require.Empty(t, engine.Clock())

	// node-2 still holds a TTL-exhausted update node-0 missed; node-0's own
	// anti-entropy pull must retrieve it.
	peer := NewEngine(testConfig("node-2"), registry, &recordingTransport{}, nil, nil, nil)
	require.True(t, peer.HandleUpdate(&Update{
		Key: "k", Value: []byte("v"), Version: 3, Timestamp: time.Now(), Origin: "node-1", TTL: 0,
	}))

	repair := peer.HandleMessage(&Message{Type: MsgPull, From: "node-0", Clock: engine.Clock()})
	require.NotNil(t, repair)
	require.Len(t, repair.Updates, 1)

	engine.HandleMessage(repair)
	require.Equal(t, []byte("v"), engine.GetValue("k"))
}

func TestConvergenceTrackingEvictedByAge(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2")
	cfg := testConfig("node-0")
	cfg.ConvergenceExpiry = 10 * time.Millisecond
	engine := NewEngine(cfg, registry, nil, nil, nil, nil)

	_, err := engine.ProposeKeyed("k1", []byte("v1"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// The next proposal sweeps tracking past retention.
	_, err = engine.ProposeKeyed("k2", []byte("v2"))
	require.NoError(t, err)

	engine.HandleAck(&Ack{From: "node-1", Key: "k1", Origin: "node-0", Version: 1})
	require.Empty(t, engine.ConvergenceStatus("k1").AckedPeers)

	engine.HandleAck(&Ack{From: "node-1", Key: "k2", Origin: "node-0", Version: 2})
	require.Len(t, engine.ConvergenceStatus("k2").AckedPeers, 1)
}

func TestProposePublishesStateChange(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1")
	bus := consensus.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := bus.Subscribe(ctx)

	engine := NewEngine(testConfig("node-0"), registry, nil, bus, nil, nil)
	_, err := engine.Propose(context.Background(), []byte("v"))
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, consensus.EventStateChanged, ev.Type)
		require.Equal(t, consensus.Committed.String(), ev.Details["to"])
	case <-time.After(time.Second):
		t.Fatal("no state change event published")
	}
}

func TestRemoveNodeForgetsPeer(t *testing.T) {
	registry := clusterRegistry("node-0", "node-1", "node-2")
	engine := NewEngine(testConfig("node-0"), registry, nil, nil, nil, nil)

	engine.HandleMessage(&Message{Type: MsgPush, From: "node-1"})
	require.NoError(t, engine.RemoveNode("node-1"))
	require.Equal(t, 2, registry.Size())
	require.True(t, engine.IsPeerAlive("node-1"), "removed peer resets to unknown")
}
