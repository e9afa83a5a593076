// Package network provides an in-process message router for running
// multiple consensus engines in one process. It implements the engines'
// transport interfaces and delivers messages synchronously, which keeps
// multi-node tests and simulations deterministic.
package network

import (
	"sync"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/consensus-core/consensus/gossip"
	"github.com/ahwlsqja/consensus-core/consensus/pbft"
	"github.com/ahwlsqja/consensus-core/consensus/raft"
)

// Router routes messages between co-located engines by node ID. Messages
// to unknown or disconnected nodes are dropped silently, mirroring an
// unreachable peer.
type Router struct {
	mu sync.RWMutex

	pbftNodes   map[string]*pbft.Engine
	raftNodes   map[string]*raft.Engine
	gossipNodes map[string]*gossip.Engine

	down map[string]bool

	logger log.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger log.Logger) *Router {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Router{
		pbftNodes:   make(map[string]*pbft.Engine),
		raftNodes:   make(map[string]*raft.Engine),
		gossipNodes: make(map[string]*gossip.Engine),
		down:        make(map[string]bool),
		logger:      logger.With("module", "network"),
	}
}

// RegisterPBFT attaches a PBFT engine under a node ID.
func (r *Router) RegisterPBFT(id string, e *pbft.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pbftNodes[id] = e
}

// RegisterRaft attaches a Raft engine under a node ID.
func (r *Router) RegisterRaft(id string, e *raft.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raftNodes[id] = e
}

// RegisterGossip attaches a Gossip engine under a node ID.
func (r *Router) RegisterGossip(id string, e *gossip.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gossipNodes[id] = e
}

// Disconnect partitions a node: traffic to and from it is dropped until
// Reconnect.
func (r *Router) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down[id] = true
}

// Reconnect heals a partitioned node.
func (r *Router) Reconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.down, id)
}

func (r *Router) reachable(from, to string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.down[from] && !r.down[to]
}

// PBFTTransport returns the transport binding for one PBFT node. The
// binding can be created before the engine is registered.
func (r *Router) PBFTTransport(self string) pbft.Transport {
	return &pbftTransport{router: r, self: self}
}

// RaftTransport returns the transport binding for one Raft node.
func (r *Router) RaftTransport(self string) raft.Transport {
	return &raftTransport{router: r, self: self}
}

// GossipTransport returns the transport binding for one Gossip node.
func (r *Router) GossipTransport(self string) gossip.Transport {
	return &gossipTransport{router: r, self: self}
}

type pbftTransport struct {
	router *Router
	self   string
}

func (t *pbftTransport) Broadcast(msg *pbft.Message) error {
	t.router.mu.RLock()
	peers := make(map[string]*pbft.Engine, len(t.router.pbftNodes))
	for id, e := range t.router.pbftNodes {
		peers[id] = e
	}
	t.router.mu.RUnlock()

	for id, e := range peers {
		if id == t.self || !t.router.reachable(t.self, id) {
			continue
		}
		if err := e.HandleMessage(msg); err != nil {
			t.router.logger.Debug("pbft delivery rejected", "from", t.self, "to", id, "err", err)
		}
	}
	return nil
}

func (t *pbftTransport) Send(nodeID string, msg *pbft.Message) error {
	t.router.mu.RLock()
	e := t.router.pbftNodes[nodeID]
	t.router.mu.RUnlock()

	if e == nil || !t.router.reachable(t.self, nodeID) {
		return nil
	}
	if err := e.HandleMessage(msg); err != nil {
		t.router.logger.Debug("pbft delivery rejected", "from", t.self, "to", nodeID, "err", err)
	}
	return nil
}

type raftTransport struct {
	router *Router
	self   string
}

func (t *raftTransport) peer(to string) *raft.Engine {
	t.router.mu.RLock()
	e := t.router.raftNodes[to]
	t.router.mu.RUnlock()

	if e == nil || !t.router.reachable(t.self, to) {
		return nil
	}
	return e
}

func (t *raftTransport) SendRequestVote(to string, req *raft.RequestVoteRequest) error {
	if e := t.peer(to); e != nil {
		e.HandleRequestVote(req)
	}
	return nil
}

func (t *raftTransport) SendRequestVoteResponse(to string, resp *raft.RequestVoteResponse) error {
	if e := t.peer(to); e != nil {
		e.ReceiveVoteResponse(resp)
	}
	return nil
}

func (t *raftTransport) SendAppendEntries(to string, req *raft.AppendEntriesRequest) error {
	if e := t.peer(to); e != nil {
		e.HandleAppendEntries(req)
	}
	return nil
}

func (t *raftTransport) SendAppendEntriesResponse(to string, resp *raft.AppendEntriesResponse) error {
	if e := t.peer(to); e != nil {
		e.ReceiveAppendEntriesResponse(resp)
	}
	return nil
}

type gossipTransport struct {
	router *Router
	self   string
}

func (t *gossipTransport) SendGossip(to string, msg *gossip.Message) error {
	t.router.mu.RLock()
	e := t.router.gossipNodes[to]
	t.router.mu.RUnlock()

	if e == nil || !t.router.reachable(t.self, to) {
		return nil
	}
	e.HandleMessage(msg)
	return nil
}

func (t *gossipTransport) SendAck(to string, ack *gossip.Ack) error {
	t.router.mu.RLock()
	e := t.router.gossipNodes[to]
	t.router.mu.RUnlock()

	if e == nil || !t.router.reachable(t.self, to) {
		return nil
	}
	e.HandleAck(ack)
	return nil
}
