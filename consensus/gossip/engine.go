// Package gossip implements eventually-consistent key/value dissemination
// with vector clocks, last-write-wins conflict resolution, and periodic
// anti-entropy repair.
package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/pkg/errors"

	"github.com/ahwlsqja/consensus-core/consensus"
	"github.com/ahwlsqja/consensus-core/metrics"
	"github.com/ahwlsqja/consensus-core/types"
)

// ConvergenceStatus reports how far a locally proposed update has spread.
type ConvergenceStatus struct {
	Key        string   `json:"key"`
	AckedPeers []string `json:"acked_peers"`
	Expected   int      `json:"expected"`
	Percent    float64  `json:"percent"`
	Converged  bool     `json:"converged"`
}

// ackState tracks which peers acknowledged one locally originated key.
type ackState struct {
	peers     map[string]bool
	at        time.Time
	converged bool
}

// Engine is the Gossip engine for one node's local view. Proposals are
// accepted locally and disseminated in the background; there is no quorum.
type Engine struct {
	mu sync.RWMutex

	config   *Config
	registry *types.Registry

	clock    VectorClock
	store    *Store
	detector *failureDetector

	// Convergence tracking per locally originated key. Evicted by age.
	acks map[string]*ackState

	sequence uint64
	state    consensus.State

	stop chan struct{}

	rng *rand.Rand

	transport Transport
	bus       *consensus.Bus
	metrics   *metrics.Metrics
	logger    log.Logger

	stopped bool
}

// NewEngine creates a Gossip engine. Transport, bus, and metrics may be nil.
func NewEngine(config *Config, registry *types.Registry, transport Transport, bus *consensus.Bus, logger log.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{
		config:    config,
		registry:  registry,
		clock:     NewVectorClock(),
		store:     NewStore(),
		detector:  newFailureDetector(config.AntiEntropyInterval),
		acks:      make(map[string]*ackState),
		stop:      make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		transport: transport,
		bus:       bus,
		metrics:   m,
		logger:    logger.With("module", "gossip", "node", config.NodeID),
	}
}

// SetConflictResolver substitutes custom merge semantics for plain
// last-write-wins overwrite.
func (e *Engine) SetConflictResolver(r ConflictResolver) {
	e.store.SetResolver(r)
}

// Start begins the gossip round and anti-entropy timers.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return consensus.ErrStopped
	}
	e.mu.Unlock()

	go e.run()
	e.logger.Info("starting engine", "fanout", e.config.Fanout)
	return nil
}

// Stop cancels the timers. No round runs afterward.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stop)
	e.mu.Unlock()

	e.logger.Info("stopped engine")
}

func (e *Engine) run() {
	gossip := time.NewTicker(e.config.GossipInterval)
	antiEntropy := time.NewTicker(e.config.AntiEntropyInterval)
	defer gossip.Stop()
	defer antiEntropy.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-gossip.C:
			e.GossipRound()
		case <-antiEntropy.C:
			e.RunAntiEntropy()
		}
	}
}

// NodeID returns the local node ID.
func (e *Engine) NodeID() string {
	return e.config.NodeID
}

// GetState returns the engine-wide consensus state.
func (e *Engine) GetState() consensus.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// AddNode registers a cluster participant.
func (e *Engine) AddNode(node *types.Node) error {
	e.registry.Add(node)
	return nil
}

// RemoveNode unregisters a participant.
func (e *Engine) RemoveNode(id string) error {
	e.registry.Remove(id)
	e.detector.Remove(id)
	return nil
}

// Nodes returns a snapshot of the membership view.
func (e *Engine) Nodes() []*types.Node {
	return e.registry.List()
}

// Propose wraps the value into a keyed update under a generated key. Local
// acceptance is unconditional, so the result resolves immediately.
func (e *Engine) Propose(ctx context.Context, value []byte) (*types.Result, error) {
	e.mu.Lock()
	e.sequence++
	key := fmt.Sprintf("%s-%d", e.config.NodeID, e.sequence)
	e.mu.Unlock()

	return e.ProposeKeyed(key, value)
}

// ProposeKeyed stores the value under the given key as the authoritative
// local copy and tracks its convergence. The key doubles as the proposal ID.
func (e *Engine) ProposeKeyed(key string, value []byte) (*types.Result, error) {
	start := time.Now()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, consensus.ErrStopped
	}
	e.evictAcksLocked(start)
	version := e.clock.Increment(e.config.NodeID)
	update := &Update{
		Key:       key,
		Value:     value,
		Version:   version,
		Timestamp: start,
		Origin:    e.config.NodeID,
		TTL:       e.config.DefaultTTL,
	}
	e.acks[key] = &ackState{peers: make(map[string]bool), at: start}
	e.setStateLocked(consensus.Committed)
	e.mu.Unlock()

	e.store.Apply(update)

	e.observeRound(time.Since(start))
	e.logger.Debug("proposed update", "key", key, "version", version)

	return &types.Result{
		ProposalID: key,
		Accepted:   true,
		Value:      value,
		Timestamp:  time.Now(),
		Elapsed:    time.Since(start),
	}, nil
}

// Vote exists to satisfy the protocol contract: gossip acceptance is
// unconditional, so a vote on a known key is a no-op.
func (e *Engine) Vote(proposalID string, approve bool) error {
	if e.store.Get(proposalID) == nil {
		return errors.Wrap(consensus.ErrUnknownProposal, proposalID)
	}
	return nil
}

// Commit reports the stored state of a key.
func (e *Engine) Commit(proposalID string) (*types.Result, error) {
	u := e.store.Get(proposalID)
	if u == nil {
		return nil, errors.Wrap(consensus.ErrUnknownProposal, proposalID)
	}
	return &types.Result{
		ProposalID: proposalID,
		Accepted:   true,
		Value:      u.Value,
		Timestamp:  time.Now(),
		Elapsed:    time.Since(u.Timestamp),
	}, nil
}

// GetValue returns the stored value for a key, or nil.
func (e *Engine) GetValue(key string) []byte {
	if u := e.store.Get(key); u != nil {
		return u.Value
	}
	return nil
}

// Clock returns a copy of the local vector clock.
func (e *Engine) Clock() VectorClock {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock.Copy()
}

// SelectTargets chooses up to fanout random peers, excluding self.
func (e *Engine) SelectTargets() []*types.Node {
	peers := make([]*types.Node, 0)
	for _, n := range e.registry.List() {
		if n.ID != e.config.NodeID {
			peers = append(peers, n)
		}
	}

	e.mu.Lock()
	e.rng.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	e.mu.Unlock()

	if len(peers) > e.config.Fanout {
		peers = peers[:e.config.Fanout]
	}
	return peers
}

// GossipRound pushes all live updates to the selected targets, spending one
// TTL hop. Updates at TTL 0 are not propagated.
func (e *Engine) GossipRound() {
	targets := e.SelectTargets()
	if len(targets) == 0 {
		return
	}
	live := e.store.Live()
	if len(live) == 0 {
		return
	}

	// Message copies carry the remaining hop budget after this send.
	updates := make([]*Update, 0, len(live))
	for _, u := range live {
		copied := *u
		copied.TTL--
		updates = append(updates, &copied)
	}
	msg := e.createMessage(MsgPush, updates)

	for _, target := range targets {
		e.sendGossip(target.ID, msg)
	}
	e.store.DecayTTL()

	if e.metrics != nil {
		e.metrics.IncGossipRounds()
	}
}

// copyUpdates detaches outbound updates from the store so a receiver never
// shares state with the sender.
func copyUpdates(updates []*Update) []*Update {
	out := make([]*Update, 0, len(updates))
	for _, u := range updates {
		copied := *u
		out = append(out, &copied)
	}
	return out
}

func (e *Engine) createMessage(msgType MessageType, updates []*Update) *Message {
	e.mu.RLock()
	clock := e.clock.Copy()
	e.mu.RUnlock()

	return &Message{
		Type:    msgType,
		From:    e.config.NodeID,
		Updates: updates,
		Clock:   clock,
	}
}

// HandleMessage processes a peer-originated gossip message. For pull and
// push-pull exchanges the reply is both returned and sent via the
// transport. The local clock advances only per applied update, never from
// the sender's envelope clock: an envelope may reference updates this node
// has not received, and claiming their counters would make later
// anti-entropy pulls skip exactly those updates.
func (e *Engine) HandleMessage(msg *Message) *Message {
	now := time.Now()
	e.detector.Observe(msg.From, now)
	e.registry.MarkSeen(msg.From, now)

	if e.metrics != nil {
		e.metrics.IncMessagesReceived(string(consensus.TypeGossip), string(msg.Type))
	}

	var reply *Message
	switch msg.Type {
	case MsgPush:
		e.applyRemote(msg.Updates)
	case MsgPull:
		reply = e.createMessage(MsgPush, copyUpdates(e.store.NewerThanClock(msg.Clock)))
	case MsgPushPull:
		e.applyRemote(msg.Updates)
		reply = e.createMessage(MsgPush, copyUpdates(e.store.NewerThanClock(msg.Clock)))
	}

	if reply != nil {
		e.sendGossip(msg.From, reply)
	}
	return reply
}

func (e *Engine) applyRemote(updates []*Update) {
	for _, u := range updates {
		if e.HandleUpdate(u) && u.Origin != e.config.NodeID {
			e.sendAck(u.Origin, &Ack{
				From:    e.config.NodeID,
				Key:     u.Key,
				Origin:  u.Origin,
				Version: u.Version,
			})
		}
	}
}

// HandleUpdate applies one remote update under last-write-wins: it replaces
// the stored value only if strictly newer by (timestamp, version). The
// local clock absorbs the origin's counter either way.
func (e *Engine) HandleUpdate(u *Update) bool {
	copied := *u
	accepted := e.store.Apply(&copied)

	e.mu.Lock()
	e.clock.Merge(VectorClock{u.Origin: u.Version})
	e.mu.Unlock()

	if accepted {
		e.logger.Debug("applied update", "key", u.Key, "origin", u.Origin, "version", u.Version)
	}
	return accepted
}

// HandleAck registers a peer's receipt of a locally originated update.
func (e *Engine) HandleAck(ack *Ack) {
	now := time.Now()
	e.detector.Observe(ack.From, now)
	e.registry.MarkSeen(ack.From, now)

	e.mu.Lock()
	st, tracked := e.acks[ack.Key]
	if !tracked {
		e.mu.Unlock()
		return
	}
	st.peers[ack.From] = true
	e.mu.Unlock()

	status := e.ConvergenceStatus(ack.Key)
	if status.Converged {
		e.mu.Lock()
		first := !st.converged
		st.converged = true
		e.mu.Unlock()

		if first && e.bus != nil {
			e.bus.Publish(consensus.Event{
				Type:       consensus.EventConsensusAchieved,
				Protocol:   consensus.TypeGossip,
				NodeID:     e.config.NodeID,
				ProposalID: ack.Key,
			})
		}
	}
}

// ConvergenceStatus reports which peers acknowledged a locally originated
// update.
func (e *Engine) ConvergenceStatus(key string) *ConvergenceStatus {
	expected := e.registry.Size() - 1

	e.mu.RLock()
	var acked []string
	if st := e.acks[key]; st != nil {
		acked = make([]string, 0, len(st.peers))
		for id := range st.peers {
			acked = append(acked, id)
		}
	}
	e.mu.RUnlock()

	status := &ConvergenceStatus{
		Key:        key,
		AckedPeers: acked,
		Expected:   expected,
	}
	if expected <= 0 {
		status.Percent = 100
		status.Converged = true
		return status
	}
	status.Percent = float64(len(acked)) / float64(expected) * 100
	status.Converged = len(acked) >= expected
	return status
}

// evictAcksLocked drops convergence tracking past retention so the ack
// table stays bounded. Caller holds e.mu.
func (e *Engine) evictAcksLocked(now time.Time) {
	for key, st := range e.acks {
		if now.Sub(st.at) > e.config.ConvergenceExpiry {
			delete(e.acks, key)
		}
	}
}

// RunAntiEntropy advertises the local clock to a random peer so it can
// return updates this node missed.
func (e *Engine) RunAntiEntropy() {
	peers := e.SelectTargets()
	if len(peers) == 0 {
		return
	}
	e.sendGossip(peers[0].ID, e.createMessage(MsgPull, nil))
}

// IsPeerAlive reports the advisory liveness of a peer.
func (e *Engine) IsPeerAlive(id string) bool {
	return e.detector.State(id, time.Now()) == PeerAlive
}

// GetPeerState returns the advisory peer state.
func (e *Engine) GetPeerState(id string) PeerState {
	return e.detector.State(id, time.Now())
}

// SuspicionLevel returns how many anti-entropy intervals the peer has been
// silent.
func (e *Engine) SuspicionLevel(id string) int {
	return e.detector.SuspicionLevel(id, time.Now())
}

func (e *Engine) sendGossip(to string, msg *Message) {
	if e.transport == nil {
		return
	}
	if err := e.transport.SendGossip(to, msg); err != nil {
		e.logger.Error("send gossip failed", "to", to, "err", err)
	}
	if e.metrics != nil {
		e.metrics.IncMessagesSent(string(consensus.TypeGossip), string(msg.Type))
	}
}

func (e *Engine) sendAck(to string, ack *Ack) {
	if e.transport == nil {
		return
	}
	if err := e.transport.SendAck(to, ack); err != nil {
		e.logger.Error("send ack failed", "to", to, "err", err)
	}
}

// setStateLocked transitions the engine-wide state and announces the
// change. Caller holds e.mu.
func (e *Engine) setStateLocked(s consensus.State) {
	if e.state == s {
		return
	}
	prev := e.state
	e.state = s
	if e.bus != nil {
		e.bus.Publish(consensus.Event{
			Type:     consensus.EventStateChanged,
			Protocol: consensus.TypeGossip,
			NodeID:   e.config.NodeID,
			Details:  map[string]string{"from": prev.String(), "to": s.String()},
		})
	}
}

func (e *Engine) observeRound(elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveConsensus(string(consensus.TypeGossip), elapsed, true)
	}
}
