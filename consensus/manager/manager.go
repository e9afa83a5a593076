// Package manager multiplexes the consensus engines behind one facade and
// recommends a protocol per workload.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/pkg/errors"

	"github.com/ahwlsqja/consensus-core/consensus"
	"github.com/ahwlsqja/consensus-core/metrics"
	"github.com/ahwlsqja/consensus-core/types"
)

// protocolStats accumulates per-protocol usage for GetMetrics.
type protocolStats struct {
	uses     uint64
	accepted uint64
	rejected uint64
	elapsed  time.Duration
}

// ProtocolMetrics is the per-protocol slice of a metrics snapshot.
type ProtocolMetrics struct {
	Uses       uint64        `json:"uses"`
	Accepted   uint64        `json:"accepted"`
	Rejected   uint64        `json:"rejected"`
	AvgElapsed time.Duration `json:"avg_elapsed"`
}

// Snapshot is an aggregate view of manager activity.
type Snapshot struct {
	TotalProposals uint64                                      `json:"total_proposals"`
	Accepted       uint64                                      `json:"accepted"`
	Rejected       uint64                                      `json:"rejected"`
	AvgElapsed     time.Duration                               `json:"avg_elapsed"`
	Switches       uint64                                      `json:"switches"`
	PerProtocol    map[consensus.ProtocolType]*ProtocolMetrics `json:"per_protocol"`
}

// Health reports whether the cluster retains a working majority.
type Health struct {
	Healthy      bool                   `json:"healthy"`
	ActiveNodes  int                    `json:"active_nodes"`
	TotalNodes   int                    `json:"total_nodes"`
	Protocol     consensus.ProtocolType `json:"protocol"`
	LastActivity time.Time              `json:"last_activity"`
}

// Manager routes proposals to the active engine and keeps the engines'
// membership views in sync.
type Manager struct {
	mu sync.RWMutex

	engines  map[consensus.ProtocolType]consensus.Protocol
	current  consensus.ProtocolType
	registry *types.Registry

	stats        map[consensus.ProtocolType]*protocolStats
	switches     uint64
	lastActivity time.Time

	bus     *consensus.Bus
	metrics *metrics.Metrics
	logger  log.Logger
}

// NewManager creates a manager with no engines registered. Bus and metrics
// may be nil.
func NewManager(registry *types.Registry, bus *consensus.Bus, logger log.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		engines:  make(map[consensus.ProtocolType]consensus.Protocol),
		registry: registry,
		stats:    make(map[consensus.ProtocolType]*protocolStats),
		bus:      bus,
		metrics:  m,
		logger:   logger.With("module", "manager"),
	}
}

// Register adds an engine under a protocol type. The first registered
// engine becomes the active one.
func (m *Manager) Register(t consensus.ProtocolType, engine consensus.Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.engines[t] = engine
	m.stats[t] = &protocolStats{}
	if m.current == "" {
		m.current = t
	}
}

// Current returns the active protocol type.
func (m *Manager) Current() consensus.ProtocolType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Engine returns the engine registered under a protocol type, or nil.
func (m *Manager) Engine(t consensus.ProtocolType) consensus.Protocol {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[t]
}

func (m *Manager) active() (consensus.Protocol, consensus.ProtocolType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	engine, ok := m.engines[m.current]
	if !ok {
		return nil, m.current, errors.Wrap(consensus.ErrUnknownProtocol, "no engine registered")
	}
	return engine, m.current, nil
}

// SwitchProtocol changes the active engine. Switching to an unregistered
// protocol fails and leaves the active protocol unchanged. In-flight
// proposals on the previous engine continue to completion there.
func (m *Manager) SwitchProtocol(t consensus.ProtocolType) error {
	m.mu.Lock()
	if _, ok := m.engines[t]; !ok {
		m.mu.Unlock()
		return errors.Wrapf(consensus.ErrUnknownProtocol, "switch to %q", t)
	}
	prev := m.current
	if prev == t {
		m.mu.Unlock()
		return nil
	}
	m.current = t
	m.switches++
	m.lastActivity = time.Now()
	m.mu.Unlock()

	m.logger.Info("switched protocol", "from", prev, "to", t)
	if m.metrics != nil {
		m.metrics.IncProtocolSwitch(string(t))
	}
	if m.bus != nil {
		m.bus.Publish(consensus.Event{
			Type:     consensus.EventProtocolSwitched,
			Protocol: t,
			Details:  map[string]string{"previous": string(prev)},
		})
	}
	return nil
}

// Propose submits a value through the active engine.
func (m *Manager) Propose(ctx context.Context, value []byte) (*types.Result, error) {
	engine, t, err := m.active()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := engine.Propose(ctx, value)
	m.record(t, time.Since(start), result, err)
	return result, err
}

// ProposeWithCriteria selects a protocol for the workload, switches to it,
// and proposes through it. Unset criteria are filled from the cluster
// before selection.
func (m *Manager) ProposeWithCriteria(ctx context.Context, value []byte, c Criteria) (*types.Result, error) {
	sel := SelectProtocol(m.fillCriteria(c))

	m.mu.RLock()
	_, registered := m.engines[sel.Protocol]
	m.mu.RUnlock()

	// Fall through to the current engine when the recommendation has no
	// registered engine.
	if registered {
		if err := m.SwitchProtocol(sel.Protocol); err != nil {
			return nil, err
		}
	}

	m.logger.Debug("selected protocol",
		"protocol", sel.Protocol, "reason", sel.Reason, "confidence", sel.Confidence)
	return m.Propose(ctx, value)
}

// fillCriteria defaults unset fields from the current cluster so partial
// criteria still select sensibly.
func (m *Manager) fillCriteria(c Criteria) Criteria {
	if c.NodeCount == 0 {
		c.NodeCount = m.registry.Size()
	}
	if c.LatencyRequirement == "" {
		c.LatencyRequirement = LatencyMedium
	}
	return c
}

// Vote forwards a vote to the active engine.
func (m *Manager) Vote(proposalID string, approve bool) error {
	engine, _, err := m.active()
	if err != nil {
		return err
	}
	return engine.Vote(proposalID, approve)
}

// Commit forwards a commit to the active engine.
func (m *Manager) Commit(proposalID string) (*types.Result, error) {
	engine, _, err := m.active()
	if err != nil {
		return nil, err
	}
	return engine.Commit(proposalID)
}

// GetState returns the active engine's state.
func (m *Manager) GetState() consensus.State {
	engine, _, err := m.active()
	if err != nil {
		return consensus.Idle
	}
	return engine.GetState()
}

// AddNode adds the node to every registered engine's membership view.
func (m *Manager) AddNode(node *types.Node) error {
	m.mu.RLock()
	engines := make([]consensus.Protocol, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	for _, e := range engines {
		if err := e.AddNode(node); err != nil {
			return err
		}
	}
	return nil
}

// RemoveNode removes the node from every registered engine. An engine may
// refuse the removal; the first refusal aborts and is returned.
func (m *Manager) RemoveNode(id string) error {
	m.mu.RLock()
	engines := make([]consensus.Protocol, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	for _, e := range engines {
		if err := e.RemoveNode(id); err != nil {
			return err
		}
	}
	return nil
}

// Nodes returns the shared membership view.
func (m *Manager) Nodes() []*types.Node {
	return m.registry.List()
}

// GetHealth reports whether enough nodes are active to form a majority,
// along with the time of the last proposal or protocol switch.
func (m *Manager) GetHealth() *Health {
	total := m.registry.Size()
	active := m.registry.ActiveCount()

	m.mu.RLock()
	current := m.current
	last := m.lastActivity
	m.mu.RUnlock()

	return &Health{
		Healthy:      total > 0 && active >= m.registry.MajorityQuorum(),
		ActiveNodes:  active,
		TotalNodes:   total,
		Protocol:     current,
		LastActivity: last,
	}
}

// GetMetrics returns an aggregate snapshot of proposals routed through the
// manager.
func (m *Manager) GetMetrics() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{
		Switches:    m.switches,
		PerProtocol: make(map[consensus.ProtocolType]*ProtocolMetrics, len(m.stats)),
	}
	var totalElapsed time.Duration
	for t, s := range m.stats {
		pm := &ProtocolMetrics{
			Uses:     s.uses,
			Accepted: s.accepted,
			Rejected: s.rejected,
		}
		if s.uses > 0 {
			pm.AvgElapsed = s.elapsed / time.Duration(s.uses)
		}
		snap.PerProtocol[t] = pm
		snap.TotalProposals += s.uses
		snap.Accepted += s.accepted
		snap.Rejected += s.rejected
		totalElapsed += s.elapsed
	}
	if snap.TotalProposals > 0 {
		snap.AvgElapsed = totalElapsed / time.Duration(snap.TotalProposals)
	}
	return snap
}

func (m *Manager) record(t consensus.ProtocolType, elapsed time.Duration, result *types.Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastActivity = time.Now()
	s, ok := m.stats[t]
	if !ok {
		return
	}
	s.uses++
	s.elapsed += elapsed
	if err == nil && result != nil && result.Accepted {
		s.accepted++
	} else {
		s.rejected++
	}
}
