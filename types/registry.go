package types

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the membership view of a single engine instance. It is
// read-mostly; mutation is atomic relative to iteration so quorum math never
// observes a half-updated node list.
type Registry struct {
	mu    sync.RWMutex
	nodes []*Node
	index map[string]int
}

// NewRegistry creates a registry seeded with the given nodes. Order is
// preserved: PBFT primary selection depends on it.
func NewRegistry(nodes []*Node) *Registry {
	r := &Registry{
		nodes: make([]*Node, 0, len(nodes)),
		index: make(map[string]int),
	}
	for _, n := range nodes {
		r.addLocked(n)
	}
	return r
}

func (r *Registry) addLocked(n *Node) bool {
	if _, exists := r.index[n.ID]; exists {
		return false
	}
	if n.LastSeen.IsZero() {
		n.LastSeen = time.Now()
	}
	r.index[n.ID] = len(r.nodes)
	r.nodes = append(r.nodes, n)
	return true
}

// Add registers a node. Adding an already known ID is a no-op returning false.
func (r *Registry) Add(n *Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(n)
}

// Remove deletes a node by ID, preserving the relative order of the rest.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, exists := r.index[id]
	if !exists {
		return false
	}
	r.nodes = append(r.nodes[:pos], r.nodes[pos+1:]...)
	delete(r.index, id)
	for i := pos; i < len(r.nodes); i++ {
		r.index[r.nodes[i].ID] = i
	}
	return true
}

// Get returns the node with the given ID, or nil.
func (r *Registry) Get(id string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pos, exists := r.index[id]; exists {
		return r.nodes[pos]
	}
	return nil
}

// Contains reports whether the ID is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.index[id]
	return exists
}

// List returns a snapshot copy of the node list in registration order.
func (r *Registry) List() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Node, len(r.nodes))
	copy(nodes, r.nodes)
	return nodes
}

// IDs returns the sorted node IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.nodes))
	for _, n := range r.nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the number of registered nodes.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// ActiveCount returns the number of nodes marked active.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, n := range r.nodes {
		if n.Active {
			count++
		}
	}
	return count
}

// MarkSeen updates a node's last-seen timestamp and active flag.
func (r *Registry) MarkSeen(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pos, exists := r.index[id]; exists {
		r.nodes[pos].LastSeen = at
		r.nodes[pos].Active = true
	}
}

// FaultTolerance returns f, the maximum number of Byzantine nodes the
// cluster tolerates: f = (n-1)/3.
func (r *Registry) FaultTolerance() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return (len(r.nodes) - 1) / 3
}

// ByzantineQuorum returns the PBFT quorum size 2f+1.
func (r *Registry) ByzantineQuorum() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f := (len(r.nodes) - 1) / 3
	return 2*f + 1
}

// MajorityQuorum returns the crash-fault majority n/2+1.
func (r *Registry) MajorityQuorum() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)/2 + 1
}

// PrimaryForView returns the node at position view mod n, or nil when the
// registry is empty.
func (r *Registry) PrimaryForView(view uint64) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return nil
	}
	return r.nodes[int(view%uint64(len(r.nodes)))]
}
