package gossip

import "sync"

// ConflictResolver picks the surviving update when an incoming update is
// neither strictly newer nor strictly older. Returning the incoming update
// replaces the stored one.
type ConflictResolver func(stored, incoming *Update) *Update

// Store holds the per-key updates known to one node.
type Store struct {
	mu       sync.RWMutex
	updates  map[string]*Update
	resolver ConflictResolver
}

// NewStore creates an empty store with last-write-wins semantics.
func NewStore() *Store {
	return &Store{updates: make(map[string]*Update)}
}

// SetResolver substitutes a custom conflict resolver for plain overwrite.
func (s *Store) SetResolver(r ConflictResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}

// Apply stores the update iff it wins against the stored one: strictly
// newer by (timestamp, version), or chosen by the resolver. Returns whether
// the update was accepted.
func (s *Store) Apply(incoming *Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.updates[incoming.Key]
	if !exists {
		s.updates[incoming.Key] = incoming
		return true
	}
	if s.resolver != nil {
		winner := s.resolver(stored, incoming)
		s.updates[incoming.Key] = winner
		return winner == incoming
	}
	if incoming.NewerThan(stored) {
		s.updates[incoming.Key] = incoming
		return true
	}
	return false
}

// Get returns the stored update for a key, or nil.
func (s *Store) Get(key string) *Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates[key]
}

// Live returns the updates still eligible for propagation (TTL > 0).
func (s *Store) Live() []*Update {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Update, 0, len(s.updates))
	for _, u := range s.updates {
		if u.TTL > 0 {
			out = append(out, u)
		}
	}
	return out
}

// NewerThanClock returns updates the given clock has not seen: those whose
// origin counter exceeds the clock's entry for that origin.
func (s *Store) NewerThanClock(clock VectorClock) []*Update {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Update
	for _, u := range s.updates {
		if u.Version > clock[u.Origin] {
			out = append(out, u)
		}
	}
	return out
}

// DecayTTL decrements the TTL of every live update by one hop.
func (s *Store) DecayTTL() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.updates {
		if u.TTL > 0 {
			u.TTL--
		}
	}
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.updates)
}
