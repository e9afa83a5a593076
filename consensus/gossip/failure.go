package gossip

import (
	"sync"
	"time"
)

// PeerState is the advisory liveness assessment of a peer. No hard "dead"
// determination is made; suspicion only informs routing decisions.
type PeerState int

const (
	// PeerAlive - heard from recently.
	PeerAlive PeerState = iota
	// PeerSuspect - silent past the anti-entropy interval.
	PeerSuspect
)

// String returns the string representation of PeerState.
func (ps PeerState) String() string {
	switch ps {
	case PeerAlive:
		return "ALIVE"
	case PeerSuspect:
		return "SUSPECT"
	default:
		return "UNKNOWN"
	}
}

// failureDetector tracks last-contact timestamps per peer and derives a
// suspicion level from elapsed silence.
type failureDetector struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
	interval time.Duration
}

func newFailureDetector(interval time.Duration) *failureDetector {
	return &failureDetector{
		lastSeen: make(map[string]time.Time),
		interval: interval,
	}
}

// Observe records contact with a peer.
func (fd *failureDetector) Observe(id string, at time.Time) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.lastSeen[id] = at
}

// SuspicionLevel returns how many anti-entropy intervals the peer has been
// silent for. Zero means alive; an unknown peer starts at zero.
func (fd *failureDetector) SuspicionLevel(id string, now time.Time) int {
	fd.mu.RLock()
	defer fd.mu.RUnlock()

	seen, known := fd.lastSeen[id]
	if !known || fd.interval <= 0 {
		return 0
	}
	elapsed := now.Sub(seen)
	if elapsed < fd.interval {
		return 0
	}
	return int(elapsed / fd.interval)
}

// State maps the suspicion level to an advisory peer state.
func (fd *failureDetector) State(id string, now time.Time) PeerState {
	if fd.SuspicionLevel(id, now) > 0 {
		return PeerSuspect
	}
	return PeerAlive
}

// Remove forgets a peer.
func (fd *failureDetector) Remove(id string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	delete(fd.lastSeen, id)
}
