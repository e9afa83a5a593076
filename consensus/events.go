package consensus

import (
	"context"
	"sync"
	"time"
)

// EventType identifies an observability event. Events are consumed by
// external logging/metrics collectors and are not part of the protocol
// logic.
type EventType string

const (
	EventConsensusAchieved EventType = "consensus_achieved"
	EventProtocolSwitched  EventType = "protocol_switched"
	EventLeaderElected     EventType = "leader_elected"
	EventElectionStarted   EventType = "election_started"
	EventViewChanged       EventType = "view_changed"
	EventStateChanged      EventType = "state_changed"
)

// Event describes a consensus state change. Only fields relevant to the
// event type are populated.
type Event struct {
	Type       EventType
	At         time.Time
	Protocol   ProtocolType
	NodeID     string
	ProposalID string
	Term       uint64
	View       uint64
	Details    map[string]string
}

// Bus is a best-effort event fan-out. Events are dropped for slow consumers
// to avoid back-pressuring engine internals.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered channel of events, closed automatically when
// ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Publish delivers an event to all subscribers, dropping it for any whose
// buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}
