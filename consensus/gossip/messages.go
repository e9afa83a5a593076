package gossip

import "time"

// Update is one keyed value disseminated through the cluster.
type Update struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin"`
	TTL       int       `json:"ttl"`
}

// NewerThan applies the last-write-wins ordering: strictly greater by
// (timestamp, then version).
func (u *Update) NewerThan(other *Update) bool {
	if !u.Timestamp.Equal(other.Timestamp) {
		return u.Timestamp.After(other.Timestamp)
	}
	return u.Version > other.Version
}

// MessageType is the gossip exchange mode.
type MessageType string

const (
	// MsgPush carries updates to a peer.
	MsgPush MessageType = "push"
	// MsgPull advertises the sender's clock and asks for newer updates.
	MsgPull MessageType = "pull"
	// MsgPushPull does both in one exchange.
	MsgPushPull MessageType = "push-pull"
)

// Message is the wire envelope for gossip traffic.
type Message struct {
	Type    MessageType `json:"type"`
	From    string      `json:"from"`
	Updates []*Update   `json:"updates,omitempty"`
	Clock   VectorClock `json:"clock,omitempty"`
}

// Ack confirms receipt of an update, for convergence tracking at its
// origin.
type Ack struct {
	From    string `json:"from"`
	Key     string `json:"key"`
	Origin  string `json:"origin"`
	Version uint64 `json:"version"`
}

// Transport delivers outbound gossip messages. An external layer routes
// them to the addressed peer's HandleMessage/HandleAck.
type Transport interface {
	SendGossip(to string, msg *Message) error
	SendAck(to string, ack *Ack) error
}
