package pbft

import (
	"encoding/json"
	"time"

	"github.com/ahwlsqja/consensus-core/types"
)

// MessageType represents the type of PBFT message.
type MessageType int

const (
	// MsgPrePrepare is sent by the primary to initiate consensus.
	MsgPrePrepare MessageType = iota
	// MsgVote carries a replica's decision on a proposal.
	MsgVote
	// MsgCommit announces that a node finalized a proposal.
	MsgCommit
	// MsgViewChange is sent to trigger a view change.
	MsgViewChange
	// MsgNewView is sent by the new primary after view change.
	MsgNewView
)

// String returns the string representation of MessageType.
func (mt MessageType) String() string {
	switch mt {
	case MsgPrePrepare:
		return "PRE-PREPARE"
	case MsgVote:
		return "VOTE"
	case MsgCommit:
		return "COMMIT"
	case MsgViewChange:
		return "VIEW-CHANGE"
	case MsgNewView:
		return "NEW-VIEW"
	default:
		return "UNKNOWN"
	}
}

// Message is the wire envelope for all PBFT traffic.
type Message struct {
	Type        MessageType `json:"type"`
	View        uint64      `json:"view"`
	SequenceNum uint64      `json:"sequence_num"`
	Digest      []byte      `json:"digest,omitempty"`
	NodeID      string      `json:"node_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     []byte      `json:"payload,omitempty"`
}

// PrePrepareMsg contains the pre-prepare message data.
type PrePrepareMsg struct {
	View      uint64          `json:"view"`
	Proposal  *types.Proposal `json:"proposal"`
	Digest    []byte          `json:"digest"`
	PrimaryID string          `json:"primary_id"`
}

// VoteMsg carries a vote over the wire.
type VoteMsg struct {
	View uint64     `json:"view"`
	Vote types.Vote `json:"vote"`
}

// CommitMsg announces a finalized proposal.
type CommitMsg struct {
	View       uint64 `json:"view"`
	ProposalID string `json:"proposal_id"`
	Digest     []byte `json:"digest"`
	NodeID     string `json:"node_id"`
}

// ViewChangeMsg contains the view change message data.
type ViewChangeMsg struct {
	NewView    uint64   `json:"new_view"`
	LastSeqNum uint64   `json:"last_seq_num"`
	Prepared   []string `json:"prepared,omitempty"`
	NodeID     string   `json:"node_id"`
}

// NewViewMsg contains the new view message data, assembled by the new
// primary from 2f+1 view change messages.
type NewViewMsg struct {
	View           uint64          `json:"view"`
	ViewChangeMsgs []ViewChangeMsg `json:"view_change_msgs"`
	NewPrimaryID   string          `json:"new_primary_id"`
}

// Transport delivers outbound PBFT messages. An external layer routes them
// to peer engines' HandleMessage.
type Transport interface {
	// Broadcast sends a message to all peers.
	Broadcast(msg *Message) error

	// Send sends a message to a specific peer.
	Send(nodeID string, msg *Message) error
}

// NewMessage creates a PBFT message envelope.
func NewMessage(msgType MessageType, view, seqNum uint64, digest []byte, nodeID string) *Message {
	return &Message{
		Type:        msgType,
		View:        view,
		SequenceNum: seqNum,
		Digest:      digest,
		NodeID:      nodeID,
		Timestamp:   time.Now(),
	}
}

// Encode serializes the message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage deserializes a message from JSON.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
