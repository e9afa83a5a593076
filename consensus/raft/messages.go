package raft

// RequestVoteRequest is sent by a candidate to gather votes.
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// RequestVoteResponse is a voter's answer to a RequestVoteRequest.
type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoterID     string `json:"voter_id"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesRequest replicates log entries; empty entries is a heartbeat.
type AppendEntriesRequest struct {
	Term         uint64      `json:"term"`
	LeaderID     string      `json:"leader_id"`
	PrevLogIndex uint64      `json:"prev_log_index"`
	PrevLogTerm  uint64      `json:"prev_log_term"`
	Entries      []*LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64      `json:"leader_commit"`
}

// AppendEntriesResponse reports replication success and the follower's
// highest matching index.
type AppendEntriesResponse struct {
	Term       uint64 `json:"term"`
	NodeID     string `json:"node_id"`
	Success    bool   `json:"success"`
	MatchIndex uint64 `json:"match_index"`
}

// Transport delivers outbound Raft messages. An external layer routes them
// to the addressed peer's matching inbound handler.
type Transport interface {
	SendRequestVote(to string, req *RequestVoteRequest) error
	SendRequestVoteResponse(to string, resp *RequestVoteResponse) error
	SendAppendEntries(to string, req *AppendEntriesRequest) error
	SendAppendEntriesResponse(to string, resp *AppendEntriesResponse) error
}
