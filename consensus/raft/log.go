package raft

import (
	"sync"
	"time"
)

// LogEntry is a single replicated log entry. Indexing is 1-based: index 0
// means "no entry".
type LogEntry struct {
	Term      uint64    `json:"term"`
	Index     uint64    `json:"index"`
	Command   []byte    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the in-memory replicated log of one node.
type Log struct {
	mu      sync.RWMutex
	entries []*LogEntry
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// LastIndex returns the index of the last entry, or 0 when empty.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// LastTerm returns the term of the last entry, or 0 when empty.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// Contains reports whether the log has an entry at the given index.
func (l *Log) Contains(index uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return index >= 1 && index <= uint64(len(l.entries))
}

// Entry returns the entry at the given index, or nil.
func (l *Log) Entry(index uint64) *LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 1 || index > uint64(len(l.entries)) {
		return nil
	}
	return l.entries[index-1]
}

// Term returns the term of the entry at the given index, or 0.
func (l *Log) Term(index uint64) uint64 {
	if e := l.Entry(index); e != nil {
		return e.Term
	}
	return 0
}

// AppendCommand appends a new command in the given term and returns its
// index.
func (l *Log) AppendCommand(term uint64, command []byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := uint64(len(l.entries)) + 1
	l.entries = append(l.entries, &LogEntry{
		Term:      term,
		Index:     index,
		Command:   command,
		Timestamp: time.Now(),
	})
	return index
}

// Append appends replicated entries, skipping any already present with a
// matching term and truncating the conflicting suffix first.
func (l *Log) Append(entries ...*LogEntry) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range entries {
		if entry.Index <= uint64(len(l.entries)) {
			if l.entries[entry.Index-1].Term == entry.Term {
				continue
			}
			// Conflicting term at an existing index: drop the suffix.
			l.entries = l.entries[:entry.Index-1]
		}
		l.entries = append(l.entries, entry)
	}
	return uint64(len(l.entries))
}

// EntriesFrom returns a copy of the entries at and after the given index.
func (l *Log) EntriesFrom(index uint64) []*LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 1 {
		index = 1
	}
	if index > uint64(len(l.entries)) {
		return nil
	}
	out := make([]*LogEntry, len(l.entries)-int(index-1))
	copy(out, l.entries[index-1:])
	return out
}

// UpToDate reports whether a candidate with the given last log term and
// index is at least as up-to-date as this log: compare last terms, then
// indexes.
func (l *Log) UpToDate(lastLogTerm, lastLogIndex uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ownTerm, ownIndex uint64
	if len(l.entries) > 0 {
		ownTerm = l.entries[len(l.entries)-1].Term
		ownIndex = uint64(len(l.entries))
	}
	if lastLogTerm != ownTerm {
		return lastLogTerm > ownTerm
	}
	return lastLogIndex >= ownIndex
}
