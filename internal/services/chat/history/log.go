// Package history keeps a bounded per-session transcript of chat content the
// session was sent, whether or not it was shown.
package history

import (
	"sync"

	"github.com/louisbranch/chatveil/internal/services/chat/protocol"
	"github.com/louisbranch/chatveil/internal/services/chat/session"
)

// DefaultCapacity is the number of entries retained per session.
const DefaultCapacity = 100

// ring holds at most len(entries) items; start is the oldest entry.
type ring struct {
	mu      sync.Mutex
	entries []protocol.Component
	start   int
	size    int
}

// Log is the transcript registry for all sessions.
type Log struct {
	capacity int

	mu    sync.Mutex
	rings map[session.ID]*ring
}

// NewLog returns a log retaining capacity entries per session. Non-positive
// capacities fall back to DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		rings:    make(map[session.ID]*ring),
	}
}

// Capacity returns the per-session bound.
func (l *Log) Capacity() int {
	return l.capacity
}

// Append records content for id, evicting the oldest entry when full.
func (l *Log) Append(id session.ID, content protocol.Component) {
	l.mu.Lock()
	r, ok := l.rings[id]
	if !ok {
		r = &ring{entries: make([]protocol.Component, l.capacity)}
		l.rings[id] = r
	}
	l.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	content = content.Clone()
	if r.size < len(r.entries) {
		r.entries[(r.start+r.size)%len(r.entries)] = content
		r.size++
		return
	}
	r.entries[r.start] = content
	r.start = (r.start + 1) % len(r.entries)
}

// Read returns a copy of the transcript for id, oldest first.
func (l *Log) Read(id session.ID) []protocol.Component {
	l.mu.Lock()
	r := l.rings[id]
	l.mu.Unlock()
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Component, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)].Clone()
	}
	return out
}

// Dispose drops the transcript for id.
func (l *Log) Dispose(id session.ID) {
	l.mu.Lock()
	delete(l.rings, id)
	l.mu.Unlock()
}
