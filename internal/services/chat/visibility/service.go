// Package visibility tracks which sessions have chat hidden and the exception
// tokens that still let specific messages through to them.
package visibility

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/louisbranch/chatveil/internal/services/chat/session"
)

// State is a point-in-time copy of one session's visibility record.
type State struct {
	Hidden   bool
	Pending  []Token
	Buffered [][]byte
}

type record struct {
	mu       sync.Mutex
	hidden   bool
	pending  []Token
	buffered [][]byte
}

// Service owns the visibility record of every connected session.
//
// Records are created on the first mutation and dropped by Dispose. Each record
// has its own lock so sessions never contend with each other.
type Service struct {
	mu      sync.Mutex
	records map[session.ID]*record
}

// NewService returns an empty registry.
func NewService() *Service {
	return &Service{records: make(map[session.ID]*record)}
}

func (s *Service) lookup(id session.ID) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *Service) ensure(id session.ID) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		rec = &record{}
		s.records[id] = rec
	}
	return rec
}

// IsHidden reports whether chat is hidden for id. Unknown sessions are visible.
func (s *Service) IsHidden(id session.ID) bool {
	rec := s.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.hidden
}

// SetHidden updates the hidden flag. Pending tokens and buffered messages are kept.
func (s *Service) SetHidden(id session.ID, hidden bool) {
	rec := s.ensure(id)
	rec.mu.Lock()
	rec.hidden = hidden
	rec.mu.Unlock()
}

// EnqueueExactPayload appends a token matching payload byte-for-byte.
// Empty or malformed payloads could never match and are refused.
func (s *Service) EnqueueExactPayload(id session.ID, payload []byte) bool {
	if !validPayload(payload) {
		return false
	}
	s.enqueue(id, ExactPayload{JSON: bytes.Clone(payload)})
	return true
}

// EnqueueCountedPass appends a token admitting the next message.
func (s *Service) EnqueueCountedPass(id session.ID) {
	s.enqueue(id, CountedPass{})
}

// EnqueueStandingAllow appends a token admitting the next message.
func (s *Service) EnqueueStandingAllow(id session.ID) {
	s.enqueue(id, StandingAllow{})
}

func (s *Service) enqueue(id session.ID, token Token) {
	rec := s.ensure(id)
	rec.mu.Lock()
	rec.pending = append(rec.pending, token)
	rec.mu.Unlock()
}

// ConsumeJSON removes the first ExactPayload token equal to payload.
func (s *Service) ConsumeJSON(id session.ID, payload []byte) bool {
	rec := s.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.consumeJSON(payload)
}

// ConsumeExact removes the first CountedPass token.
func (s *Service) ConsumeExact(id session.ID) bool {
	return s.consumeKind(id, KindCountedPass)
}

// ConsumeAllowed removes the first StandingAllow token.
func (s *Service) ConsumeAllowed(id session.ID) bool {
	return s.consumeKind(id, KindStandingAllow)
}

func (s *Service) consumeKind(id session.ID, kind Kind) bool {
	rec := s.lookup(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.consumeKind(kind)
}

// BufferMessage appends a suppressed payload. The buffer is not bounded.
func (s *Service) BufferMessage(id session.ID, payload []byte) {
	rec := s.ensure(id)
	rec.mu.Lock()
	rec.buffered = append(rec.buffered, bytes.Clone(payload))
	rec.mu.Unlock()
}

// Admit tries ConsumeJSON, ConsumeExact and ConsumeAllowed in that order as a
// single atomic step. On a miss the payload is buffered and ok is false.
func (s *Service) Admit(id session.ID, payload []byte) (Kind, bool) {
	rec := s.ensure(id)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch {
	case rec.consumeJSON(payload):
		return KindExactPayload, true
	case rec.consumeKind(KindCountedPass):
		return KindCountedPass, true
	case rec.consumeKind(KindStandingAllow):
		return KindStandingAllow, true
	}
	rec.buffered = append(rec.buffered, bytes.Clone(payload))
	return 0, false
}

// Snapshot copies the record for id. Unknown sessions yield the zero State.
func (s *Service) Snapshot(id session.ID) State {
	rec := s.lookup(id)
	if rec == nil {
		return State{}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	state := State{Hidden: rec.hidden}
	if len(rec.pending) > 0 {
		state.Pending = make([]Token, len(rec.pending))
		for i, token := range rec.pending {
			state.Pending[i] = cloneToken(token)
		}
	}
	if len(rec.buffered) > 0 {
		state.Buffered = make([][]byte, len(rec.buffered))
		for i, payload := range rec.buffered {
			state.Buffered[i] = bytes.Clone(payload)
		}
	}
	return state
}

// Dispose drops all state for id. Callbacks still holding the old record
// finish against it and their writes are discarded.
func (s *Service) Dispose(id session.ID) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// Len returns the number of sessions with a live record.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (r *record) consumeJSON(payload []byte) bool {
	if !validPayload(payload) {
		return false
	}
	for i, token := range r.pending {
		exact, ok := token.(ExactPayload)
		if ok && bytes.Equal(exact.JSON, payload) {
			r.remove(i)
			return true
		}
	}
	return false
}

func (r *record) consumeKind(kind Kind) bool {
	for i, token := range r.pending {
		if token.Kind() == kind {
			r.remove(i)
			return true
		}
	}
	return false
}

func (r *record) remove(i int) {
	r.pending = append(r.pending[:i], r.pending[i+1:]...)
	if len(r.pending) == 0 {
		r.pending = nil
	}
}

func validPayload(payload []byte) bool {
	return len(payload) > 0 && json.Valid(payload)
}
