// Package divergence tracks which players the game is waiting on for free-text
// input and keeps that view current from the game's quest feed.
package divergence

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Set records, per user, whether the game awaits their next chat line.
type Set struct {
	mu       sync.RWMutex
	awaiting map[string]struct{}
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{awaiting: make(map[string]struct{})}
}

// Set marks or clears userID as awaiting input.
func (s *Set) Set(userID string, awaiting bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if awaiting {
		s.awaiting[userID] = struct{}{}
		return
	}
	delete(s.awaiting, userID)
}

// Awaiting reports whether userID is awaiting input.
func (s *Set) Awaiting(userID string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.awaiting[strings.TrimSpace(userID)]
	return ok
}

// Users lists users awaiting input in sorted order.
func (s *Set) Users() []string {
	s.mu.RLock()
	users := make([]string, 0, len(s.awaiting))
	for userID := range s.awaiting {
		users = append(users, userID)
	}
	s.mu.RUnlock()
	sort.Strings(users)
	return users
}

// InputSink receives chat lines from players the game is waiting on.
type InputSink interface {
	SubmitInput(ctx context.Context, userID string, text string) error
}
