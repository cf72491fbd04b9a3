// Package objective exposes the current quest objective text for a player.
package objective

import (
	"strings"
	"sync"
)

// Provider returns the objective detail for userID, if one is active.
type Provider interface {
	CurrentObjectiveDetail(userID string) (string, bool)
}

// Board is an in-memory Provider kept current by the divergence feed.
type Board struct {
	mu      sync.RWMutex
	details map[string]string
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{details: make(map[string]string)}
}

// Set records detail for userID. A blank detail clears it.
func (b *Board) Set(userID string, detail string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	detail = strings.TrimSpace(detail)

	b.mu.Lock()
	defer b.mu.Unlock()
	if detail == "" {
		delete(b.details, userID)
		return
	}
	b.details[userID] = detail
}

// Clear removes any detail for userID.
func (b *Board) Clear(userID string) {
	b.Set(userID, "")
}

// CurrentObjectiveDetail implements Provider.
func (b *Board) CurrentObjectiveDetail(userID string) (string, bool) {
	if b == nil {
		return "", false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	detail, ok := b.details[strings.TrimSpace(userID)]
	return detail, ok
}
