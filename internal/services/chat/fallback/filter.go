// Package fallback applies visibility rules to a whole chat broadcast when
// per-packet interception is not in use.
//
// The filter is coarser than the interception pipeline: it cannot match
// exception tokens and it records no history.
package fallback

import (
	"github.com/louisbranch/chatveil/internal/services/chat/intercept"
	"github.com/louisbranch/chatveil/internal/services/chat/session"
)

// Broadcast is one chat message about to be fanned out to Recipients.
type Broadcast struct {
	Sender     session.ID
	Recipients []session.ID

	cancelled bool
}

// Cancel drops the broadcast for every recipient.
func (b *Broadcast) Cancel() {
	b.cancelled = true
}

// Cancelled reports whether the broadcast was dropped.
func (b *Broadcast) Cancelled() bool {
	return b.cancelled
}

// HiddenChecker reports whether chat is hidden for a session.
type HiddenChecker interface {
	IsHidden(id session.ID) bool
}

// Filter is the coarse broadcast filter.
type Filter struct {
	Hidden HiddenChecker
	Oracle intercept.Oracle
}

// Apply cancels b when its sender is hidden or diverging. Otherwise it removes
// hidden recipients in place.
func (f Filter) Apply(b *Broadcast) {
	if b == nil || b.cancelled || f.Hidden == nil {
		return
	}
	if f.Hidden.IsHidden(b.Sender) || (f.Oracle != nil && f.Oracle.HasDivergence(b.Sender)) {
		b.Cancel()
		return
	}
	kept := b.Recipients[:0]
	for _, recipient := range b.Recipients {
		if !f.Hidden.IsHidden(recipient) {
			kept = append(kept, recipient)
		}
	}
	b.Recipients = kept
}
