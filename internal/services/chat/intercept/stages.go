package intercept

import (
	"github.com/louisbranch/chatveil/internal/services/chat/history"
	"github.com/louisbranch/chatveil/internal/services/chat/protocol"
	"github.com/louisbranch/chatveil/internal/services/chat/visibility"
)

// HistoryStage appends outbound chat content to the session transcript.
// Informational and unclassifiable packets are ignored.
type HistoryStage struct {
	Log *history.Log
}

// Name implements Stage.
func (HistoryStage) Name() string { return "history" }

// Observe implements Stage.
func (s HistoryStage) Observe(packet *protocol.Packet) {
	if s.Log == nil || packet.Direction != protocol.Outbound {
		return
	}
	if packet.Classify() != protocol.ClassChat {
		return
	}
	s.Log.Append(packet.Session, packet.Content)
}

// HidingStage applies the session's visibility rules.
//
// Outbound chat to a session that is hidden or diverging is delivered only
// when an exception token admits it; otherwise it is buffered and cancelled.
// Inbound chat from a hidden session is cancelled unless the session is
// diverging.
type HidingStage struct {
	Visibility *visibility.Service
	Oracle     Oracle
}

// Name implements Stage.
func (HidingStage) Name() string { return "hiding" }

// Observe implements Stage.
func (s HidingStage) Observe(packet *protocol.Packet) {
	if s.Visibility == nil {
		return
	}
	switch packet.Classify() {
	case protocol.ClassChat, protocol.ClassInformational:
	default:
		return
	}

	switch packet.Direction {
	case protocol.Outbound:
		if !s.Visibility.IsHidden(packet.Session) && !s.diverging(packet) {
			return
		}
		if _, ok := s.Visibility.Admit(packet.Session, packet.Payload); !ok {
			packet.Cancel()
		}
	case protocol.Inbound:
		if s.Visibility.IsHidden(packet.Session) && !s.diverging(packet) {
			packet.Cancel()
		}
	}
}

func (s HidingStage) diverging(packet *protocol.Packet) bool {
	return s.Oracle != nil && s.Oracle.HasDivergence(packet.Session)
}
