package server

import (
	"context"

	"github.com/louisbranch/chatveil/internal/platform/config"
	"github.com/louisbranch/chatveil/internal/services/chat/divergence"
	"github.com/louisbranch/chatveil/internal/services/chat/fallback"
	"github.com/louisbranch/chatveil/internal/services/chat/history"
	"github.com/louisbranch/chatveil/internal/services/chat/intercept"
	"github.com/louisbranch/chatveil/internal/services/chat/objective"
	"github.com/louisbranch/chatveil/internal/services/chat/protocol"
	"github.com/louisbranch/chatveil/internal/services/chat/session"
	"github.com/louisbranch/chatveil/internal/services/chat/visibility"
)

type serviceDeps struct {
	authorizer  wsAuthorizer
	requireAuth bool
	adminSecret string
	settings    config.Settings
	divergence  *divergence.Set
	objectives  objective.Provider
	inputSink   divergence.InputSink
}

// chatService owns the per-process chat state shared by every connection.
type chatService struct {
	authorizer  wsAuthorizer
	requireAuth bool
	adminSecret string
	settings    config.Settings

	hub        *roomHub
	sessions   *sessionDirectory
	visibility *visibility.Service
	history    *history.Log
	divergence *divergence.Set
	objectives objective.Provider
	inputSink  divergence.InputSink
	pipeline   *intercept.Pipeline
	coarse     fallback.Filter
}

func newChatService(deps serviceDeps) *chatService {
	settings := deps.settings
	if settings == (config.Settings{}) {
		settings = config.DefaultSettings()
	}
	divergenceSet := deps.divergence
	if divergenceSet == nil {
		divergenceSet = divergence.NewSet()
	}
	objectives := deps.objectives
	if objectives == nil {
		objectives = objective.NewBoard()
	}

	s := &chatService{
		authorizer:  deps.authorizer,
		requireAuth: deps.requireAuth,
		adminSecret: deps.adminSecret,
		settings:    settings,
		hub:         newRoomHub(settings.Transport.MaxRoomMessages),
		sessions:    newSessionDirectory(),
		visibility:  visibility.NewService(),
		history:     history.NewLog(settings.History.Capacity),
		divergence:  divergenceSet,
		objectives:  objectives,
		inputSink:   deps.inputSink,
	}
	oracle := sessionOracle{sessions: s.sessions, set: divergenceSet}
	s.pipeline = intercept.New(s.visibility, s.history, oracle)
	s.coarse = fallback.Filter{Hidden: s.visibility, Oracle: oracle}
	return s
}

func (s *chatService) packetMode() bool {
	return s.settings.Intercept.Mode != config.InterceptModeBroadcast
}

// sessionOracle resolves divergence for a session through its user.
type sessionOracle struct {
	sessions *sessionDirectory
	set      *divergence.Set
}

func (o sessionOracle) HasDivergence(id session.ID) bool {
	userID := o.sessions.userID(id)
	if userID == "" {
		return false
	}
	return o.set.Awaiting(userID)
}

// admitInbound reports whether a client frame may be handled.
func (s *chatService) admitInbound(ctx context.Context, target *wsSession, frameType string) bool {
	if !s.packetMode() {
		return true
	}
	return s.pipeline.Dispatch(ctx, protocol.NewInbound(target.id, frameType))
}

// deliver writes one outbound chat frame to target.
func (s *chatService) deliver(ctx context.Context, target *wsSession, frameType string, msg chatMessage) bool {
	if s.packetMode() {
		packet := protocol.NewOutbound(target.id, frameType, msg.Kind, msg.Content)
		if !s.pipeline.Dispatch(ctx, packet) {
			return false
		}
	} else {
		broadcast := &fallback.Broadcast{Recipients: []session.ID{target.id}}
		s.coarse.Apply(broadcast)
		if broadcast.Cancelled() || len(broadcast.Recipients) == 0 {
			return false
		}
	}
	_ = target.peer.writeFrame(protocol.Frame{
		Type:    frameType,
		Payload: mustJSON(messageEnvelope{Message: msg}),
	})
	return true
}

// fanOut delivers msg to every recipient. sender is nil for server-originated
// lines.
func (s *chatService) fanOut(ctx context.Context, sender *wsSession, recipients []*wsSession, frameType string, msg chatMessage) {
	if s.packetMode() {
		for _, recipient := range recipients {
			s.deliver(ctx, recipient, frameType, msg)
		}
		return
	}

	broadcast := &fallback.Broadcast{Recipients: make([]session.ID, 0, len(recipients))}
	if sender != nil {
		broadcast.Sender = sender.id
	}
	byID := make(map[session.ID]*wsSession, len(recipients))
	for _, recipient := range recipients {
		broadcast.Recipients = append(broadcast.Recipients, recipient.id)
		byID[recipient.id] = recipient
	}
	s.coarse.Apply(broadcast)
	if broadcast.Cancelled() {
		return
	}
	frame := protocol.Frame{
		Type:    frameType,
		Payload: mustJSON(messageEnvelope{Message: msg}),
	}
	for _, id := range broadcast.Recipients {
		_ = byID[id].peer.writeFrame(frame)
	}
}

// dispose drops all per-session chat state.
func (s *chatService) dispose(id session.ID) {
	s.sessions.remove(id)
	s.visibility.Dispose(id)
	s.history.Dispose(id)
}
