package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/chatveil/internal/platform/errors"
	"github.com/louisbranch/chatveil/internal/platform/i18n"
	"github.com/louisbranch/chatveil/internal/platform/requestctx"
	"github.com/louisbranch/chatveil/internal/services/chat/protocol"
	"github.com/louisbranch/chatveil/internal/services/chat/session"
	"golang.org/x/net/websocket"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

// NewHandler creates chat routes for tests and offline paths.
// WebSocket auth is disabled in this constructor.
func NewHandler() http.Handler {
	return newChatService(serviceDeps{}).routes()
}

// NewHandlerWithAuthorizer creates chat routes with enforced websocket identity checks.
func NewHandlerWithAuthorizer(authorizer wsAuthorizer) http.Handler {
	return newChatService(serviceDeps{authorizer: authorizer, requireAuth: true}).routes()
}

func (s *chatService) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(s.handleWSConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if s.requireAuth {
			if s.authorizer == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("chat: websocket unauthorized: missing fs_token host=%q remote=%s path=%q", r.Host, r.RemoteAddr, r.URL.Path)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			userID, err := s.authorizer.Authenticate(r.Context(), accessToken)
			if err != nil || strings.TrimSpace(userID) == "" {
				if err != nil {
					log.Printf("chat: websocket unauthorized: auth failed host=%q remote=%s code=%s err=%v", r.Host, r.RemoteAddr, apperrors.CodeOf(err), err)
				} else {
					log.Printf("chat: websocket unauthorized: empty user id after auth host=%q remote=%s", r.Host, r.RemoteAddr)
				}
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			r = r.WithContext(requestctx.WithUserID(r.Context(), userID))
		}

		wsHandler.ServeHTTP(w, r)
	})

	if strings.TrimSpace(s.adminSecret) != "" {
		s.registerAdminRoutes(mux)
	}
	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func (s *chatService) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	userID := "participant"
	locale := i18n.DefaultTag()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		if resolved := requestctx.UserIDFromContext(ctx); resolved != "" {
			userID = resolved
		}
		locale = i18n.MatchAcceptLanguage(request.Header.Get("Accept-Language"))
	}

	peer := newWSPeer(json.NewEncoder(conn))
	sessionID, err := session.NewID()
	if err != nil {
		log.Printf("chat: session id generation failed user=%q err=%v", userID, err)
		_ = writeWSError(peer, "", apperrors.New(apperrors.CodeUnavailable, "session unavailable"))
		return
	}
	ctx = requestctx.WithSessionID(ctx, sessionID.String())
	current := newWSSession(sessionID, userID, locale, peer)
	s.sessions.add(current)
	defer func() {
		if room := current.currentRoom(); room != nil {
			s.leaveRoom(ctx, room, current)
		}
		s.dispose(current.id)
	}()

	maxFramesPerSecond := s.settings.Transport.MaxFramesPerSecond
	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decoder := json.NewDecoder(conn)
	decodeErrors := 0

	for {
		var frame protocol.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", apperrors.New(apperrors.CodeInvalidArgument, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// A failed decoder stays failed; drop the rest of the bad frame.
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "payload too large"))
			continue
		}
		if !limiter.Allow() {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeResourceExhausted, "rate limit exceeded"))
			return
		}

		if protocol.IsInboundChatType(frame.Type) && !s.admitInbound(ctx, current, frame.Type) {
			continue
		}

		switch frame.Type {
		case protocol.TypeJoin:
			s.handleJoinFrame(ctx, current, frame)
		case protocol.TypeSend:
			s.handleSendFrame(ctx, current, frame)
		case protocol.TypeCommand, protocol.TypeCommandSigned:
			s.handleCommandFrame(ctx, current, frame)
		case protocol.TypeSessionUpdate:
			s.handleSessionUpdateFrame(current, frame)
		case protocol.TypeAck:
			s.handleClientAckFrame(current, frame)
		case protocol.TypeHistoryBefore:
			s.handleHistoryBeforeFrame(current, frame)
		case protocol.TypeTranscript:
			s.handleTranscriptFrame(current, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "unsupported frame type"))
		}
	}
}

func (s *chatService) leaveRoom(ctx context.Context, room *chatRoom, current *wsSession) {
	if room == nil || current == nil {
		return
	}
	remaining := room.leave(current)
	if len(remaining) == 0 {
		return
	}
	body := i18n.Printer(i18n.DefaultTag()).Sprintf(i18n.KeyLeft, current.userID)
	s.fanOut(ctx, current, remaining, protocol.TypeSystem, s.systemMessage(room.roomID, protocol.KindInfo, i18n.DefaultTag(), body))
}

func (s *chatService) handleJoinFrame(ctx context.Context, current *wsSession, frame protocol.Frame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "invalid join payload"))
		return
	}

	roomID := strings.TrimSpace(payload.RoomID)
	if roomID == "" {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "room_id is required"))
		return
	}

	room := s.hub.room(roomID)
	previous := current.setRoom(room)
	if previous == room {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeFailedPrecondition, "already joined room"))
		return
	}
	if previous != nil {
		s.leaveRoom(ctx, previous, current)
	}
	latest, others := room.join(current)

	_ = current.peer.writeFrame(protocol.Frame{
		Type:      protocol.TypeJoined,
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			RoomID:           roomID,
			SessionID:        current.id.String(),
			LatestSequenceID: latest,
			ServerTime:       time.Now().UTC().Format(time.RFC3339),
		}),
	})

	locale := current.currentLocale()
	welcome := s.systemMessage(roomID, protocol.KindSystem, locale, s.welcomeBody(current, roomID, locale))
	welcome.SequenceID = latest
	s.deliver(ctx, current, protocol.TypeSystem, welcome)

	if len(others) > 0 {
		body := i18n.Printer(i18n.DefaultTag()).Sprintf(i18n.KeyJoined, current.userID)
		s.fanOut(ctx, current, others, protocol.TypeSystem, s.systemMessage(roomID, protocol.KindInfo, i18n.DefaultTag(), body))
	}
}

func (s *chatService) welcomeBody(current *wsSession, roomID string, locale language.Tag) string {
	printer := i18n.Printer(locale)
	if detail, ok := s.objectives.CurrentObjectiveDetail(current.userID); ok {
		return printer.Sprintf(i18n.KeyWelcomeObjective, current.userID, roomID, detail)
	}
	return printer.Sprintf(i18n.KeyWelcome, current.userID, roomID)
}

func (s *chatService) systemMessage(roomID string, kind string, locale language.Tag, body string) chatMessage {
	actor := messageActor{
		ParticipantID: "system",
		Name:          i18n.Printer(locale).Sprintf(i18n.KeySystemLabel),
	}
	return chatMessage{
		MessageID: fmt.Sprintf("sys_%d", time.Now().UnixNano()),
		RoomID:    roomID,
		SentAt:    time.Now().UTC().Format(time.RFC3339),
		Kind:      kind,
		Actor:     actor,
		Body:      body,
		Content:   renderContent(kind, actor, body),
	}
}

func (s *chatService) handleSendFrame(ctx context.Context, current *wsSession, frame protocol.Frame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "invalid send payload"))
		return
	}

	clientMessageID := strings.TrimSpace(payload.ClientMessageID)
	if clientMessageID == "" {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "client_message_id is required"))
		return
	}
	if utf8.RuneCountInString(clientMessageID) > maxClientMessageIDRunes {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "client_message_id must be at most 128 characters"))
		return
	}

	body, err := validateBody(payload.Body)
	if err != nil {
		_ = writeWSError(current.peer, frame.RequestID, err)
		return
	}

	room := current.currentRoom()
	if room == nil {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeForbidden, "must join room before sending"))
		return
	}

	if s.inputSink != nil && s.divergence.Awaiting(current.userID) {
		if err := s.inputSink.SubmitInput(ctx, current.userID, body); err != nil {
			log.Printf("chat: submit input failed user=%q session=%q err=%v", current.userID, current.id, err)
			_ = writeWSError(current.peer, frame.RequestID, apperrors.Wrap(apperrors.CodeUnavailable, "game input unavailable", err))
			return
		}
		writeAck(current.peer, frame.RequestID, ackResult{Status: "submitted"})
		return
	}

	msg, duplicate, recipients := room.appendMessage(actorFor(current), protocol.KindText, body, clientMessageID)
	writeAck(current.peer, frame.RequestID, ackResult{
		Status:     "ok",
		MessageID:  msg.MessageID,
		SequenceID: msg.SequenceID,
	})
	if duplicate {
		return
	}
	s.fanOut(ctx, current, recipients, protocol.TypeMessage, msg)
}

func (s *chatService) handleCommandFrame(ctx context.Context, current *wsSession, frame protocol.Frame) {
	var payload commandPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "invalid command payload"))
		return
	}
	name := strings.ToLower(strings.TrimSpace(payload.Name))
	if name == "" || utf8.RuneCountInString(name) > maxCommandNameRunes {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "command name is required"))
		return
	}
	if name != "me" {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.WithMetadata(apperrors.CodeUnimplemented, "unsupported command", map[string]string{"command": name}))
		return
	}

	body, err := validateBody(payload.Args)
	if err != nil {
		_ = writeWSError(current.peer, frame.RequestID, err)
		return
	}
	room := current.currentRoom()
	if room == nil {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeForbidden, "must join room before sending"))
		return
	}

	msg, _, recipients := room.appendMessage(actorFor(current), protocol.KindEmote, body, "")
	writeAck(current.peer, frame.RequestID, ackResult{
		Status:     "ok",
		MessageID:  msg.MessageID,
		SequenceID: msg.SequenceID,
	})
	s.fanOut(ctx, current, recipients, protocol.TypeMessage, msg)
}

func (s *chatService) handleSessionUpdateFrame(current *wsSession, frame protocol.Frame) {
	var payload sessionUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "invalid session update payload"))
		return
	}
	tag, ok := i18n.ParseTag(payload.Locale)
	if !ok {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "unsupported locale"))
		return
	}
	current.setLocale(tag)
	writeAck(current.peer, frame.RequestID, ackResult{Status: "ok", Locale: tag.String()})
}

func (s *chatService) handleClientAckFrame(current *wsSession, frame protocol.Frame) {
	var payload clientAckPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.SequenceID < 0 {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "invalid ack payload"))
		return
	}
	current.acknowledge(payload.SequenceID)
}

func (s *chatService) handleHistoryBeforeFrame(current *wsSession, frame protocol.Frame) {
	var payload historyBeforePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "invalid history payload"))
		return
	}
	if payload.BeforeSequenceID < 1 {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "before_sequence_id must be >= 1"))
		return
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultHistoryLimit
	}
	if payload.Limit > maxHistoryLimit {
		payload.Limit = maxHistoryLimit
	}

	room := current.currentRoom()
	if room == nil {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeForbidden, "must join room before requesting history"))
		return
	}
	if s.visibility.IsHidden(current.id) {
		_ = writeWSError(current.peer, frame.RequestID, apperrors.New(apperrors.CodeFailedPrecondition, "history is unavailable while chat is hidden"))
		return
	}

	messages := room.historyBefore(payload.BeforeSequenceID, payload.Limit)
	for _, msg := range messages {
		_ = current.peer.writeFrame(protocol.Frame{
			Type:    protocol.TypeHistoryMessage,
			Payload: mustJSON(messageEnvelope{Message: msg}),
		})
	}
	writeAck(current.peer, frame.RequestID, ackResult{Status: "ok", Count: len(messages)})
}

func (s *chatService) handleTranscriptFrame(current *wsSession, frame protocol.Frame) {
	entries := s.history.Read(current.id)
	if entries == nil {
		entries = []protocol.Component{}
	}
	_ = current.peer.writeFrame(protocol.Frame{
		Type:      protocol.TypeTranscript,
		RequestID: frame.RequestID,
		Payload: mustJSON(transcriptPayload{
			SessionID: current.id.String(),
			Entries:   entries,
		}),
	})
}

func actorFor(current *wsSession) messageActor {
	return messageActor{
		ParticipantID: current.userID,
		Name:          current.userID,
	}
}

func validateBody(raw string) (string, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "body is required")
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "body must be at most 2000 characters")
	}
	return body, nil
}

func writeAck(peer *wsPeer, requestID string, result ackResult) {
	_ = peer.writeFrame(protocol.Frame{
		Type:      protocol.TypeAck,
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: result}),
	})
}

func writeWSError(peer *wsPeer, requestID string, err error) error {
	code := apperrors.CodeOf(err)
	details := map[string]string(nil)
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && len(appErr.Metadata) > 0 {
		details = appErr.Metadata
	}
	return peer.writeFrame(protocol.Frame{
		Type:      protocol.TypeError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   apperrors.MessageOf(err, "internal error"),
				Retryable: code.Retryable(),
				Details:   details,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("chat: marshal websocket frame payload err=%v", err)
		return nil
	}
	return b
}
