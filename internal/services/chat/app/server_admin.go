package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/chatveil/internal/platform/errors"
	"github.com/louisbranch/chatveil/internal/services/chat/protocol"
	"github.com/louisbranch/chatveil/internal/services/chat/session"
	"github.com/louisbranch/chatveil/internal/services/chat/visibility"
)

const (
	adminSecretHeader   = "X-Admin-Secret"
	maxAdminBodyBytes   = 16 * 1024
	adminSessionIDParam = "id"
)

type sessionSummary struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	RoomID      string `json:"room_id,omitempty"`
	Locale      string `json:"locale"`
	ConnectedAt string `json:"connected_at"`
	LastAck     int64  `json:"last_ack,omitempty"`
}

type sessionsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

type transcriptResponse struct {
	SessionID string               `json:"session_id"`
	Entries   []protocol.Component `json:"entries"`
}

type tokenView struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type visibilityView struct {
	SessionID string            `json:"session_id"`
	Hidden    bool              `json:"hidden"`
	Diverging bool              `json:"diverging"`
	Pending   []tokenView       `json:"pending"`
	Buffered  []json.RawMessage `json:"buffered"`
}

type hiddenRequest struct {
	Hidden *bool `json:"hidden"`
}

type exceptionRequest struct {
	Kind    string          `json:"kind"`
	Content json.RawMessage `json:"content,omitempty"`
}

type adminErrorEnvelope struct {
	Error wsError `json:"error"`
}

func (s *chatService) registerAdminRoutes(mux *http.ServeMux) {
	mux.Handle("GET /admin/sessions", s.requireAdmin(s.handleAdminSessions))
	mux.Handle("GET /admin/sessions/{id}/history", s.requireAdmin(s.handleAdminHistory))
	mux.Handle("GET /admin/sessions/{id}/visibility", s.requireAdmin(s.handleAdminVisibility))
	mux.Handle("PUT /admin/sessions/{id}/hidden", s.requireAdmin(s.handleAdminHidden))
	mux.Handle("POST /admin/sessions/{id}/exceptions", s.requireAdmin(s.handleAdminException))
	mux.Handle("PUT /admin/users/{id}/divergence", s.requireAdmin(s.handleAdminDivergence(true)))
	mux.Handle("DELETE /admin/users/{id}/divergence", s.requireAdmin(s.handleAdminDivergence(false)))
}

func (s *chatService) requireAdmin(next http.HandlerFunc) http.Handler {
	secret := []byte(strings.TrimSpace(s.adminSecret))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := []byte(strings.TrimSpace(r.Header.Get(adminSecretHeader)))
		if len(provided) == 0 || subtle.ConstantTimeCompare(provided, secret) != 1 {
			writeAdminError(w, apperrors.New(apperrors.CodeUnauthenticated, "admin secret required"))
			return
		}
		next(w, r)
	})
}

func (s *chatService) handleAdminSessions(w http.ResponseWriter, _ *http.Request) {
	writeAdminJSON(w, http.StatusOK, sessionsResponse{Sessions: s.sessions.list()})
}

func (s *chatService) handleAdminHistory(w http.ResponseWriter, r *http.Request) {
	id, err := s.adminSession(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	entries := s.history.Read(id)
	if entries == nil {
		entries = []protocol.Component{}
	}
	writeAdminJSON(w, http.StatusOK, transcriptResponse{SessionID: id.String(), Entries: entries})
}

func (s *chatService) handleAdminVisibility(w http.ResponseWriter, r *http.Request) {
	id, err := s.adminSession(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, s.visibilityView(id))
}

func (s *chatService) handleAdminHidden(w http.ResponseWriter, r *http.Request) {
	id, err := s.adminSession(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	var req hiddenRequest
	if err := decodeAdminBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	if req.Hidden == nil {
		writeAdminError(w, apperrors.New(apperrors.CodeInvalidArgument, "hidden is required"))
		return
	}
	s.visibility.SetHidden(id, *req.Hidden)
	log.Printf("chat: admin set hidden session=%q hidden=%t", id, *req.Hidden)
	writeAdminJSON(w, http.StatusOK, s.visibilityView(id))
}

func (s *chatService) handleAdminException(w http.ResponseWriter, r *http.Request) {
	id, err := s.adminSession(r)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	var req exceptionRequest
	if err := decodeAdminBody(r, &req); err != nil {
		writeAdminError(w, err)
		return
	}
	kind, ok := visibility.ParseKind(strings.TrimSpace(req.Kind))
	if !ok {
		writeAdminError(w, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "unknown exception kind", map[string]string{"kind": req.Kind}))
		return
	}

	switch kind {
	case visibility.KindExactPayload:
		payload, ok := protocol.CanonicalPayload(req.Content)
		if !ok || !s.visibility.EnqueueExactPayload(id, payload) {
			writeAdminError(w, apperrors.New(apperrors.CodeInvalidArgument, "content must be a chat component"))
			return
		}
	case visibility.KindCountedPass:
		s.visibility.EnqueueCountedPass(id)
	case visibility.KindStandingAllow:
		s.visibility.EnqueueStandingAllow(id)
	}
	log.Printf("chat: admin enqueued exception session=%q kind=%s", id, kind)
	writeAdminJSON(w, http.StatusCreated, s.visibilityView(id))
}

func (s *chatService) handleAdminDivergence(awaiting bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue(adminSessionIDParam))
		if userID == "" {
			writeAdminError(w, apperrors.New(apperrors.CodeInvalidArgument, "user id is required"))
			return
		}
		s.divergence.Set(userID, awaiting)
		log.Printf("chat: admin set divergence user=%q awaiting=%t", userID, awaiting)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *chatService) adminSession(r *http.Request) (session.ID, error) {
	id, ok := session.Parse(r.PathValue(adminSessionIDParam))
	if !ok {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	if _, ok := s.sessions.get(id); !ok {
		return "", apperrors.WithMetadata(apperrors.CodeNotFound, "session not found", map[string]string{"session_id": id.String()})
	}
	return id, nil
}

func (s *chatService) visibilityView(id session.ID) visibilityView {
	state := s.visibility.Snapshot(id)
	view := visibilityView{
		SessionID: id.String(),
		Hidden:    state.Hidden,
		Diverging: s.pipelineOracle().HasDivergence(id),
		Pending:   make([]tokenView, 0, len(state.Pending)),
		Buffered:  make([]json.RawMessage, 0, len(state.Buffered)),
	}
	for _, token := range state.Pending {
		entry := tokenView{Kind: token.Kind().String()}
		if exact, ok := token.(visibility.ExactPayload); ok {
			entry.Payload = json.RawMessage(exact.JSON)
		}
		view.Pending = append(view.Pending, entry)
	}
	for _, payload := range state.Buffered {
		if !json.Valid(payload) {
			continue
		}
		view.Buffered = append(view.Buffered, json.RawMessage(payload))
	}
	return view
}

func (s *chatService) pipelineOracle() sessionOracle {
	return sessionOracle{sessions: s.sessions, set: s.divergence}
}

func decodeAdminBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxAdminBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.New(apperrors.CodeInvalidArgument, "request body is required")
		}
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("chat: write admin response err=%v", err)
	}
}

func writeAdminError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeAdminJSON(w, code.HTTPStatus(), adminErrorEnvelope{Error: wsError{
		Code:      string(code),
		Message:   apperrors.MessageOf(err, "internal error"),
		Retryable: code.Retryable(),
	}})
}
