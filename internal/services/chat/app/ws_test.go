package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/chatveil/internal/platform/config"
	"github.com/louisbranch/chatveil/internal/services/chat/divergence"
	"github.com/louisbranch/chatveil/internal/services/chat/objective"
	"golang.org/x/net/websocket"
)

const testAdminSecret = "admin-secret"

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsTestAckPayload struct {
	Result struct {
		Status     string `json:"status"`
		MessageID  string `json:"message_id"`
		SequenceID int64  `json:"sequence_id"`
		Count      int    `json:"count"`
		Locale     string `json:"locale"`
	} `json:"result"`
}

type wsTestMessagePayload struct {
	Message struct {
		SequenceID int64  `json:"sequence_id"`
		Kind       string `json:"kind"`
		Body       string `json:"body"`
		Content    struct {
			Text   string `json:"text"`
			Italic bool   `json:"italic"`
		} `json:"content"`
	} `json:"message"`
}

type wsTestJoinedPayload struct {
	RoomID    string `json:"room_id"`
	SessionID string `json:"session_id"`
}

type wsTestErrorPayload struct {
	Error struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

type wsTestTranscriptPayload struct {
	SessionID string `json:"session_id"`
	Entries   []struct {
		Text string `json:"text"`
	} `json:"entries"`
}

// fakeWSAuthorizer maps fs_token values to user ids.
type fakeWSAuthorizer struct {
	userID  string
	users   map[string]string
	authErr error
}

func (f fakeWSAuthorizer) Authenticate(_ context.Context, token string) (string, error) {
	if f.authErr != nil {
		return "", f.authErr
	}
	if f.users != nil {
		userID, ok := f.users[token]
		if !ok {
			return "", errors.New("unknown token")
		}
		return userID, nil
	}
	if strings.TrimSpace(f.userID) == "" {
		return "", errors.New("missing user id")
	}
	return strings.TrimSpace(f.userID), nil
}

type submittedInput struct {
	userID string
	text   string
}

type fakeInputSink struct {
	mu     sync.Mutex
	inputs []submittedInput
	err    error
}

func (f *fakeInputSink) SubmitInput(_ context.Context, userID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inputs = append(f.inputs, submittedInput{userID: userID, text: text})
	return nil
}

func (f *fakeInputSink) submitted() []submittedInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submittedInput(nil), f.inputs...)
}

func newTestServer(t *testing.T, deps serviceDeps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newChatService(deps).routes())
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	return dialWSWithHandler(t, NewHandler(), path, "")
}

func dialWSWithHandler(t *testing.T, handler http.Handler, path string, cookie string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, err := dialWSWithServerURL(srv.URL, path, cookie)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialWSWithHandlerErr(t *testing.T, handler http.Handler, path string, cookie string) error {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, err := dialWSWithServerURL(srv.URL, path, cookie)
	if conn != nil {
		_ = conn.Close()
	}
	return err
}

func dialWSWithServerURL(httpURL string, path string, cookie string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	if strings.TrimSpace(cookie) == "" {
		return websocket.Dial(wsURL, "", httpURL)
	}
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("Cookie", cookie)
	return websocket.DialConfig(cfg)
}

func dialWSWithExistingServer(t *testing.T, srv *httptest.Server, path string, cookie string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSWithServerURL(srv.URL, path, cookie)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func expectFrame(t *testing.T, conn *websocket.Conn, frameType string) wsTestFrame {
	t.Helper()
	got := readFrame(t, conn)
	if got.Type != frameType {
		t.Fatalf("frame type = %q, want %q (payload %s)", got.Type, frameType, string(got.Payload))
	}
	return got
}

func decodeAckPayload(t *testing.T, payload json.RawMessage) wsTestAckPayload {
	t.Helper()
	var ack wsTestAckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	return ack
}

func decodeMessagePayload(t *testing.T, payload json.RawMessage) wsTestMessagePayload {
	t.Helper()
	var msg wsTestMessagePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	return msg
}

func decodeErrorCode(t *testing.T, payload json.RawMessage) string {
	t.Helper()
	var envelope wsTestErrorPayload
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return envelope.Error.Code
}

func decodeTranscript(t *testing.T, payload json.RawMessage) []string {
	t.Helper()
	var transcript wsTestTranscriptPayload
	if err := json.Unmarshal(payload, &transcript); err != nil {
		t.Fatalf("decode transcript payload: %v", err)
	}
	texts := make([]string, 0, len(transcript.Entries))
	for _, entry := range transcript.Entries {
		texts = append(texts, entry.Text)
	}
	return texts
}

// joinRoom joins roomID, consumes the welcome line and returns the session id.
func joinRoom(t *testing.T, conn *websocket.Conn, roomID string) string {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       "chat.join",
		"request_id": "req-join-1",
		"payload": map[string]any{
			"room_id":          roomID,
			"last_sequence_id": 0,
		},
	})
	got := expectFrame(t, conn, "chat.joined")
	var joined wsTestJoinedPayload
	if err := json.Unmarshal(got.Payload, &joined); err != nil {
		t.Fatalf("decode joined payload: %v", err)
	}
	if joined.SessionID == "" {
		t.Fatal("expected session id in joined payload")
	}
	welcome := expectFrame(t, conn, "chat.system")
	if msg := decodeMessagePayload(t, welcome.Payload); msg.Message.Kind != "system" {
		t.Fatalf("welcome kind = %q, want system", msg.Message.Kind)
	}
	return joined.SessionID
}

func sendChat(t *testing.T, conn *websocket.Conn, clientMessageID string, body string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       "chat.send",
		"request_id": "req-" + clientMessageID,
		"payload": map[string]any{
			"client_message_id": clientMessageID,
			"body":              body,
		},
	})
}

// requestTranscript asks for this connection's transcript and returns the next
// frame. Frames are handled in order, so everything delivered before the
// request has already been written when it is answered.
func requestTranscript(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       "chat.transcript",
		"request_id": "req-transcript",
		"payload":    map[string]any{},
	})
	return readFrame(t, conn)
}

func adminRequest(t *testing.T, srv *httptest.Server, method string, path string, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build admin request: %v", err)
	}
	req.Header.Set(adminSecretHeader, testAdminSecret)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("admin request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read admin response: %v", err)
	}
	return resp.StatusCode, data
}

func setHidden(t *testing.T, srv *httptest.Server, sessionID string, hidden bool) {
	t.Helper()
	body := `{"hidden":false}`
	if hidden {
		body = `{"hidden":true}`
	}
	status, data := adminRequest(t, srv, http.MethodPut, "/admin/sessions/"+sessionID+"/hidden", body)
	if status != http.StatusOK {
		t.Fatalf("set hidden status = %d, body %s", status, string(data))
	}
}

func TestWebSocketJoinReturnsJoinedFrameAndWelcome(t *testing.T) {
	conn := dialWS(t, "/ws")

	writeFrame(t, conn, map[string]any{
		"type":       "chat.join",
		"request_id": "req-join-1",
		"payload": map[string]any{
			"room_id":          "room-1",
			"last_sequence_id": 0,
		},
	})

	got := expectFrame(t, conn, "chat.joined")
	if !strings.Contains(string(got.Payload), "room-1") {
		t.Fatalf("joined payload = %s, expected room id", string(got.Payload))
	}
	if got.RequestID != "req-join-1" {
		t.Fatalf("request id = %q, want req-join-1", got.RequestID)
	}

	welcome := decodeMessagePayload(t, expectFrame(t, conn, "chat.system").Payload)
	if !strings.Contains(welcome.Message.Body, "room-1") {
		t.Fatalf("welcome body = %q, expected room id", welcome.Message.Body)
	}
	if strings.Contains(welcome.Message.Body, "objective") {
		t.Fatalf("welcome body = %q, expected no objective", welcome.Message.Body)
	}
}

func TestWebSocketWelcomeIncludesObjective(t *testing.T) {
	board := objective.NewBoard()
	board.Set("participant", "Find the lighthouse key")
	srv := newTestServer(t, serviceDeps{objectives: board})
	conn := dialWSWithExistingServer(t, srv, "/ws", "")

	writeFrame(t, conn, map[string]any{
		"type":    "chat.join",
		"payload": map[string]any{"room_id": "room-1"},
	})
	expectFrame(t, conn, "chat.joined")
	welcome := decodeMessagePayload(t, expectFrame(t, conn, "chat.system").Payload)
	if !strings.Contains(welcome.Message.Body, "Find the lighthouse key") {
		t.Fatalf("welcome body = %q, expected objective", welcome.Message.Body)
	}
}

func TestWebSocketWelcomeUsesAcceptLanguage(t *testing.T) {
	srv := newTestServer(t, serviceDeps{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	if err != nil {
		t.Fatalf("websocket config: %v", err)
	}
	cfg.Header = http.Header{"Accept-Language": []string{"pt-BR,pt;q=0.9"}}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	writeFrame(t, conn, map[string]any{
		"type":    "chat.join",
		"payload": map[string]any{"room_id": "sala-1"},
	})
	expectFrame(t, conn, "chat.joined")
	welcome := decodeMessagePayload(t, expectFrame(t, conn, "chat.system").Payload)
	if !strings.Contains(welcome.Message.Body, "sala-1") || strings.HasPrefix(welcome.Message.Body, "Welcome") {
		t.Fatalf("welcome body = %q, expected localized text", welcome.Message.Body)
	}
}

func TestWebSocketRejoinSameRoomFails(t *testing.T) {
	conn := dialWS(t, "/ws")
	joinRoom(t, conn, "room-1")

	writeFrame(t, conn, map[string]any{
		"type":    "chat.join",
		"payload": map[string]any{"room_id": "room-1"},
	})
	got := expectFrame(t, conn, "chat.error")
	if code := decodeErrorCode(t, got.Payload); code != "FAILED_PRECONDITION" {
		t.Fatalf("error code = %q, want FAILED_PRECONDITION", code)
	}
}

func TestWebSocketUnknownTypeReturnsChatError(t *testing.T) {
	conn := dialWS(t, "/ws")

	writeFrame(t, conn, map[string]any{
		"type":       "chat.unknown",
		"request_id": "req-bad-1",
		"payload":    map[string]any{},
	})

	got := expectFrame(t, conn, "chat.error")
	if code := decodeErrorCode(t, got.Payload); code != "INVALID_ARGUMENT" {
		t.Fatalf("error code = %q, want INVALID_ARGUMENT", code)
	}
}

func TestWebSocketMalformedFrameRecovers(t *testing.T) {
	conn := dialWS(t, "/ws")

	if _, err := conn.Write([]byte("{not json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}
	got := expectFrame(t, conn, "chat.error")
	if code := decodeErrorCode(t, got.Payload); code != "INVALID_ARGUMENT" {
		t.Fatalf("error code = %q, want INVALID_ARGUMENT", code)
	}

	joinRoom(t, conn, "room-1")
}

func TestWebSocketSendBeforeJoinReturnsForbidden(t *testing.T) {
	conn := dialWS(t, "/ws")

	sendChat(t, conn, "cli-1", "hello")

	got := expectFrame(t, conn, "chat.error")
	if code := decodeErrorCode(t, got.Payload); code != "FORBIDDEN" {
		t.Fatalf("error code = %q, want FORBIDDEN", code)
	}
}

func TestWebSocketSendBroadcastsWithinRoom(t *testing.T) {
	srv := httptest.NewServer(NewHandler())
	t.Cleanup(srv.Close)

	connA := dialWSWithExistingServer(t, srv, "/ws", "")
	connB := dialWSWithExistingServer(t, srv, "/ws", "")

	joinRoom(t, connA, "room-1")
	joinRoom(t, connB, "room-1")
	joinedNotice := decodeMessagePayload(t, expectFrame(t, connA, "chat.system").Payload)
	if joinedNotice.Message.Kind != "info" {
		t.Fatalf("join notice kind = %q, want info", joinedNotice.Message.Kind)
	}

	sendChat(t, connA, "cli-1", "hello room")

	expectFrame(t, connA, "chat.ack")
	expectFrame(t, connA, "chat.message")

	receiverMessage := expectFrame(t, connB, "chat.message")
	payload := decodeMessagePayload(t, receiverMessage.Payload)
	if payload.Message.Body != "hello room" {
		t.Fatalf("receiver message body = %q, want %q", payload.Message.Body, "hello room")
	}
	if payload.Message.Content.Text != "hello room" {
		t.Fatalf("receiver content text = %q, want %q", payload.Message.Content.Text, "hello room")
	}
}

func TestWebSocketSendIsIdempotentByClientMessageID(t *testing.T) {
	conn := dialWS(t, "/ws")
	joinRoom(t, conn, "room-1")

	sendChat(t, conn, "cli-dup-1", "hello once")
	firstAck := expectFrame(t, conn, "chat.ack")
	_ = readFrame(t, conn)

	sendChat(t, conn, "cli-dup-1", "hello twice")
	secondAck := expectFrame(t, conn, "chat.ack")

	first := decodeAckPayload(t, firstAck.Payload)
	second := decodeAckPayload(t, secondAck.Payload)
	if first.Result.MessageID == "" {
		t.Fatal("expected first ack message_id")
	}
	if first.Result.MessageID != second.Result.MessageID {
		t.Fatalf("message_id mismatch: %q != %q", first.Result.MessageID, second.Result.MessageID)
	}
	if first.Result.SequenceID != second.Result.SequenceID {
		t.Fatalf("sequence_id mismatch: %d != %d", first.Result.SequenceID, second.Result.SequenceID)
	}

	// The duplicate is not fanned out again.
	if got := requestTranscript(t, conn); got.Type != "chat.transcript" {
		t.Fatalf("frame type = %q, want chat.transcript", got.Type)
	}
}

func TestWebSocketHistoryBeforeReplaysMessagesAndAck(t *testing.T) {
	conn := dialWS(t, "/ws")
	joinRoom(t, conn, "room-1")

	sendChat(t, conn, "cli-1", "m1")
	_ = readFrame(t, conn)
	_ = readFrame(t, conn)
	sendChat(t, conn, "cli-2", "m2")
	_ = readFrame(t, conn)
	_ = readFrame(t, conn)

	writeFrame(t, conn, map[string]any{
		"type":       "chat.history.before",
		"request_id": "req-history-1",
		"payload": map[string]any{
			"before_sequence_id": 3,
			"limit":              10,
		},
	})

	m1 := expectFrame(t, conn, "chat.history.message")
	m2 := expectFrame(t, conn, "chat.history.message")
	if decodeMessagePayload(t, m1.Payload).Message.Body != "m1" || decodeMessagePayload(t, m2.Payload).Message.Body != "m2" {
		t.Fatalf("unexpected replay order: %s, %s", string(m1.Payload), string(m2.Payload))
	}
	ack := decodeAckPayload(t, expectFrame(t, conn, "chat.ack").Payload)
	if ack.Result.Count != 2 {
		t.Fatalf("history ack count = %d, want 2", ack.Result.Count)
	}

	// Replay frames are not recorded in the transcript.
	entries := decodeTranscript(t, expectFrameAfterTranscript(t, conn).Payload)
	if len(entries) != 3 {
		t.Fatalf("transcript = %v, want welcome plus two messages", entries)
	}
}

func expectFrameAfterTranscript(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	got := requestTranscript(t, conn)
	if got.Type != "chat.transcript" {
		t.Fatalf("frame type = %q, want chat.transcript", got.Type)
	}
	return got
}

func TestWebSocketMeCommandSendsEmote(t *testing.T) {
	conn := dialWS(t, "/ws")
	joinRoom(t, conn, "room-1")

	writeFrame(t, conn, map[string]any{
		"type":       "chat.command",
		"request_id": "req-cmd-1",
		"payload":    map[string]any{"name": "me", "args": "waves"},
	})
	expectFrame(t, conn, "chat.ack")
	msg := decodeMessagePayload(t, expectFrame(t, conn, "chat.message").Payload)
	if msg.Message.Kind != "emote" {
		t.Fatalf("kind = %q, want emote", msg.Message.Kind)
	}
	if msg.Message.Content.Text != "* participant waves" || !msg.Message.Content.Italic {
		t.Fatalf("content = %+v, want italic emote", msg.Message.Content)
	}
}

func TestWebSocketSignedCommandIsHandledLikeCommand(t *testing.T) {
	conn := dialWS(t, "/ws")
	joinRoom(t, conn, "room-1")

	writeFrame(t, conn, map[string]any{
		"type":    "chat.command.signed",
		"payload": map[string]any{"name": "ME", "args": "nods", "signature": "sig"},
	})
	expectFrame(t, conn, "chat.ack")
	if msg := decodeMessagePayload(t, expectFrame(t, conn, "chat.message").Payload); msg.Message.Body != "nods" {
		t.Fatalf("body = %q, want nods", msg.Message.Body)
	}
}

func TestWebSocketUnknownCommandIsUnimplemented(t *testing.T) {
	conn := dialWS(t, "/ws")
	joinRoom(t, conn, "room-1")

	writeFrame(t, conn, map[string]any{
		"type":    "chat.command",
		"payload": map[string]any{"name": "roll", "args": "2d6"},
	})
	got := expectFrame(t, conn, "chat.error")
	var envelope wsTestErrorPayload
	if err := json.Unmarshal(got.Payload, &envelope); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envelope.Error.Code != "UNIMPLEMENTED" {
		t.Fatalf("error code = %q, want UNIMPLEMENTED", envelope.Error.Code)
	}
	if envelope.Error.Details["command"] != "roll" {
		t.Fatalf("details = %v, want command=roll", envelope.Error.Details)
	}
}

func TestWebSocketSessionUpdateSetsLocale(t *testing.T) {
	conn := dialWS(t, "/ws")

	writeFrame(t, conn, map[string]any{
		"type":    "chat.session.update",
		"payload": map[string]any{"locale": "pt-BR"},
	})
	ack := decodeAckPayload(t, expectFrame(t, conn, "chat.ack").Payload)
	if ack.Result.Locale != "pt-BR" {
		t.Fatalf("locale = %q, want pt-BR", ack.Result.Locale)
	}

	writeFrame(t, conn, map[string]any{
		"type":    "chat.session.update",
		"payload": map[string]any{"locale": "!!"},
	})
	if code := decodeErrorCode(t, expectFrame(t, conn, "chat.error").Payload); code != "INVALID_ARGUMENT" {
		t.Fatalf("error code = %q, want INVALID_ARGUMENT", code)
	}
}

func TestWebSocketHiddenSessionSuppressesAndBuffers(t *testing.T) {
	srv := newTestServer(t, serviceDeps{adminSecret: testAdminSecret})
	connA := dialWSWithExistingServer(t, srv, "/ws", "")
	connB := dialWSWithExistingServer(t, srv, "/ws", "")

	joinRoom(t, connA, "room-1")
	sessionB := joinRoom(t, connB, "room-1")
	expectFrame(t, connA, "chat.system")

	setHidden(t, srv, sessionB, true)

	sendChat(t, connA, "cli-1", "hello")
	expectFrame(t, connA, "chat.ack")
	expectFrame(t, connA, "chat.message")
	expectFrameAfterTranscript(t, connA)

	transcript := expectFrameAfterTranscript(t, connB)
	entries := decodeTranscript(t, transcript.Payload)
	if len(entries) != 2 || entries[1] != "hello" {
		t.Fatalf("transcript = %v, want welcome then hello", entries)
	}

	status, data := adminRequest(t, srv, http.MethodGet, "/admin/sessions/"+sessionB+"/visibility", "")
	if status != http.StatusOK {
		t.Fatalf("visibility status = %d", status)
	}
	var view visibilityView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("decode visibility: %v", err)
	}
	if !view.Hidden || len(view.Buffered) != 1 || string(view.Buffered[0]) != `{"text":"hello"}` {
		t.Fatalf("visibility = %+v (%s)", view, string(data))
	}

	status, data = adminRequest(t, srv, http.MethodPost, "/admin/sessions/"+sessionB+"/exceptions",
		`{"kind":"exact_payload","content":{ "text" : "again" }}`)
	if status != http.StatusCreated {
		t.Fatalf("exception status = %d, body %s", status, string(data))
	}

	sendChat(t, connA, "cli-2", "again")
	expectFrame(t, connA, "chat.ack")
	expectFrame(t, connA, "chat.message")
	if msg := decodeMessagePayload(t, expectFrame(t, connB, "chat.message").Payload); msg.Message.Body != "again" {
		t.Fatalf("body = %q, want again", msg.Message.Body)
	}

	sendChat(t, connA, "cli-3", "again")
	expectFrame(t, connA, "chat.ack")
	expectFrame(t, connA, "chat.message")
	expectFrameAfterTranscript(t, connA)
	expectFrameAfterTranscript(t, connB)

	setHidden(t, srv, sessionB, false)
	sendChat(t, connA, "cli-4", "visible")
	expectFrame(t, connA, "chat.ack")
	if msg := decodeMessagePayload(t, expectFrame(t, connB, "chat.message").Payload); msg.Message.Body != "visible" {
		t.Fatalf("body = %q, want visible", msg.Message.Body)
	}
}

func TestWebSocketHiddenSessionCannotSendOrReplay(t *testing.T) {
	srv := newTestServer(t, serviceDeps{adminSecret: testAdminSecret})
	conn := dialWSWithExistingServer(t, srv, "/ws", "")
	sessionID := joinRoom(t, conn, "room-1")

	setHidden(t, srv, sessionID, true)

	sendChat(t, conn, "cli-1", "psst")
	// The send is dropped without a reply.
	expectFrameAfterTranscript(t, conn)

	writeFrame(t, conn, map[string]any{
		"type":    "chat.history.before",
		"payload": map[string]any{"before_sequence_id": 10},
	})
	if code := decodeErrorCode(t, expectFrame(t, conn, "chat.error").Payload); code != "FAILED_PRECONDITION" {
		t.Fatalf("error code = %q, want FAILED_PRECONDITION", code)
	}
}

func TestWebSocketDivergingSessionSubmitsInput(t *testing.T) {
	set := divergence.NewSet()
	sink := &fakeInputSink{}
	srv := newTestServer(t, serviceDeps{
		authorizer:  fakeWSAuthorizer{users: map[string]string{"tok-a": "user-a", "tok-b": "user-b"}},
		requireAuth: true,
		adminSecret: testAdminSecret,
		divergence:  set,
		inputSink:   sink,
	})
	connA := dialWSWithExistingServer(t, srv, "/ws", "fs_token=tok-a")
	connB := dialWSWithExistingServer(t, srv, "/ws", "fs_token=tok-b")
	joinRoom(t, connA, "room-1")
	sessionB := joinRoom(t, connB, "room-1")
	expectFrame(t, connA, "chat.system")

	set.Set("user-b", true)
	setHidden(t, srv, sessionB, true)

	// Diverging sessions may still talk while hidden.
	sendChat(t, connB, "cli-b1", "open the door")
	ack := decodeAckPayload(t, expectFrame(t, connB, "chat.ack").Payload)
	if ack.Result.Status != "submitted" {
		t.Fatalf("ack status = %q, want submitted", ack.Result.Status)
	}
	got := sink.submitted()
	if len(got) != 1 || got[0] != (submittedInput{userID: "user-b", text: "open the door"}) {
		t.Fatalf("submitted = %+v", got)
	}

	// Room chat is still suppressed for the diverging session.
	sendChat(t, connA, "cli-a1", "anyone?")
	expectFrame(t, connA, "chat.ack")
	expectFrame(t, connA, "chat.message")
	expectFrameAfterTranscript(t, connA)
	expectFrameAfterTranscript(t, connB)

	set.Set("user-b", false)
	setHidden(t, srv, sessionB, false)
	sendChat(t, connB, "cli-b2", "back")
	if ack := decodeAckPayload(t, expectFrame(t, connB, "chat.ack").Payload); ack.Result.Status != "ok" {
		t.Fatalf("ack status = %q, want ok", ack.Result.Status)
	}
}

func TestWebSocketBroadcastModeUsesCoarseFilter(t *testing.T) {
	settings := config.DefaultSettings()
	settings.Intercept.Mode = config.InterceptModeBroadcast
	srv := newTestServer(t, serviceDeps{adminSecret: testAdminSecret, settings: settings})
	connA := dialWSWithExistingServer(t, srv, "/ws", "")
	connB := dialWSWithExistingServer(t, srv, "/ws", "")
	sessionA := joinRoom(t, connA, "room-1")
	sessionB := joinRoom(t, connB, "room-1")
	expectFrame(t, connA, "chat.system")

	setHidden(t, srv, sessionB, true)
	sendChat(t, connA, "cli-1", "hello")
	expectFrame(t, connA, "chat.ack")
	expectFrame(t, connA, "chat.message")
	expectFrameAfterTranscript(t, connA)

	transcript := expectFrameAfterTranscript(t, connB)
	if entries := decodeTranscript(t, transcript.Payload); len(entries) != 0 {
		t.Fatalf("transcript = %v, want empty in broadcast mode", entries)
	}

	// A hidden sender's broadcast is cancelled for everyone.
	setHidden(t, srv, sessionB, false)
	setHidden(t, srv, sessionA, true)
	sendChat(t, connA, "cli-2", "muted")
	expectFrame(t, connA, "chat.ack")
	expectFrameAfterTranscript(t, connA)
	expectFrameAfterTranscript(t, connB)
}

func TestWebSocketRateLimitClosesConnection(t *testing.T) {
	settings := config.DefaultSettings()
	settings.Transport.MaxFramesPerSecond = 2
	srv := newTestServer(t, serviceDeps{settings: settings})
	conn := dialWSWithExistingServer(t, srv, "/ws", "")

	for i := 0; i < 3; i++ {
		writeFrame(t, conn, map[string]any{"type": "chat.transcript", "payload": map[string]any{}})
	}
	expectFrame(t, conn, "chat.transcript")
	expectFrame(t, conn, "chat.transcript")
	if code := decodeErrorCode(t, expectFrame(t, conn, "chat.error").Payload); code != "RESOURCE_EXHAUSTED" {
		t.Fatalf("error code = %q, want RESOURCE_EXHAUSTED", code)
	}
}

func TestWebSocketDisconnectDisposesSession(t *testing.T) {
	service := newChatService(serviceDeps{})
	srv := httptest.NewServer(service.routes())
	t.Cleanup(srv.Close)

	conn, err := dialWSWithServerURL(srv.URL, "/ws", "")
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	joinRoom(t, conn, "room-1")
	if got := len(service.sessions.list()); got != 1 {
		t.Fatalf("sessions = %d, want 1", got)
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(service.sessions.list()) > 0 || service.visibility.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("session state was not disposed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketEndpointRequiresTokenWhenAuthorizerConfigured(t *testing.T) {
	err := dialWSWithHandlerErr(t, NewHandlerWithAuthorizer(fakeWSAuthorizer{userID: "user-1"}), "/ws", "")
	if err == nil {
		t.Fatal("expected websocket dial error")
	}
	if !strings.Contains(err.Error(), "bad status") {
		t.Fatalf("dial error = %v, expected bad status", err)
	}
}

func TestWebSocketEndpointRejectsFailedAuth(t *testing.T) {
	authorizer := fakeWSAuthorizer{authErr: errors.New("boom")}
	err := dialWSWithHandlerErr(t, NewHandlerWithAuthorizer(authorizer), "/ws", "fs_token=token-1")
	if err == nil {
		t.Fatal("expected websocket dial error")
	}
}

func TestWebSocketAuthenticatedUserNamesMessages(t *testing.T) {
	conn := dialWSWithHandler(t, NewHandlerWithAuthorizer(fakeWSAuthorizer{userID: "user-1"}), "/ws", "fs_token=token-1")
	joinRoom(t, conn, "room-1")

	sendChat(t, conn, "cli-1", "hi")
	expectFrame(t, conn, "chat.ack")
	if msg := decodeMessagePayload(t, expectFrame(t, conn, "chat.message").Payload); msg.Message.Content.Text != "hi" {
		t.Fatalf("content = %+v", msg.Message.Content)
	}
}
