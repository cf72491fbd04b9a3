package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/chatveil/internal/services/chat/protocol"
	"github.com/louisbranch/chatveil/internal/services/chat/session"
	"golang.org/x/text/language"
)

type wsSession struct {
	id          session.ID
	userID      string
	peer        *wsPeer
	connectedAt time.Time

	mu      sync.Mutex
	room    *chatRoom
	locale  language.Tag
	lastAck int64
}

func newWSSession(id session.ID, userID string, locale language.Tag, peer *wsPeer) *wsSession {
	return &wsSession{
		id:          id,
		userID:      userID,
		peer:        peer,
		connectedAt: time.Now().UTC(),
		locale:      locale,
	}
}

func (s *wsSession) setRoom(next *chatRoom) *chatRoom {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() *chatRoom {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	return room
}

func (s *wsSession) setLocale(tag language.Tag) {
	s.mu.Lock()
	s.locale = tag
	s.mu.Unlock()
}

func (s *wsSession) currentLocale() language.Tag {
	s.mu.Lock()
	tag := s.locale
	s.mu.Unlock()
	return tag
}

// acknowledge records the highest sequence the client has confirmed.
func (s *wsSession) acknowledge(sequenceID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequenceID > s.lastAck {
		s.lastAck = sequenceID
	}
	return s.lastAck
}

func (s *wsSession) summary() sessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := sessionSummary{
		SessionID:   s.id.String(),
		UserID:      s.userID,
		Locale:      s.locale.String(),
		ConnectedAt: s.connectedAt.Format(time.RFC3339),
		LastAck:     s.lastAck,
	}
	if s.room != nil {
		summary.RoomID = s.room.roomID
	}
	return summary
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// sessionDirectory indexes live connections by session id.
type sessionDirectory struct {
	mu   sync.RWMutex
	byID map[session.ID]*wsSession
}

func newSessionDirectory() *sessionDirectory {
	return &sessionDirectory{byID: make(map[session.ID]*wsSession)}
}

func (d *sessionDirectory) add(s *wsSession) {
	d.mu.Lock()
	d.byID[s.id] = s
	d.mu.Unlock()
}

func (d *sessionDirectory) remove(id session.ID) {
	d.mu.Lock()
	delete(d.byID, id)
	d.mu.Unlock()
}

func (d *sessionDirectory) get(id session.ID) (*wsSession, bool) {
	d.mu.RLock()
	s, ok := d.byID[id]
	d.mu.RUnlock()
	return s, ok
}

func (d *sessionDirectory) userID(id session.ID) string {
	if s, ok := d.get(id); ok {
		return s.userID
	}
	return ""
}

func (d *sessionDirectory) list() []sessionSummary {
	d.mu.RLock()
	sessions := make([]*wsSession, 0, len(d.byID))
	for _, s := range d.byID {
		sessions = append(sessions, s)
	}
	d.mu.RUnlock()

	summaries := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SessionID < summaries[j].SessionID
	})
	return summaries
}

type roomHub struct {
	mu          sync.Mutex
	rooms       map[string]*chatRoom
	maxMessages int
}

func newRoomHub(maxMessages int) *roomHub {
	if maxMessages <= 0 {
		maxMessages = defaultMaxRoomMessages
	}
	return &roomHub{
		rooms:       make(map[string]*chatRoom),
		maxMessages: maxMessages,
	}
}

func (h *roomHub) room(roomID string) *chatRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if ok {
		return room
	}

	room = newChatRoom(roomID, h.maxMessages)
	h.rooms[roomID] = room
	return room
}

type chatRoom struct {
	mu               sync.Mutex
	roomID           string
	maxMessages      int
	nextSequence     int64
	messages         []chatMessage
	idempotencyBy    map[string]chatMessage
	idempotencyOrder []string
	subscribers      map[*wsSession]struct{}
}

func newChatRoom(roomID string, maxMessages int) *chatRoom {
	return &chatRoom{
		roomID:        roomID,
		maxMessages:   maxMessages,
		idempotencyBy: make(map[string]chatMessage),
		subscribers:   make(map[*wsSession]struct{}),
	}
}

// join adds s and returns the latest sequence along with the other members.
func (r *chatRoom) join(s *wsSession) (int64, []*wsSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	others := r.membersLocked()
	r.subscribers[s] = struct{}{}
	return r.nextSequence, others
}

// leave removes s and returns the members left behind.
func (r *chatRoom) leave(s *wsSession) []*wsSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, s)
	return r.membersLocked()
}

func (r *chatRoom) members() []*wsSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked()
}

func (r *chatRoom) membersLocked() []*wsSession {
	members := make([]*wsSession, 0, len(r.subscribers))
	for member := range r.subscribers {
		members = append(members, member)
	}
	return members
}

func (r *chatRoom) appendMessage(actor messageActor, kind string, body string, clientMessageID string) (chatMessage, bool, []*wsSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if clientMessageID != "" {
		if existing, ok := r.idempotencyBy[clientMessageID]; ok {
			return existing, true, nil
		}
	}

	r.nextSequence++
	msg := chatMessage{
		MessageID:       fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		RoomID:          r.roomID,
		SequenceID:      r.nextSequence,
		SentAt:          time.Now().UTC().Format(time.RFC3339),
		Kind:            kind,
		Actor:           actor,
		Body:            body,
		Content:         renderContent(kind, actor, body),
		ClientMessageID: clientMessageID,
	}

	r.messages = append(r.messages, msg)
	if len(r.messages) > r.maxMessages {
		r.messages = r.messages[len(r.messages)-r.maxMessages:]
	}

	if clientMessageID != "" {
		r.idempotencyBy[clientMessageID] = msg
		r.idempotencyOrder = append(r.idempotencyOrder, clientMessageID)
		if len(r.idempotencyOrder) > maxIdempotencyRecord {
			evict := r.idempotencyOrder[0]
			r.idempotencyOrder = r.idempotencyOrder[1:]
			delete(r.idempotencyBy, evict)
		}
	}

	return msg, false, r.membersLocked()
}

func (r *chatRoom) historyBefore(beforeSequenceID int64, limit int) []chatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := make([]chatMessage, 0, limit)
	for _, msg := range r.messages {
		if msg.SequenceID < beforeSequenceID {
			history = append(history, msg)
		}
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// renderContent builds the rich-text value a client displays for a message.
func renderContent(kind string, actor messageActor, body string) protocol.Component {
	switch kind {
	case protocol.KindEmote:
		name := strings.TrimSpace(actor.Name)
		if name == "" {
			name = actor.ParticipantID
		}
		return protocol.Component{Text: "* " + name + " " + body, Italic: true}
	case protocol.KindInfo:
		return protocol.Component{Text: body, Color: "gray"}
	default:
		return protocol.Text(body)
	}
}
