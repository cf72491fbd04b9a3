// Package protocol defines the websocket frames exchanged with chat clients
// and the packet events the interception pipeline observes.
package protocol

import "encoding/json"

// Frame types accepted from clients.
const (
	TypeJoin          = "chat.join"
	TypeSend          = "chat.send"
	TypeCommand       = "chat.command"
	TypeCommandSigned = "chat.command.signed"
	TypeSessionUpdate = "chat.session.update"
	TypeAck           = "chat.ack"
	TypeHistoryBefore = "chat.history.before"
	TypeTranscript    = "chat.transcript"
)

// Frame types written to clients.
const (
	TypeJoined         = "chat.joined"
	TypeMessage        = "chat.message"
	TypeSystem         = "chat.system"
	TypeHistoryMessage = "chat.history.message"
	TypeError          = "chat.error"
)

// Chat subtypes carried by chat.message and chat.system frames.
const (
	KindText   = "text"
	KindEmote  = "emote"
	KindSystem = "system"
	// KindInfo marks informational system lines that never enter a transcript.
	KindInfo = "info"
)

// Frame is the JSON envelope for every websocket message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}
