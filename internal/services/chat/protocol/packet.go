package protocol

import "github.com/louisbranch/chatveil/internal/services/chat/session"

// Direction tells whether a packet travels to or from the client.
type Direction int

const (
	Outbound Direction = iota + 1
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Class is the pipeline's view of a packet.
type Class int

const (
	// ClassOther packets are not chat and pass through untouched.
	ClassOther Class = iota
	// ClassChat packets carry chat content to or from the client.
	ClassChat
	// ClassInformational packets are outbound system lines excluded from
	// transcripts but still subject to hiding.
	ClassInformational
	// ClassUnclassifiable packets look like chat but carry an unknown subtype.
	ClassUnclassifiable
)

func (c Class) String() string {
	switch c {
	case ClassChat:
		return "chat"
	case ClassInformational:
		return "informational"
	case ClassUnclassifiable:
		return "unclassifiable"
	default:
		return "other"
	}
}

var inboundChatTypes = map[string]struct{}{
	TypeSend:          {},
	TypeCommand:       {},
	TypeCommandSigned: {},
	TypeSessionUpdate: {},
	TypeAck:           {},
}

// Packet is one cancellable protocol event for a single session.
type Packet struct {
	Session   session.ID
	Direction Direction
	Type      string
	// Kind is the chat subtype of an outbound chat frame.
	Kind string
	// Content is the rendered value of an outbound chat frame.
	Content Component
	// Payload is the canonical serialized content used for exact matching.
	Payload []byte

	cancelled bool
}

// NewOutbound builds an outbound chat packet for content rendered to id.
func NewOutbound(id session.ID, frameType string, kind string, content Component) *Packet {
	return &Packet{
		Session:   id,
		Direction: Outbound,
		Type:      frameType,
		Kind:      kind,
		Content:   content,
		Payload:   content.Payload(),
	}
}

// NewInbound builds an inbound packet for a frame received from id.
func NewInbound(id session.ID, frameType string) *Packet {
	return &Packet{
		Session:   id,
		Direction: Inbound,
		Type:      frameType,
	}
}

// Cancel stops delivery of the packet.
func (p *Packet) Cancel() {
	p.cancelled = true
}

// Cancelled reports whether any observer cancelled the packet.
func (p *Packet) Cancelled() bool {
	return p.cancelled
}

// Classify reports how the pipeline treats the packet.
func (p *Packet) Classify() Class {
	if p == nil {
		return ClassOther
	}
	switch p.Direction {
	case Outbound:
		if p.Type != TypeMessage && p.Type != TypeSystem {
			return ClassOther
		}
		switch p.Kind {
		case KindText, KindEmote, KindSystem:
			return ClassChat
		case KindInfo:
			return ClassInformational
		default:
			return ClassUnclassifiable
		}
	case Inbound:
		if _, ok := inboundChatTypes[p.Type]; ok {
			return ClassChat
		}
		return ClassOther
	default:
		return ClassOther
	}
}

// IsInboundChatType reports whether frameType is a client-originated chat frame.
func IsInboundChatType(frameType string) bool {
	_, ok := inboundChatTypes[frameType]
	return ok
}
