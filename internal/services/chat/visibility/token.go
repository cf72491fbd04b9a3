package visibility

import "bytes"

// Kind names an exception token variant.
type Kind int

const (
	KindExactPayload Kind = iota + 1
	KindCountedPass
	KindStandingAllow
)

func (k Kind) String() string {
	switch k {
	case KindExactPayload:
		return "exact_payload"
	case KindCountedPass:
		return "counted_pass"
	case KindStandingAllow:
		return "standing_allow"
	default:
		return "unknown"
	}
}

// ParseKind maps a wire name back to a Kind.
func ParseKind(value string) (Kind, bool) {
	switch value {
	case "exact_payload":
		return KindExactPayload, true
	case "counted_pass":
		return KindCountedPass, true
	case "standing_allow":
		return KindStandingAllow, true
	default:
		return 0, false
	}
}

// Token is a one-shot permission letting a message reach a hidden session.
// The set of variants is closed: ExactPayload, CountedPass and StandingAllow.
type Token interface {
	Kind() Kind
	sealed()
}

// ExactPayload admits only the message whose serialized payload equals JSON.
type ExactPayload struct {
	JSON []byte
}

// CountedPass admits the next message regardless of content.
type CountedPass struct{}

// StandingAllow admits the next message regardless of content. It is consumed
// once per match, exactly like CountedPass; callers choose it to record a
// different intent.
type StandingAllow struct{}

func (ExactPayload) Kind() Kind  { return KindExactPayload }
func (CountedPass) Kind() Kind   { return KindCountedPass }
func (StandingAllow) Kind() Kind { return KindStandingAllow }

func (ExactPayload) sealed()  {}
func (CountedPass) sealed()   {}
func (StandingAllow) sealed() {}

func cloneToken(token Token) Token {
	switch t := token.(type) {
	case ExactPayload:
		return ExactPayload{JSON: bytes.Clone(t.JSON)}
	case CountedPass:
		return t
	case StandingAllow:
		return t
	default:
		return token
	}
}
