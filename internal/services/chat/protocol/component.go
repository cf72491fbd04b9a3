package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Component is a rendered rich-text chat value.
type Component struct {
	Text   string      `json:"text"`
	Color  string      `json:"color,omitempty"`
	Bold   bool        `json:"bold,omitempty"`
	Italic bool        `json:"italic,omitempty"`
	Extra  []Component `json:"extra,omitempty"`
}

// Text returns a plain component.
func Text(text string) Component {
	return Component{Text: text}
}

// PlainText flattens the component tree into its visible characters.
func (c Component) PlainText() string {
	var b strings.Builder
	c.writePlain(&b)
	return b.String()
}

func (c Component) writePlain(b *strings.Builder) {
	b.WriteString(c.Text)
	for _, child := range c.Extra {
		child.writePlain(b)
	}
}

// Clone returns a deep copy.
func (c Component) Clone() Component {
	if len(c.Extra) == 0 {
		c.Extra = nil
		return c
	}
	extra := make([]Component, len(c.Extra))
	for i, child := range c.Extra {
		extra[i] = child.Clone()
	}
	c.Extra = extra
	return c
}

// Payload returns the canonical serialized form used for exact-payload
// matching. It returns nil when the component cannot be serialized.
func (c Component) Payload() []byte {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return data
}

// CanonicalPayload decodes raw as a component and re-encodes it so that
// callers can supply payloads with arbitrary key order or whitespace.
// It reports false for empty or malformed input.
func CanonicalPayload(raw []byte) ([]byte, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var component Component
	if err := decoder.Decode(&component); err != nil {
		return nil, false
	}
	if decoder.More() {
		return nil, false
	}
	payload := component.Payload()
	return payload, payload != nil
}
