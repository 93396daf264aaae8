package message

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Shape identifies which wire shape a Raw value was decoded from.
type Shape int

const (
	ShapeEmpty Shape = iota
	ShapeText
	ShapeLegacy
	ShapeParts
)

func (s Shape) String() string {
	switch s {
	case ShapeText:
		return "text"
	case ShapeLegacy:
		return "legacy"
	case ShapeParts:
		return "parts"
	default:
		return "empty"
	}
}

// Raw is an un-normalized inbound message. Exactly one of Text, Legacy or Parts
// is meaningful, selected by Shape.
type Raw struct {
	Role   Role
	Shape  Shape
	Text   string
	Legacy Legacy
	Parts  []Part
}

// Legacy is the single-media object clients sent before part arrays existed.
type Legacy struct {
	Type Kind
	Ref  string
	Text string
	FPS  *float64
}

// FromText builds a plain-text Raw.
func FromText(role Role, text string) Raw {
	return Raw{Role: role, Shape: ShapeText, Text: text}
}

// FromLegacy builds a legacy single-media Raw.
func FromLegacy(role Role, l Legacy) Raw {
	return Raw{Role: role, Shape: ShapeLegacy, Legacy: l}
}

// FromParts builds a part-array Raw.
func FromParts(role Role, parts ...Part) Raw {
	return Raw{Role: role, Shape: ShapeParts, Parts: parts}
}

// UnmarshalJSON accepts any of:
//
//	"hello"
//	{"role":"user","content":"hello"}
//	{"role":"user","content":{"type":"image","image":"ref","text":"..."}}
//	{"role":"user","content":[{"type":"text","text":"..."},{"type":"video","video":"ref"}]}
//	{"type":"image","image":"ref"}
func (r *Raw) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*r = Raw{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode message text: %w", err)
		}
		r.Shape = ShapeText
		r.Text = s
		return nil
	}

	if data[0] != '{' {
		return fmt.Errorf("decode message: unexpected JSON %q", firstByte(data))
	}

	var envelope struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
		Type    Kind            `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	r.Role = envelope.Role

	if len(envelope.Content) == 0 && envelope.Type != "" {
		return r.decodeLegacy(data)
	}
	return r.decodeContent(bytes.TrimSpace(envelope.Content))
}

func (r *Raw) decodeContent(content []byte) error {
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		r.Shape = ShapeEmpty
		return nil
	}
	switch content[0] {
	case '"':
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return fmt.Errorf("decode message content: %w", err)
		}
		r.Shape = ShapeText
		r.Text = s
		return nil
	case '[':
		var parts []Part
		if err := json.Unmarshal(content, &parts); err != nil {
			return fmt.Errorf("decode message content: %w", err)
		}
		r.Shape = ShapeParts
		r.Parts = parts
		return nil
	case '{':
		return r.decodeLegacy(content)
	default:
		return fmt.Errorf("decode message content: unexpected JSON %q", firstByte(content))
	}
}

func (r *Raw) decodeLegacy(data []byte) error {
	var w wirePart
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode media object: %w", err)
	}
	r.Shape = ShapeLegacy
	r.Legacy = Legacy{Type: w.Type, Text: w.Text, FPS: w.FPS}
	switch w.Type {
	case KindImage:
		r.Legacy.Ref = w.Image
	case KindVideo:
		r.Legacy.Ref = w.Video
	}
	return nil
}

// MarshalJSON encodes r in the {"role","content"} envelope.
func (r Raw) MarshalJSON() ([]byte, error) {
	out := struct {
		Role    Role `json:"role,omitempty"`
		Content any  `json:"content"`
	}{Role: r.Role}

	switch r.Shape {
	case ShapeText:
		out.Content = r.Text
	case ShapeParts:
		out.Content = r.Parts
	case ShapeLegacy:
		w := wirePart{Type: r.Legacy.Type, Text: r.Legacy.Text, FPS: r.Legacy.FPS}
		switch r.Legacy.Type {
		case KindImage:
			w.Image = r.Legacy.Ref
		case KindVideo:
			w.Video = r.Legacy.Ref
		}
		out.Content = w
	}
	return json.Marshal(out)
}

func firstByte(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return string(b[:1])
}
