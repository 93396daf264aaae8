// Package message defines the canonical multi-part chat message used everywhere
// past the request boundary, and the normalizer that folds the wire shapes clients
// send (plain text, legacy single-media objects, part arrays) into it.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role represents a message sender role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind identifies the payload type of a content part.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// IsMedia reports whether the kind carries a media reference.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindVideo
}

// Part is one element of a multi-part message. Text parts use Text; media parts
// use Ref, which is whatever reference the media store returned. FPS only applies
// to video.
type Part struct {
	Kind Kind
	Text string
	Ref  string
	FPS  *float64
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Kind: KindText, Text: text}
}

// ImagePart returns an image part.
func ImagePart(ref string) Part {
	return Part{Kind: KindImage, Ref: ref}
}

// VideoPart returns a video part sampled at fps.
func VideoPart(ref string, fps float64) Part {
	return Part{Kind: KindVideo, Ref: ref, FPS: &fps}
}

// wirePart is the JSON shape shared by part arrays and the legacy single-media
// object: {"type":"image","image":"ref"}, {"type":"video","video":"ref","fps":1}.
type wirePart struct {
	Type  Kind     `json:"type"`
	Text  string   `json:"text,omitempty"`
	Image string   `json:"image,omitempty"`
	Video string   `json:"video,omitempty"`
	FPS   *float64 `json:"fps,omitempty"`
}

func (w wirePart) part() Part {
	switch w.Type {
	case KindImage:
		return Part{Kind: KindImage, Ref: w.Image}
	case KindVideo:
		return Part{Kind: KindVideo, Ref: w.Video, FPS: w.FPS}
	default:
		return Part{Kind: w.Type, Text: w.Text}
	}
}

// MarshalJSON encodes the part in the wire shape.
func (p Part) MarshalJSON() ([]byte, error) {
	w := wirePart{Type: p.Kind}
	switch p.Kind {
	case KindImage:
		w.Image = p.Ref
	case KindVideo:
		w.Video = p.Ref
		w.FPS = p.FPS
	default:
		w.Text = p.Text
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a part from the wire shape.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w wirePart
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode content part: %w", err)
	}
	*p = w.part()
	return nil
}

// Message is the canonical message: a role and an ordered list of parts.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"content"`
}

// NewText returns a single-part text message.
func NewText(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart(text)}}
}

// Text joins all text parts with a single space.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Kind == KindText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// HasMedia reports whether any part is an image or video.
func (m Message) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Kind.IsMedia() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	parts := make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		parts[i] = p
		if p.FPS != nil {
			fps := *p.FPS
			parts[i].FPS = &fps
		}
	}
	return Message{Role: m.Role, Parts: parts}
}

// Raw returns m as boundary input in the part-array shape.
func (m Message) Raw() Raw {
	return FromParts(m.Role, m.Clone().Parts...)
}

// HasMedia reports whether any message in msgs carries a media part.
func HasMedia(msgs []Message) bool {
	for _, m := range msgs {
		if m.HasMedia() {
			return true
		}
	}
	return false
}

// CloneAll deep-copies a message slice.
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
