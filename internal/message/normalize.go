package message

import (
	"fmt"
	"strings"
)

// Defaults used when a legacy media object carries no accompanying text, and
// when a media-only message is flattened for storage.
const (
	DefaultVideoPrompt = "请分析这个视频内容。"
	DefaultImagePrompt = "请描述这张图片。"
	MediaPlaceholder   = "用户发送了媒体文件"
	DefaultVideoFPS    = 1.0
)

// EmptyInputError is returned when an inbound message carries nothing usable.
type EmptyInputError struct {
	Reason string
}

func (e *EmptyInputError) Error() string {
	return "empty input: " + e.Reason
}

// InvalidInputError is returned when an inbound message uses a role or part
// kind clients may not send.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// Normalizer converts Raw input into canonical messages.
type Normalizer struct {
	VideoPrompt string
	ImagePrompt string
	Placeholder string
	VideoFPS    float64
}

// NewNormalizer returns a normalizer using the package defaults.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		VideoPrompt: DefaultVideoPrompt,
		ImagePrompt: DefaultImagePrompt,
		Placeholder: MediaPlaceholder,
		VideoFPS:    DefaultVideoFPS,
	}
}

var defaultNormalizer = NewNormalizer()

// Normalize converts raw with the default normalizer.
func Normalize(raw Raw) (Message, error) {
	return defaultNormalizer.Normalize(raw)
}

// Flatten reduces m to text with the default normalizer.
func Flatten(m Message) Message {
	return defaultNormalizer.Flatten(m)
}

// Normalize converts raw into a canonical message. A missing role defaults to
// user; only user and assistant are accepted, the system slot belongs to the
// persona. Rules, first match wins:
//   - part arrays pass through unchanged;
//   - a legacy video becomes [video(ref, fps), text];
//   - a legacy image becomes [image(ref), text];
//   - anything else is treated as plain text.
func (n *Normalizer) Normalize(raw Raw) (Message, error) {
	role := raw.Role
	switch role {
	case "":
		role = RoleUser
	case RoleUser, RoleAssistant:
	default:
		return Message{}, &InvalidInputError{Reason: fmt.Sprintf("role %q is not allowed", role)}
	}

	switch raw.Shape {
	case ShapeParts:
		if len(raw.Parts) == 0 {
			return Message{}, &EmptyInputError{Reason: "content has no parts"}
		}
		if err := checkParts(raw.Parts); err != nil {
			return Message{}, err
		}
		return Message{Role: role, Parts: raw.Parts}, nil

	case ShapeLegacy:
		return n.normalizeLegacy(role, raw.Legacy)

	case ShapeText:
		if strings.TrimSpace(raw.Text) == "" {
			return Message{}, &EmptyInputError{Reason: "message text is blank"}
		}
		return NewText(role, raw.Text), nil

	default:
		return Message{}, &EmptyInputError{Reason: "no content supplied"}
	}
}

func (n *Normalizer) normalizeLegacy(role Role, l Legacy) (Message, error) {
	switch l.Type {
	case KindVideo:
		if l.Ref == "" {
			return Message{}, &EmptyInputError{Reason: "video reference is empty"}
		}
		fps := n.VideoFPS
		if l.FPS != nil {
			fps = *l.FPS
		}
		return Message{Role: role, Parts: []Part{
			VideoPart(l.Ref, fps),
			TextPart(orDefault(l.Text, n.VideoPrompt)),
		}}, nil

	case KindImage:
		if l.Ref == "" {
			return Message{}, &EmptyInputError{Reason: "image reference is empty"}
		}
		return Message{Role: role, Parts: []Part{
			ImagePart(l.Ref),
			TextPart(orDefault(l.Text, n.ImagePrompt)),
		}}, nil

	default:
		if strings.TrimSpace(l.Text) == "" {
			return Message{}, &EmptyInputError{Reason: fmt.Sprintf("object of type %q has no text", l.Type)}
		}
		return NewText(role, l.Text), nil
	}
}

// Flatten returns a text-only copy of m for history storage: text parts joined
// by a single space, or the placeholder when m has no text.
func (n *Normalizer) Flatten(m Message) Message {
	text := m.Text()
	if text == "" {
		text = n.Placeholder
	}
	return NewText(m.Role, text)
}

// FlattenAll applies Flatten to every message.
func (n *Normalizer) FlattenAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = n.Flatten(m)
	}
	return out
}

func checkParts(parts []Part) error {
	for i, p := range parts {
		switch p.Kind {
		case KindText:
		case KindImage, KindVideo:
			if p.Ref == "" {
				return &InvalidInputError{Reason: fmt.Sprintf("part %d: %s reference is empty", i, p.Kind)}
			}
		default:
			return &InvalidInputError{Reason: fmt.Sprintf("part %d: unsupported type %q", i, p.Kind)}
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
