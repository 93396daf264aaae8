// Package persona implements the named bots that share one inference engine,
// each with its own system prompt and isolated per-user conversation windows.
package persona

import (
	"strings"
)

// Kind names a persona.
type Kind string

const (
	General     Kind = "general"
	Astronomy   Kind = "astronomy"
	Electricity Kind = "electricity"
	Mechanics   Kind = "mechanics"
)

// Kinds returns every persona kind in display order.
func Kinds() []Kind {
	return []Kind{General, Astronomy, Electricity, Mechanics}
}

// ParseKind resolves a selector. "normal" and "chat" are accepted for General.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "general", "normal", "chat":
		return General, true
	case "astronomy":
		return Astronomy, true
	case "electricity":
		return Electricity, true
	case "mechanics":
		return Mechanics, true
	}
	return "", false
}

// SettingsName is the name the persona's prompt is stored under; the settings
// key is SettingsName() + "_bot_prompt".
func (k Kind) SettingsName() string {
	if k == General {
		return "chat"
	}
	return string(k)
}

// Description is the persona's self-introduction.
func (k Kind) Description() string {
	switch k {
	case General:
		return "I am your best friend who is very handsome"
	case Astronomy:
		return "An astronomy AI teacher who helps students with astronomy learning."
	case Electricity:
		return "An electricity teacher who concentrates on helping users with electricity learning."
	case Mechanics:
		return "A mechanics teacher who concentrates on helping users with mechanics learning."
	}
	return string(k)
}

// DefaultMaxLengthPolicy returns the built-in max-length expression for k, or
// "" when the requested length is used as-is.
func (k Kind) DefaultMaxLengthPolicy() string {
	if k == Mechanics {
		return "16000"
	}
	return ""
}
