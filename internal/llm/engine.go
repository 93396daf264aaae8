// Package llm defines the inference engine abstraction the gateway talks to,
// and the concrete engines behind it.
package llm

import (
	"context"
	"fmt"

	"github.com/szaher/designs/personagw/internal/message"
)

// Sampling holds generation parameters. Nil fields are left to the engine's own
// defaults.
type Sampling struct {
	MaxTokens         int      `yaml:"max_tokens" json:"max_tokens,omitempty"`
	MinTokens         int      `yaml:"min_tokens" json:"min_tokens,omitempty"`
	Temperature       *float64 `yaml:"temperature" json:"temperature,omitempty"`
	TopP              *float64 `yaml:"top_p" json:"top_p,omitempty"`
	TopK              *int     `yaml:"top_k" json:"top_k,omitempty"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty" json:"repetition_penalty,omitempty"`
}

// DefaultTextSampling mirrors the parameters text turns were tuned with.
func DefaultTextSampling() Sampling {
	return Sampling{
		Temperature: Float(1.1),
		TopP:        Float(0.98),
		TopK:        Int(75),
	}
}

// DefaultMultimodalSampling mirrors the parameters media turns were tuned with.
func DefaultMultimodalSampling() Sampling {
	return Sampling{
		MaxTokens:         512,
		MinTokens:         20,
		Temperature:       Float(0.7),
		TopP:              Float(0.9),
		RepetitionPenalty: Float(1.1),
	}
}

// WithMaxTokens returns a copy of s with MaxTokens set when n > 0.
func (s Sampling) WithMaxTokens(n int) Sampling {
	if n > 0 {
		s.MaxTokens = n
	}
	return s
}

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

// Engine generates a reply for a prompt window. The window starts with the
// system message; media parts only appear in GenerateMultimodal windows.
type Engine interface {
	GenerateText(ctx context.Context, window []message.Message, s Sampling) (string, error)
	GenerateMultimodal(ctx context.Context, window []message.Message, s Sampling) (string, error)
}

// UnsupportedPartError is returned by engines that cannot carry a part kind.
type UnsupportedPartError struct {
	Engine string
	Kind   message.Kind
}

func (e *UnsupportedPartError) Error() string {
	return fmt.Sprintf("%s: %s parts are not supported", e.Engine, e.Kind)
}
