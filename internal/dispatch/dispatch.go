// Package dispatch routes conversation turns to personas.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/szaher/designs/personagw/internal/message"
	"github.com/szaher/designs/personagw/internal/persona"
)

// InvalidPersonaError is returned for an unknown persona selector.
type InvalidPersonaError struct {
	Selector string
}

func (e *InvalidPersonaError) Error() string {
	return fmt.Sprintf("invalid persona %q", e.Selector)
}

// Turn is one inbound user turn.
type Turn struct {
	// UserID identifies the conversation owner; a new one is assigned when empty.
	UserID    string
	Persona   string
	Current   message.Raw
	MaxLength int
	// SystemPrompt overrides the persona's prompt for this turn only.
	SystemPrompt string
}

// Reply is the outcome of a turn.
type Reply struct {
	Text    string
	UserID  string
	Persona persona.Kind
}

// Dispatcher resolves selectors against a fixed set of personas.
type Dispatcher struct {
	personas   map[persona.Kind]*persona.Persona
	normalizer *message.Normalizer
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNormalizer sets the normalizer applied to inbound messages.
func WithNormalizer(n *message.Normalizer) Option {
	return func(d *Dispatcher) { d.normalizer = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a dispatcher over personas, keyed by their kind.
func New(personas []*persona.Persona, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		personas:   make(map[persona.Kind]*persona.Persona, len(personas)),
		normalizer: message.NewNormalizer(),
		logger:     slog.Default(),
	}
	for _, p := range personas {
		d.personas[p.Kind()] = p
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve returns the persona for a selector.
func (d *Dispatcher) Resolve(selector string) (*persona.Persona, error) {
	kind, ok := persona.ParseKind(selector)
	if !ok {
		return nil, &InvalidPersonaError{Selector: selector}
	}
	p, ok := d.personas[kind]
	if !ok {
		return nil, &InvalidPersonaError{Selector: selector}
	}
	return p, nil
}

// HandleTurn normalizes the current message and hands it to the selected
// persona. The reply always carries the user id the turn ran under.
func (d *Dispatcher) HandleTurn(ctx context.Context, t Turn) (Reply, error) {
	p, err := d.Resolve(t.Persona)
	if err != nil {
		return Reply{}, err
	}

	msg, err := d.normalizer.Normalize(t.Current)
	if err != nil {
		return Reply{}, err
	}

	userID := t.UserID
	if userID == "" {
		userID = uuid.NewString()
	}

	text, err := p.Respond(ctx, userID, []message.Message{msg}, t.MaxLength, t.SystemPrompt)
	if err != nil {
		return Reply{UserID: userID, Persona: p.Kind()}, err
	}
	return Reply{Text: text, UserID: userID, Persona: p.Kind()}, nil
}

// ResetAll resets the user's window with every persona.
func (d *Dispatcher) ResetAll(ctx context.Context, userID string) error {
	var errs []error
	for _, p := range d.Personas() {
		if err := p.ResetHistory(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", p.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

// RefreshAll reloads every persona's system prompt.
func (d *Dispatcher) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, p := range d.Personas() {
		if err := p.RefreshSystemPrompt(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	d.logger.Info("system prompts refreshed", "personas", len(d.personas))
	return nil
}

// Refresh reloads one persona's system prompt.
func (d *Dispatcher) Refresh(ctx context.Context, selector string) error {
	p, err := d.Resolve(selector)
	if err != nil {
		return err
	}
	return p.RefreshSystemPrompt(ctx)
}

// Personas returns the configured personas in display order.
func (d *Dispatcher) Personas() []*persona.Persona {
	out := make([]*persona.Persona, 0, len(d.personas))
	for _, k := range persona.Kinds() {
		if p, ok := d.personas[k]; ok {
			out = append(out, p)
		}
	}
	return out
}
