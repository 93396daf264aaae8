package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/szaher/designs/personagw/internal/budget"
	"github.com/szaher/designs/personagw/internal/expr"
	"github.com/szaher/designs/personagw/internal/history"
	"github.com/szaher/designs/personagw/internal/llm"
	"github.com/szaher/designs/personagw/internal/message"
	"github.com/szaher/designs/personagw/internal/telemetry"
)

// MultimodalApology is the reply sent when a media turn fails to generate.
const MultimodalApology = "抱歉，处理媒体文件时出现了错误。"

// DefaultMaxLength applies when a turn does not request a length.
const DefaultMaxLength = 8000

// PromptSource loads persona system prompts by settings name.
type PromptSource interface {
	Get(ctx context.Context, name string) (string, error)
}

// GenerationError is returned when the engine fails a text turn.
type GenerationError struct {
	Persona Kind
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("persona %s: generation failed: %v", e.Persona, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Config holds the tunables of a persona.
type Config struct {
	PerMessageTokens   int
	WindowTokens       int
	DefaultMaxLength   int
	TextSampling       llm.Sampling
	MultimodalSampling llm.Sampling
	// MaxLengthPolicy is an expression over requested and persona; empty uses
	// the kind's built-in policy.
	MaxLengthPolicy string
}

// DefaultConfig returns the stock limits and sampling.
func DefaultConfig() Config {
	return Config{
		PerMessageTokens:   budget.DefaultPerMessageTokens,
		WindowTokens:       budget.DefaultWindowTokens,
		DefaultMaxLength:   DefaultMaxLength,
		TextSampling:       llm.DefaultTextSampling(),
		MultimodalSampling: llm.DefaultMultimodalSampling(),
	}
}

// Deps are the shared resources a persona works against.
type Deps struct {
	Engine     llm.Engine
	Prompts    PromptSource
	History    *history.Store
	Budgeter   *budget.Budgeter
	Normalizer *message.Normalizer
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Persona answers turns for one identity. Its system prompt is swapped
// atomically on refresh; its windows live in the shared history store under
// its own keys.
type Persona struct {
	id        Identity
	cfg       Config
	deps      Deps
	maxLength *expr.CompiledExpr
	prompt    atomic.Pointer[string]
}

// New builds a persona and loads its current prompt.
func New(ctx context.Context, id Identity, cfg Config, deps Deps) (*Persona, error) {
	if deps.Engine == nil {
		return nil, errors.New("persona: engine is required")
	}
	if deps.Prompts == nil {
		return nil, errors.New("persona: prompt source is required")
	}
	if deps.History == nil {
		deps.History = history.NewStore()
	}
	if deps.Budgeter == nil {
		deps.Budgeter = budget.New(nil)
	}
	if deps.Normalizer == nil {
		deps.Normalizer = message.NewNormalizer()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.DefaultMaxLength <= 0 {
		cfg.DefaultMaxLength = DefaultMaxLength
	}

	p := &Persona{id: id, cfg: cfg, deps: deps}

	policy := cfg.MaxLengthPolicy
	if policy == "" {
		policy = id.Kind.DefaultMaxLengthPolicy()
	}
	if policy != "" {
		compiled, err := expr.Compile(policy)
		if err != nil {
			return nil, fmt.Errorf("persona %s max length policy: %w", id.Kind, err)
		}
		p.maxLength = compiled
	}

	if err := p.RefreshSystemPrompt(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Identity returns the identity the persona was built from.
func (p *Persona) Identity() Identity { return p.id }

// Kind returns the persona kind.
func (p *Persona) Kind() Kind { return p.id.Kind }

// SystemPrompt returns the current system prompt.
func (p *Persona) SystemPrompt() string {
	if s := p.prompt.Load(); s != nil {
		return *s
	}
	return ""
}

func (p *Persona) String() string {
	return p.id.Kind.Description()
}

// RefreshSystemPrompt reloads the prompt from the prompt source. The new
// prompt applies to the next turn of every conversation, open or not.
func (p *Persona) RefreshSystemPrompt(ctx context.Context) error {
	prompt, err := p.deps.Prompts.Get(ctx, p.id.Kind.SettingsName())
	if err != nil {
		p.deps.Metrics.RecordPromptRefresh(string(p.id.Kind), "error")
		return fmt.Errorf("refresh %s prompt: %w", p.id.Kind, err)
	}
	p.prompt.Store(&prompt)
	p.deps.Metrics.RecordPromptRefresh(string(p.id.Kind), "ok")
	return nil
}

// ResetHistory collapses the user's window to the current system prompt.
func (p *Persona) ResetHistory(ctx context.Context, userID string) error {
	return p.deps.History.Reset(ctx, p.key(userID), p.systemMessage(""))
}

// Window returns a copy of the user's stored window, initializing it if needed.
func (p *Persona) Window(ctx context.Context, userID string) ([]message.Message, error) {
	return p.deps.History.GetOrInit(ctx, p.key(userID), p.systemMessage(""))
}

// MaxLength resolves the generation limit for a requested length.
func (p *Persona) MaxLength(requested int) int {
	if requested <= 0 {
		requested = p.cfg.DefaultMaxLength
	}
	if p.maxLength == nil {
		return requested
	}
	n, err := expr.EvalLimit(p.maxLength, expr.Context{Requested: requested, Persona: string(p.id.Kind)})
	if err != nil {
		p.deps.Logger.Warn("max length policy failed, using requested length",
			"persona", p.id.Kind, "policy", p.maxLength.Source, "error", err)
		return requested
	}
	return n
}

// Respond answers msgs for userID. override, when non-empty, replaces the
// system prompt for this turn only. Turns containing media take the multimodal
// path; everything else is budgeted against the stored window.
func (p *Persona) Respond(ctx context.Context, userID string, msgs []message.Message, maxLength int, override string) (string, error) {
	if len(msgs) == 0 {
		return "", &message.EmptyInputError{Reason: "no messages"}
	}

	start := time.Now()
	path := "text"
	if message.HasMedia(msgs) {
		path = "multimodal"
	}
	logger := telemetry.RequestLogger(p.deps.Logger, ctx, string(p.id.Kind)).With("path", path)

	var (
		reply string
		err   error
	)
	if path == "multimodal" {
		reply, err = p.respondMultimodal(ctx, userID, msgs, p.MaxLength(maxLength), override, logger)
	} else {
		reply, err = p.respondText(ctx, userID, msgs, p.MaxLength(maxLength), override, logger)
	}

	status := statusOf(err)
	p.deps.Metrics.RecordTurn(string(p.id.Kind), path, status, time.Since(start))
	if err != nil {
		logger.Warn("turn failed", "status", status, "error", err)
	} else {
		logger.Debug("turn complete", "duration", time.Since(start))
	}
	return reply, err
}

func (p *Persona) respondText(ctx context.Context, userID string, msgs []message.Message, maxLength int, override string, logger *slog.Logger) (string, error) {
	system := p.systemMessage(override)

	var reply string
	err := p.deps.History.Do(ctx, p.key(userID), func(tx *history.Tx) error {
		window, err := p.fit(tx.Preview(system, p.id.MaxHistory, msgs...))
		if err != nil {
			return err
		}
		p.deps.Metrics.RecordWindowTokens(string(p.id.Kind), p.deps.Budgeter.WindowTokens(window))
		logger.Debug("generating", "window_messages", len(window))

		text, err := p.deps.Engine.GenerateText(ctx, window, p.cfg.TextSampling.WithMaxTokens(maxLength))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return &GenerationError{Persona: p.id.Kind, Err: err}
		}

		reply = text
		turn := append(message.CloneAll(msgs), message.NewText(message.RoleAssistant, text))
		tx.AppendTurn(system, p.id.MaxHistory, turn...)
		return nil
	})
	if err != nil {
		return "", err
	}
	p.deps.Metrics.SetActiveWindows(p.deps.History.Len())
	return reply, nil
}

// fit budgets a candidate window. The system slot is truncated to the
// per-message limit and always kept; the rest is fitted into what remains.
func (p *Persona) fit(candidate []message.Message) ([]message.Message, error) {
	b := p.deps.Budgeter
	system := candidate[0].Clone()
	for i, part := range system.Parts {
		if part.Kind == message.KindText {
			system.Parts[i].Text = b.Truncate(part.Text, p.cfg.PerMessageTokens)
		}
	}

	remaining := 0
	if p.cfg.WindowTokens > 0 {
		remaining = p.cfg.WindowTokens - b.CountMessage(system)
		if remaining < 1 {
			return nil, &budget.BudgetExceededError{Tokens: b.CountMessage(system), Limit: p.cfg.WindowTokens}
		}
	}

	rest, err := b.FitWindow(candidate[1:], p.cfg.PerMessageTokens, remaining)
	if err != nil {
		return nil, err
	}
	return append([]message.Message{system}, rest...), nil
}

func (p *Persona) respondMultimodal(ctx context.Context, userID string, msgs []message.Message, maxLength int, override string, logger *slog.Logger) (string, error) {
	system := p.systemMessage(override)

	var reply string
	err := p.deps.History.Do(ctx, p.key(userID), func(tx *history.Tx) error {
		window := append([]message.Message{system}, message.CloneAll(msgs)...)
		text, err := p.deps.Engine.GenerateMultimodal(ctx, window, p.cfg.MultimodalSampling.WithMaxTokens(maxLength))

		var timeout *llm.TimeoutError
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.As(err, &timeout):
			return err
		case err != nil:
			logger.Error("multimodal generation failed", "error", err)
			reply = MultimodalApology
			return nil
		}

		reply = text
		turn := append(p.deps.Normalizer.FlattenAll(msgs), message.NewText(message.RoleAssistant, text))
		tx.AppendTurn(system, p.id.MaxHistory, turn...)
		return nil
	})
	if err != nil {
		return "", err
	}
	p.deps.Metrics.SetActiveWindows(p.deps.History.Len())
	return reply, nil
}

func (p *Persona) systemMessage(override string) message.Message {
	prompt := p.SystemPrompt()
	if strings.TrimSpace(override) != "" {
		prompt = override
	}
	return message.NewText(message.RoleSystem, prompt)
}

func (p *Persona) key(userID string) history.Key {
	return history.Key{UserID: userID, Persona: p.id.Key()}
}

func statusOf(err error) string {
	var (
		budgetErr *budget.BudgetExceededError
		genErr    *GenerationError
		timeout   *llm.TimeoutError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &budgetErr):
		return "budget_exceeded"
	case errors.As(err, &genErr):
		return "generation_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
