package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szaher/designs/personagw/internal/budget"
	"github.com/szaher/designs/personagw/internal/history"
	"github.com/szaher/designs/personagw/internal/llm"
	"github.com/szaher/designs/personagw/internal/message"
)

type prompts struct {
	mu sync.Mutex
	m  map[string]string
}

func newPrompts() *prompts {
	return &prompts{m: map[string]string{
		"chat":        "S-chat",
		"astronomy":   "S-astro",
		"electricity": "S-elec",
		"mechanics":   "S-mech",
	}}
}

func (p *prompts) Get(_ context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.m[name]
	if !ok {
		return "", fmt.Errorf("no prompt %q", name)
	}
	return s, nil
}

func (p *prompts) set(name, prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[name] = prompt
}

func newPersona(t *testing.T, kind Kind, engine llm.Engine, src PromptSource, cfg Config) *Persona {
	t.Helper()
	p, err := New(context.Background(), Identity{Kind: kind, Engine: "mock", MaxHistory: 8}, cfg, Deps{
		Engine:  engine,
		Prompts: src,
		History: history.NewStore(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return p
}

func user(s string) message.Message { return message.NewText(message.RoleUser, s) }

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"general", General, true},
		{"normal", General, true},
		{"chat", General, true},
		{" Astronomy ", Astronomy, true},
		{"electricity", Electricity, true},
		{"mechanics", Mechanics, true},
		{"chemistry", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseKind(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseKind(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSettingsName(t *testing.T) {
	if General.SettingsName() != "chat" {
		t.Errorf("General.SettingsName() = %q", General.SettingsName())
	}
	if Mechanics.SettingsName() != "mechanics" {
		t.Errorf("Mechanics.SettingsName() = %q", Mechanics.SettingsName())
	}
}

func TestEachPersonaReadsItsOwnPrompt(t *testing.T) {
	src := newPrompts()
	want := map[Kind]string{General: "S-chat", Astronomy: "S-astro", Electricity: "S-elec", Mechanics: "S-mech"}
	for kind, prompt := range want {
		p := newPersona(t, kind, llm.NewMockEngine(), src, DefaultConfig())
		if p.SystemPrompt() != prompt {
			t.Errorf("%s prompt = %q, want %q", kind, p.SystemPrompt(), prompt)
		}
	}
}

func TestString(t *testing.T) {
	p := newPersona(t, Astronomy, llm.NewMockEngine(), newPrompts(), DefaultConfig())
	if !strings.Contains(p.String(), "astronomy") {
		t.Errorf("String() = %q", p.String())
	}
}

func TestRespondTextPersistsTurn(t *testing.T) {
	ctx := context.Background()
	engine := llm.NewMockEngine(llm.MockResponse{Text: "R1"})
	p := newPersona(t, General, engine, newPrompts(), DefaultConfig())

	reply, err := p.Respond(ctx, "u1", []message.Message{user("A1")}, 0, "")
	if err != nil {
		t.Fatalf("Respond returned error: %v", err)
	}
	if reply != "R1" {
		t.Errorf("reply = %q", reply)
	}

	w, _ := p.Window(ctx, "u1")
	if len(w) != 3 || w[0].Text() != "S-chat" || w[1].Text() != "A1" || w[2].Text() != "R1" {
		t.Errorf("window = %v", w)
	}

	call := engine.Calls()[0]
	if call.Multimodal {
		t.Error("text turn routed to multimodal")
	}
	if call.Sampling.MaxTokens != DefaultMaxLength {
		t.Errorf("max tokens = %d, want %d", call.Sampling.MaxTokens, DefaultMaxLength)
	}
	if *call.Sampling.TopK != 75 {
		t.Errorf("text sampling not applied: %+v", call.Sampling)
	}
}

func TestRespondOverrideIsPerTurn(t *testing.T) {
	ctx := context.Background()
	engine := llm.NewMockEngine(llm.MockResponse{Text: "ok"})
	p := newPersona(t, General, engine, newPrompts(), DefaultConfig())

	if _, err := p.Respond(ctx, "u1", []message.Message{user("hi")}, 0, "pirate"); err != nil {
		t.Fatalf("Respond returned error: %v", err)
	}
	if got := engine.Calls()[0].Window[0].Text(); got != "pirate" {
		t.Errorf("system sent = %q, want override", got)
	}
	if p.SystemPrompt() != "S-chat" {
		t.Errorf("override leaked into persona prompt")
	}

	if _, err := p.Respond(ctx, "u1", []message.Message{user("again")}, 0, ""); err != nil {
		t.Fatalf("Respond returned error: %v", err)
	}
	if got := engine.Calls()[1].Window[0].Text(); got != "S-chat" {
		t.Errorf("system sent = %q, want current prompt", got)
	}
}

func TestRefreshTakesEffectImmediately(t *testing.T) {
	ctx := context.Background()
	src := newPrompts()
	engine := llm.NewMockEngine(llm.MockResponse{Text: "ok"})
	p := newPersona(t, Astronomy, engine, src, DefaultConfig())

	_, _ = p.Respond(ctx, "u1", []message.Message{user("first")}, 0, "")
	src.set("astronomy", "S-astro-v2")
	if err := p.RefreshSystemPrompt(ctx); err != nil {
		t.Fatalf("RefreshSystemPrompt returned error: %v", err)
	}
	_, _ = p.Respond(ctx, "u1", []message.Message{user("second")}, 0, "")

	if got := engine.Calls()[1].Window[0].Text(); got != "S-astro-v2" {
		t.Errorf("open window used stale prompt %q", got)
	}
	w, _ := p.Window(ctx, "u1")
	if w[0].Text() != "S-astro-v2" {
		t.Errorf("stored slot 0 = %q", w[0].Text())
	}
}

func TestRespondTextFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	engine := llm.NewMockEngine(llm.MockResponse{Error: errors.New("boom")})
	p := newPersona(t, Electricity, engine, newPrompts(), DefaultConfig())

	_, err := p.Respond(ctx, "u1", []message.Message{user("hi")}, 0, "")
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("error = %v, want *GenerationError", err)
	}
	if ge.Persona != Electricity {
		t.Errorf("GenerationError.Persona = %q", ge.Persona)
	}

	w, _ := p.Window(ctx, "u1")
	if len(w) != 1 {
		t.Errorf("failed turn persisted: %v", w)
	}
}

func TestRespondTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	for _, msgs := range [][]message.Message{
		{user("hi")},
		{{Role: message.RoleUser, Parts: []message.Part{message.ImagePart("file:///a.png"), message.TextPart("what")}}},
	} {
		inner := llm.NewMockEngine(llm.MockResponse{Text: "late", Delay: time.Second})
		guard := llm.NewGuard(inner, 1, 10*time.Millisecond)
		p := newPersona(t, General, guard, newPrompts(), DefaultConfig())
		_, err := p.Respond(ctx, "u1", msgs, 0, "")
		var te *llm.TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("error = %v, want *llm.TimeoutError", err)
		}
	}
}

func TestRespondCancelledPersistsNothing(t *testing.T) {
	engine := llm.NewMockEngine(llm.MockResponse{Text: "late", Delay: time.Second})
	p := newPersona(t, General, engine, newPrompts(), DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Respond(ctx, "u1", []message.Message{user("hi")}, 0, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	w, _ := p.Window(context.Background(), "u1")
	if len(w) != 1 {
		t.Errorf("cancelled turn persisted: %v", w)
	}
}

func TestRespondMultimodal(t *testing.T) {
	ctx := context.Background()
	engine := llm.NewMockEngine(llm.MockResponse{Text: "a red ball"})
	p := newPersona(t, General, engine, newPrompts(), DefaultConfig())

	msg, err := message.Normalize(message.FromLegacy(message.RoleUser, message.Legacy{Type: message.KindImage, Ref: "file:///b.png"}))
	if err != nil {
		t.Fatal(err)
	}
	reply, err := p.Respond(ctx, "u1", []message.Message{msg}, 300, "")
	if err != nil {
		t.Fatalf("Respond returned error: %v", err)
	}
	if reply != "a red ball" {
		t.Errorf("reply = %q", reply)
	}

	call := engine.Calls()[0]
	if !call.Multimodal || len(call.Window) != 2 || !call.Window[1].HasMedia() {
		t.Errorf("multimodal call = %+v", call)
	}
	if call.Sampling.MaxTokens != 300 || *call.Sampling.RepetitionPenalty != 1.1 {
		t.Errorf("multimodal sampling = %+v", call.Sampling)
	}

	w, _ := p.Window(ctx, "u1")
	if len(w) != 3 {
		t.Fatalf("window = %v", w)
	}
	if w[1].HasMedia() || w[1].Text() != message.DefaultImagePrompt {
		t.Errorf("stored user turn not flattened: %+v", w[1])
	}
}

func TestRespondMultimodalMediaOnlyUsesPlaceholder(t *testing.T) {
	ctx := context.Background()
	p := newPersona(t, General, llm.NewMockEngine(llm.MockResponse{Text: "ok"}), newPrompts(), DefaultConfig())

	msg := message.Message{Role: message.RoleUser, Parts: []message.Part{message.VideoPart("file:///v.mp4", 2)}}
	if _, err := p.Respond(ctx, "u1", []message.Message{msg}, 0, ""); err != nil {
		t.Fatalf("Respond returned error: %v", err)
	}
	w, _ := p.Window(ctx, "u1")
	if w[1].Text() != message.MediaPlaceholder {
		t.Errorf("stored text = %q, want placeholder", w[1].Text())
	}
}

func TestRespondMultimodalFailureApologises(t *testing.T) {
	ctx := context.Background()
	engine := llm.NewMockEngine(llm.MockResponse{Error: errors.New("gpu on fire")})
	p := newPersona(t, General, engine, newPrompts(), DefaultConfig())

	msg := message.Message{Role: message.RoleUser, Parts: []message.Part{message.ImagePart("file:///x.png"), message.TextPart("?")}}
	reply, err := p.Respond(ctx, "u1", []message.Message{msg}, 0, "")
	if err != nil {
		t.Fatalf("Respond returned error: %v", err)
	}
	if reply != MultimodalApology {
		t.Errorf("reply = %q, want apology", reply)
	}
	w, _ := p.Window(ctx, "u1")
	if len(w) != 1 {
		t.Errorf("failed media turn persisted: %v", w)
	}
}

func TestRespondBudgetKeepsSystemAndFits(t *testing.T) {
	ctx := context.Background()
	engine := llm.NewMockEngine(llm.MockResponse{Text: "r"})
	cfg := DefaultConfig()
	cfg.PerMessageTokens = 10
	cfg.WindowTokens = 30
	p := newPersona(t, General, engine, newPrompts(), cfg)

	for i := 0; i < 5; i++ {
		if _, err := p.Respond(ctx, "u1", []message.Message{user(strings.Repeat("x", 9))}, 0, ""); err != nil {
			t.Fatalf("Respond %d returned error: %v", i, err)
		}
	}

	b := budget.New(nil)
	for i, call := range engine.Calls() {
		if call.Window[0].Role != message.RoleSystem || call.Window[0].Text() != "S-chat" {
			t.Errorf("call %d dropped the system prompt", i)
		}
		if got := b.WindowTokens(call.Window); got > cfg.WindowTokens {
			t.Errorf("call %d window has %d tokens, budget %d", i, got, cfg.WindowTokens)
		}
	}
	last := engine.Calls()[4].Window
	if last[len(last)-1].Text() != strings.Repeat("x", 9) {
		t.Errorf("newest message missing from fitted window")
	}
}

func TestRespondNewestTooLargeForBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerMessageTokens = 100
	cfg.WindowTokens = 20
	engine := llm.NewMockEngine(llm.MockResponse{Text: "r"})
	p := newPersona(t, General, engine, newPrompts(), cfg)

	_, err := p.Respond(context.Background(), "u1", []message.Message{user(strings.Repeat("y", 50))}, 0, "")
	var be *budget.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want *budget.BudgetExceededError", err)
	}
	if engine.CallCount() != 0 {
		t.Error("engine called for over-budget turn")
	}
}

func TestMaxLengthPolicy(t *testing.T) {
	src := newPrompts()
	mech := newPersona(t, Mechanics, llm.NewMockEngine(), src, DefaultConfig())
	if got := mech.MaxLength(100); got != 16000 {
		t.Errorf("mechanics MaxLength = %d, want 16000", got)
	}

	gen := newPersona(t, General, llm.NewMockEngine(), src, DefaultConfig())
	if got := gen.MaxLength(0); got != DefaultMaxLength {
		t.Errorf("general MaxLength(0) = %d", got)
	}
	if got := gen.MaxLength(123); got != 123 {
		t.Errorf("general MaxLength(123) = %d", got)
	}

	cfg := DefaultConfig()
	cfg.MaxLengthPolicy = "min(requested, 1000)"
	capped := newPersona(t, Astronomy, llm.NewMockEngine(), src, cfg)
	if got := capped.MaxLength(5000); got != 1000 {
		t.Errorf("capped MaxLength = %d", got)
	}
}

func TestNewRejectsBadPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLengthPolicy = "requested +"
	_, err := New(context.Background(), Identity{Kind: General}, cfg, Deps{Engine: llm.NewMockEngine(), Prompts: newPrompts()})
	if err == nil {
		t.Fatal("expected error for invalid policy")
	}
}

func TestResetHistory(t *testing.T) {
	ctx := context.Background()
	p := newPersona(t, General, llm.NewMockEngine(llm.MockResponse{Text: "r"}), newPrompts(), DefaultConfig())
	_, _ = p.Respond(ctx, "u1", []message.Message{user("a")}, 0, "")

	if err := p.ResetHistory(ctx, "u1"); err != nil {
		t.Fatalf("ResetHistory returned error: %v", err)
	}
	w, _ := p.Window(ctx, "u1")
	if len(w) != 1 || w[0].Text() != "S-chat" {
		t.Errorf("window after reset = %v", w)
	}
}

func TestPersonasKeepSeparateWindows(t *testing.T) {
	ctx := context.Background()
	store := history.NewStore()
	src := newPrompts()
	build := func(kind Kind) *Persona {
		p, err := New(ctx, Identity{Kind: kind, Engine: "mock", MaxHistory: 8}, DefaultConfig(), Deps{
			Engine: llm.NewMockEngine(llm.MockResponse{Text: "r"}), Prompts: src, History: store,
		})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	a, m := build(Astronomy), build(Mechanics)

	_, _ = a.Respond(ctx, "u1", []message.Message{user("stars")}, 0, "")
	w, _ := m.Window(ctx, "u1")
	if len(w) != 1 {
		t.Errorf("mechanics saw astronomy history: %v", w)
	}
}
