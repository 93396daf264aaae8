package budget

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/szaher/designs/personagw/internal/message"
)

func text(role message.Role, s string) message.Message {
	return message.NewText(role, s)
}

func TestCountTokens(t *testing.T) {
	b := New(nil)
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"abc", 3},
		{"请描述这张图片。", 8},
	}
	for _, tt := range tests {
		if got := b.CountTokens(tt.input); got != tt.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	b := New(RuneTokenizer{})

	t.Run("fits unchanged", func(t *testing.T) {
		if got := b.Truncate("hello", 10); got != "hello" {
			t.Errorf("Truncate = %q", got)
		}
	})

	t.Run("keeps prefix", func(t *testing.T) {
		if got := b.Truncate("你好世界", 2); got != "你好" {
			t.Errorf("Truncate = %q, want %q", got, "你好")
		}
	})

	t.Run("zero disables", func(t *testing.T) {
		if got := b.Truncate("hello", 0); got != "hello" {
			t.Errorf("Truncate = %q", got)
		}
	})
}

func TestFitWindowTruncatesToPerMessageLimit(t *testing.T) {
	b := New(RuneTokenizer{})
	long := strings.Repeat("x", 600)

	got, err := b.FitWindow([]message.Message{text(message.RoleUser, long)}, 512, 2048)
	if err != nil {
		t.Fatalf("FitWindow returned error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if n := b.CountMessage(got[0]); n != 512 {
		t.Errorf("truncated message has %d tokens, want 512", n)
	}
}

func TestFitWindowDropsOldestWhole(t *testing.T) {
	b := New(RuneTokenizer{})
	msgs := []message.Message{
		text(message.RoleUser, strings.Repeat("a", 40)),
		text(message.RoleAssistant, strings.Repeat("b", 30)),
		text(message.RoleUser, strings.Repeat("c", 30)),
	}

	got, err := b.FitWindow(msgs, 512, 65)
	if err != nil {
		t.Fatalf("FitWindow returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Text()[0] != 'b' || got[1].Text()[0] != 'c' {
		t.Errorf("unexpected order: %q, %q", got[0].Text(), got[1].Text())
	}
}

func TestFitWindowStopsAtFirstOverflow(t *testing.T) {
	b := New(RuneTokenizer{})
	// The middle message overflows; the small oldest one must not be admitted
	// past the gap.
	msgs := []message.Message{
		text(message.RoleUser, "ok"),
		text(message.RoleAssistant, strings.Repeat("m", 50)),
		text(message.RoleUser, strings.Repeat("n", 10)),
	}
	got, err := b.FitWindow(msgs, 512, 20)
	if err != nil {
		t.Fatalf("FitWindow returned error: %v", err)
	}
	if len(got) != 1 || got[0].Text() != strings.Repeat("n", 10) {
		t.Errorf("FitWindow = %+v, want only newest", got)
	}
}

func TestFitWindowBudgetAndOrderProperty(t *testing.T) {
	b := New(RuneTokenizer{})
	for total := 1; total <= 120; total += 7 {
		for per := 1; per <= 40; per += 9 {
			msgs := make([]message.Message, 12)
			for i := range msgs {
				msgs[i] = text(message.RoleUser, fmt.Sprintf("%02d:%s", i, strings.Repeat("z", (i*7)%25)))
			}

			got, err := b.FitWindow(msgs, per, total)
			if err != nil {
				var exceeded *BudgetExceededError
				if !errors.As(err, &exceeded) {
					t.Fatalf("unexpected error type: %v", err)
				}
				continue
			}

			if sum := b.WindowTokens(got); sum > total {
				t.Fatalf("per=%d total=%d: window has %d tokens", per, total, sum)
			}

			// Kept messages are the newest ones, in original order.
			offset := len(msgs) - len(got)
			for i, m := range got {
				want := b.Truncate(msgs[offset+i].Text(), per)
				if m.Text() != want {
					t.Fatalf("per=%d total=%d: position %d = %q, want %q", per, total, i, m.Text(), want)
				}
			}
		}
	}
}

func TestFitWindowNewestTooLarge(t *testing.T) {
	b := New(RuneTokenizer{})
	msgs := []message.Message{text(message.RoleUser, strings.Repeat("q", 100))}

	_, err := b.FitWindow(msgs, 512, 50)
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if exceeded.Tokens != 100 || exceeded.Limit != 50 {
		t.Errorf("error = %+v", exceeded)
	}
}

func TestFitWindowKeepsMediaParts(t *testing.T) {
	b := New(RuneTokenizer{})
	m := message.Message{Role: message.RoleUser, Parts: []message.Part{
		message.ImagePart("img"),
		message.TextPart(strings.Repeat("t", 20)),
	}}
	got, err := b.FitWindow([]message.Message{m}, 5, 100)
	if err != nil {
		t.Fatalf("FitWindow returned error: %v", err)
	}
	if !got[0].HasMedia() {
		t.Error("media part dropped")
	}
	if got[0].Text() != "ttttt" {
		t.Errorf("text = %q", got[0].Text())
	}
}

func TestFitWindowDoesNotMutateInput(t *testing.T) {
	b := New(RuneTokenizer{})
	msgs := []message.Message{text(message.RoleUser, strings.Repeat("w", 30))}
	if _, err := b.FitWindow(msgs, 10, 100); err != nil {
		t.Fatalf("FitWindow returned error: %v", err)
	}
	if msgs[0].Text() != strings.Repeat("w", 30) {
		t.Error("input message was truncated in place")
	}
}

func TestNewTokenizerRune(t *testing.T) {
	tok, err := NewTokenizer("")
	if err != nil {
		t.Fatalf("NewTokenizer returned error: %v", err)
	}
	if _, ok := tok.(RuneTokenizer); !ok {
		t.Errorf("NewTokenizer(\"\") = %T, want RuneTokenizer", tok)
	}
}

// danglingTokenizer decodes any non-empty prefix with a trailing replacement
// character, so a cut prefix re-encodes to one more token than was kept.
type danglingTokenizer struct{ RuneTokenizer }

func (d danglingTokenizer) Decode(tokens []int) string {
	if len(tokens) == 0 {
		return ""
	}
	return d.RuneTokenizer.Decode(tokens) + "�"
}

func TestTruncateRecountsDecodedPrefix(t *testing.T) {
	b := New(danglingTokenizer{})

	got := b.Truncate(strings.Repeat("a", 20), 11)
	if n := b.CountTokens(got); n > 11 {
		t.Errorf("Truncate result re-encodes to %d tokens, want <= 11", n)
	}

	msgs := []message.Message{
		text(message.RoleUser, strings.Repeat("b", 30)),
		text(message.RoleAssistant, strings.Repeat("c", 30)),
	}
	window, err := b.FitWindow(msgs, 11, 22)
	if err != nil {
		t.Fatalf("FitWindow returned error: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(window))
	}
	for i, m := range window {
		if n := b.CountMessage(m); n > 11 {
			t.Errorf("message %d re-encodes to %d tokens, want <= 11", i, n)
		}
	}
	if n := b.WindowTokens(window); n > 22 {
		t.Errorf("window re-encodes to %d tokens, want <= 22", n)
	}
}

func TestFitWindowTiktokenMixedScript(t *testing.T) {
	tok, err := NewTokenizer("cl100k_base")
	if err != nil {
		t.Fatalf("NewTokenizer returned error: %v", err)
	}
	b := New(tok)

	var msgs []message.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs, text(message.RoleUser,
			fmt.Sprintf("第%d轮：请解释 Newton 的第二定律 F=ma，以及它与动量守恒的关系。Explain briefly 请简要说明。", i)))
	}

	for _, perMessage := range []int{3, 7, 11, 17} {
		t.Run(fmt.Sprint(perMessage), func(t *testing.T) {
			total := perMessage * 3
			window, err := b.FitWindow(msgs, perMessage, total)
			if err != nil {
				t.Fatalf("FitWindow returned error: %v", err)
			}
			if len(window) == 0 {
				t.Fatal("empty window")
			}
			for i, m := range window {
				if n := b.CountMessage(m); n > perMessage {
					t.Errorf("message %d re-encodes to %d tokens, want <= %d", i, n, perMessage)
				}
			}
			if n := b.WindowTokens(window); n > total {
				t.Errorf("window re-encodes to %d tokens, want <= %d", n, total)
			}
		})
	}
}
