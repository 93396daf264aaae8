// Package budget counts tokens and trims prompt windows to fit a token budget.
package budget

import (
	"fmt"

	"github.com/szaher/designs/personagw/internal/message"
)

// Default limits applied when a persona does not override them.
const (
	DefaultPerMessageTokens = 512
	DefaultWindowTokens     = 2048
)

// BudgetExceededError is returned when the newest message cannot fit the window
// budget on its own, even after per-message truncation.
type BudgetExceededError struct {
	Tokens int
	Limit  int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("token budget exceeded: newest message needs %d tokens, window allows %d", e.Tokens, e.Limit)
}

// Budgeter applies token limits using a Tokenizer. It holds no state beyond the
// tokenizer and is safe for concurrent use if the tokenizer is.
type Budgeter struct {
	tok Tokenizer
}

// New creates a Budgeter. A nil tokenizer falls back to RuneTokenizer.
func New(tok Tokenizer) *Budgeter {
	if tok == nil {
		tok = RuneTokenizer{}
	}
	return &Budgeter{tok: tok}
}

// CountTokens returns the number of tokens in text.
func (b *Budgeter) CountTokens(text string) int {
	return len(b.tok.Encode(text))
}

// CountMessage returns the tokens of all text parts in m.
func (b *Budgeter) CountMessage(m message.Message) int {
	n := 0
	for _, p := range m.Parts {
		if p.Kind == message.KindText {
			n += b.CountTokens(p.Text)
		}
	}
	return n
}

// Truncate keeps the longest token prefix of text that fits maxTokens and
// decodes it back. maxTokens <= 0 disables truncation.
func (b *Budgeter) Truncate(text string, maxTokens int) string {
	out, _ := b.prefix(text, maxTokens)
	return out
}

// prefix returns the longest decoded token prefix of text whose re-encoded
// length fits maxTokens, along with that length. A decoded prefix can encode
// to more tokens than were cut, for example when the cut splits a multi-byte
// sequence, so the result is recounted and shortened until it fits.
func (b *Budgeter) prefix(text string, maxTokens int) (string, int) {
	tokens := b.tok.Encode(text)
	if maxTokens <= 0 || len(tokens) <= maxTokens {
		return text, len(tokens)
	}
	for k := maxTokens; k > 0; k-- {
		out := b.tok.Decode(tokens[:k])
		if n := b.CountTokens(out); n <= maxTokens {
			return out, n
		}
	}
	return "", 0
}

// truncateMessage caps the text parts of m at maxTokens in total, earlier parts
// first, and returns the copy with its resulting token count. Media parts are
// kept as-is.
func (b *Budgeter) truncateMessage(m message.Message, maxTokens int) (message.Message, int) {
	out := m.Clone()
	used := 0
	for i, p := range out.Parts {
		if p.Kind != message.KindText {
			continue
		}
		if maxTokens <= 0 {
			used += b.CountTokens(p.Text)
			continue
		}
		remaining := maxTokens - used
		if remaining <= 0 {
			out.Parts[i].Text = ""
			continue
		}
		text, n := b.prefix(p.Text, remaining)
		out.Parts[i].Text = text
		used += n
	}
	return out, used
}

// FitWindow selects the newest messages that fit totalMax tokens. Walking from
// newest to oldest, each message is first truncated to perMessageMax and then
// admitted only if the running total stays within totalMax; the first message
// that does not fit stops the walk and everything older is dropped whole. The
// result keeps chronological order. A limit <= 0 disables that limit.
//
// If the newest message does not fit by itself a *BudgetExceededError is
// returned rather than an empty window.
func (b *Budgeter) FitWindow(msgs []message.Message, perMessageMax, totalMax int) ([]message.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	kept := make([]message.Message, 0, len(msgs))
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m, n := b.truncateMessage(msgs[i], perMessageMax)
		if totalMax > 0 && total+n > totalMax {
			if len(kept) == 0 {
				return nil, &BudgetExceededError{Tokens: n, Limit: totalMax}
			}
			break
		}
		kept = append(kept, m)
		total += n
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, nil
}

// WindowTokens sums CountMessage over msgs.
func (b *Budgeter) WindowTokens(msgs []message.Message) int {
	total := 0
	for _, m := range msgs {
		total += b.CountMessage(m)
	}
	return total
}
