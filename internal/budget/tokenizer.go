package budget

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// Tokenizer converts text to token ids and back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// RuneTokenizer treats every Unicode code point as one token. It over-counts
// compared to a BPE vocabulary for Latin text and is close to exact for CJK,
// which makes it a safe fallback when no model vocabulary is available.
type RuneTokenizer struct{}

// Encode returns one token per rune.
func (RuneTokenizer) Encode(text string) []int {
	runes := []rune(text)
	tokens := make([]int, len(runes))
	for i, r := range runes {
		tokens[i] = int(r)
	}
	return tokens
}

// Decode reverses Encode.
func (RuneTokenizer) Decode(tokens []int) string {
	runes := make([]rune, len(tokens))
	for i, t := range tokens {
		runes[i] = rune(t)
	}
	return string(runes)
}

var loaderOnce sync.Once

// TiktokenTokenizer counts with a BPE vocabulary bundled into the binary.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads the named encoding (e.g. "cl100k_base") from the
// embedded offline vocabulary; no network access is needed.
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

// Encode tokenizes text without special-token handling.
func (t *TiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// Decode converts tokens back to text. A cut in the middle of a multi-byte
// sequence yields replacement characters, as the upstream tokenizer does.
func (t *TiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// NewTokenizer returns the tokenizer named by kind: "rune" or a tiktoken
// encoding name. An empty kind selects "rune".
func NewTokenizer(kind string) (Tokenizer, error) {
	switch kind {
	case "", "rune":
		return RuneTokenizer{}, nil
	default:
		return NewTiktokenTokenizer(kind)
	}
}
