// Package tokenizer counts tokens for context budgeting. It wraps
// tiktoken's cl100k_base encoding and falls back to a bytes/4 heuristic
// when the encoding data is unavailable (e.g. offline environments).
package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"

	"weft/pkg/logger"
)

type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// New initializes the tokenizer. It never fails hard: without encoding
// data the heuristic fallback is used.
func New() *Tokenizer {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken_unavailable_using_heuristic", "error", err)
		return &Tokenizer{}
	}
	return &Tokenizer{enc: enc}
}

// CountTokens returns the token count for the text.
func (t *Tokenizer) CountTokens(text string) int {
	if t == nil || t.enc == nil {
		// ~4 bytes per token is the usual rough estimate for English text
		return (len(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}
