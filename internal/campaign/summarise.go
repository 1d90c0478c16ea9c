package campaign

import (
	"context"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const summariserEncoding = "cl100k_base"

// TruncatingSummariser bounds text to a token budget by keeping the head and
// tail and eliding the middle. It is the deterministic fallback behind the
// context-chaining step, so campaigns work with no extra provider spend.
type TruncatingSummariser struct{}

// Summarise keeps roughly two thirds of the budget from the start of the text
// and one third from the end.
func (TruncatingSummariser) Summarise(_ context.Context, text string, tokenBudget int) (string, error) {
	if tokenBudget <= 0 {
		tokenBudget = 3000
	}
	enc, err := tiktoken.GetEncoding(summariserEncoding)
	if err != nil {
		return truncateByRunes(text, tokenBudget*4), nil
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= tokenBudget {
		return text, nil
	}
	head := tokenBudget * 2 / 3
	tail := tokenBudget - head
	var b strings.Builder
	b.WriteString(enc.Decode(tokens[:head]))
	b.WriteString("\n\n[... elided ...]\n\n")
	b.WriteString(enc.Decode(tokens[len(tokens)-tail:]))
	return b.String(), nil
}

func truncateByRunes(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	head := maxRunes * 2 / 3
	tail := maxRunes - head
	return string(runes[:head]) + "\n\n[... elided ...]\n\n" + string(runes[len(runes)-tail:])
}
