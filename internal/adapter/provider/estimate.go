package provider

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/deepr-dev/deepr/internal/domain"
)

// Per-model flat rates in USD. Deep research runs bill mostly for tool use,
// so a per-run base dominated by the model tier approximates real spend far
// better than pure token pricing.
var modelBaseCost = map[string]float64{
	"o3-deep-research":      1.50,
	"o4-mini-deep-research": 0.40,
	"gpt-4o":                0.10,
	"gpt-4o-mini":           0.02,
	"small":                 0.01,
}

const (
	defaultBaseCost     = 0.50
	inputCostPer1K      = 0.002
	toolSurcharge       = 0.05
	estimateEncoding    = "cl100k_base"
	fallbackCharsPerTok = 4
)

// EstimateCost predicts the USD cost of a run from its model tier, prompt
// length and requested tools. The admission path treats this as an upper
// bound; actual spend is reconciled from provider accounting on completion.
func EstimateCost(model, prompt string, tools []domain.Tool) float64 {
	base, ok := modelBaseCost[model]
	if !ok {
		base = defaultBaseCost
	}
	cost := base
	cost += float64(countTokens(prompt)) / 1000 * inputCostPer1K
	for _, t := range tools {
		if t.Kind != domain.ToolFileSearch {
			cost += toolSurcharge
		}
	}
	return cost
}

func countTokens(text string) int {
	enc, err := tiktoken.GetEncoding(estimateEncoding)
	if err != nil {
		return len(strings.TrimSpace(text)) / fallbackCharsPerTok
	}
	return len(enc.Encode(text, nil, nil))
}
