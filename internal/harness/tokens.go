package harness

import "strings"

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64 // Cost per 1M input tokens
	OutputPerMillion float64 // Cost per 1M output tokens
}

// DefaultModelPricing contains pricing for known models.
var DefaultModelPricing = map[string]ModelPricing{
	"claude-opus-4-5-20251101":   {InputPerMillion: 5.00, OutputPerMillion: 25.00},
	"claude-opus-4-20250514":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-5-20250929": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// fallbackPricing is used for models missing from the table.
var fallbackPricing = ModelPricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// PricingFor returns the pricing for model, matching aliases like "opus"
// or "haiku" by family.
func PricingFor(model string) ModelPricing {
	if p, ok := DefaultModelPricing[model]; ok {
		return p
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return DefaultModelPricing["claude-opus-4-20250514"]
	case strings.Contains(m, "haiku"):
		return DefaultModelPricing["claude-3-5-haiku-20241022"]
	default:
		return fallbackPricing
	}
}

// EstimateCost prices a token count for model.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	p := PricingFor(model)
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}
