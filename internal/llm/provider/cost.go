package provider

import "strings"

// ModelPricing contains pricing information for a specific model.
type ModelPricing struct {
	InputPer1M  float64 // Cost per 1M input tokens in USD
	OutputPer1M float64 // Cost per 1M output tokens in USD
}

// defaultPricing covers the models the council commonly runs on.
// Unknown models fall back to a conservative flat rate so cost accumulation
// never silently reports zero.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":           {InputPer1M: 2.5, OutputPer1M: 10.0},
	"gpt-4o-mini":      {InputPer1M: 0.15, OutputPer1M: 0.6},
	"gpt-4-turbo":      {InputPer1M: 10.0, OutputPer1M: 30.0},
	"gemini-2.0-flash": {InputPer1M: 0.1, OutputPer1M: 0.4},
	"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.0},
}

var fallbackPricing = ModelPricing{InputPer1M: 5.0, OutputPer1M: 15.0}

// EstimateCost returns the estimated spend in USD for one invocation.
// Versioned model names match their base entry by prefix.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := defaultPricing[model]
	if !ok {
		for base, p := range defaultPricing {
			if strings.HasPrefix(model, base) {
				pricing, ok = p, true
				break
			}
		}
	}
	if !ok {
		pricing = fallbackPricing
	}
	return float64(inputTokens)/1e6*pricing.InputPer1M + float64(outputTokens)/1e6*pricing.OutputPer1M
}
