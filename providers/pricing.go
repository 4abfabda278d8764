package providers

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"agent-interceptor/types"
)

// ModelPrice is the cost per million tokens in USD.
type ModelPrice struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// lookupPrice finds pricing for a model: exact match first, then the
// longest matching prefix. Returns false when the model is unknown.
func lookupPrice(table map[string]ModelPrice, model string) (ModelPrice, bool) {
	if price, ok := table[model]; ok {
		return price, true
	}
	var best string
	var bestPrice ModelPrice
	for key, price := range table {
		if strings.HasPrefix(model, key) && len(key) > len(best) {
			best = key
			bestPrice = price
		}
	}
	return bestPrice, best != ""
}

// estimateFromTable computes a cost estimate from a pricing table.
// Unknown models still yield an estimate, with a note and zero cost.
func estimateFromTable(table map[string]ModelPrice, model string, usage *types.TokenUsage) *types.CostEstimate {
	if model == "" || usage == nil {
		return nil
	}

	price, ok := lookupPrice(table, model)
	if !ok {
		return &types.CostEstimate{Model: model, Note: "Unknown model, no pricing available"}
	}

	inputTokens := 0
	if usage.InputTokens != nil {
		inputTokens = *usage.InputTokens
	}
	outputTokens := 0
	if usage.OutputTokens != nil {
		outputTokens = *usage.OutputTokens
	}

	inputCost := float64(inputTokens) / 1_000_000 * price.Input
	outputCost := float64(outputTokens) / 1_000_000 * price.Output

	return &types.CostEstimate{
		InputCost:  inputCost,
		OutputCost: outputCost,
		TotalCost:  inputCost + outputCost,
		Model:      model,
	}
}

// LoadPricingOverrides reads a YAML file mapping model names to per-million
// token prices and merges it over the built-in tables of the given parsers.
//
//	gpt-4o:
//	  input: 2.50
//	  output: 10.00
func LoadPricingOverrides(path string, parsers ...Parser) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading pricing overrides: %w", err)
	}

	overrides := map[string]ModelPrice{}
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return fmt.Errorf("parsing pricing overrides: %w", err)
	}

	for _, p := range parsers {
		if priced, ok := p.(interface{ OverridePricing(map[string]ModelPrice) }); ok {
			priced.OverridePricing(overrides)
		}
	}
	return nil
}

func clonePricing(table map[string]ModelPrice) map[string]ModelPrice {
	out := make(map[string]ModelPrice, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}
