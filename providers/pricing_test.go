package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-interceptor/types"
)

func TestLoadPricingOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"my-finetune:\n  input: 1.0\n  output: 2.0\n"), 0644))

	r := testRegistry()
	require.NoError(t, LoadPricingOverrides(path, r.Parsers()...))

	input, output := 1_000_000, 1_000_000
	usage := &types.TokenUsage{InputTokens: &input, OutputTokens: &output}

	_, parser, _ := r.Detect("/v1/chat/completions", map[string]string{})
	cost := parser.EstimateCost("my-finetune", usage)
	require.NotNil(t, cost)
	assert.InDelta(t, 3.0, cost.TotalCost, 0.001)
}

func TestLoadPricingOverridesMissingFile(t *testing.T) {
	err := LoadPricingOverrides(filepath.Join(t.TempDir(), "absent.yaml"), NewOpenAIParser())
	assert.Error(t, err)
}

func TestLookupPricePrefersLongestPrefix(t *testing.T) {
	table := map[string]ModelPrice{
		"gpt-4":  {30, 60},
		"gpt-4o": {2.5, 10},
	}
	price, ok := lookupPrice(table, "gpt-4o-2024-08-06")
	require.True(t, ok)
	assert.Equal(t, 2.5, price.Input)

	price, ok = lookupPrice(table, "gpt-4-0613")
	require.True(t, ok)
	assert.Equal(t, 30.0, price.Input)

	_, ok = lookupPrice(table, "mistral-7b")
	assert.False(t, ok)
}
