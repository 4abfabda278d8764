package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"agent-interceptor/types"
)

func testRegistry() *Registry {
	return NewRegistry("https://openai.example", "https://anthropic.example", "http://ollama.example")
}

func TestRegistryDetect(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		name     string
		path     string
		headers  map[string]string
		provider types.Provider
		upstream string
	}{
		{
			name:     "anthropic messages path",
			path:     "/v1/messages",
			provider: types.ProviderAnthropic,
			upstream: "https://anthropic.example",
		},
		{
			name:     "anthropic by version header",
			path:     "/v1/complete",
			headers:  map[string]string{"anthropic-version": "2023-06-01"},
			provider: types.ProviderAnthropic,
			upstream: "https://anthropic.example",
		},
		{
			name:     "ollama api path",
			path:     "/api/chat",
			provider: types.ProviderOllama,
			upstream: "http://ollama.example",
		},
		{
			name:     "openai chat completions",
			path:     "/v1/chat/completions",
			provider: types.ProviderOpenAI,
			upstream: "https://openai.example",
		},
		{
			name:     "openai embeddings",
			path:     "/v1/embeddings",
			provider: types.ProviderOpenAI,
			upstream: "https://openai.example",
		},
		{
			name:     "root probe falls through to ollama",
			path:     "/",
			provider: types.ProviderOllama,
			upstream: "http://ollama.example",
		},
		{
			name:     "unversioned path falls through to ollama",
			path:     "/version",
			provider: types.ProviderOllama,
			upstream: "http://ollama.example",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := tt.headers
			if headers == nil {
				headers = map[string]string{}
			}
			provider, parser, upstream := r.Detect(tt.path, headers)
			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.provider, parser.Provider())
			assert.Equal(t, tt.upstream, upstream)
		})
	}
}

func TestRegistryAnthropicHeaderNeedsV1Path(t *testing.T) {
	r := testRegistry()

	// anthropic-version header alone does not reroute non-/v1/ paths
	provider, _, _ := r.Detect("/api/chat", map[string]string{"anthropic-version": "2023-06-01"})
	assert.Equal(t, types.ProviderOllama, provider)
}

func TestRegistryInterceptorPathIsUnknown(t *testing.T) {
	r := testRegistry()

	provider, _, upstream := r.Detect("/_interceptor/stats", map[string]string{})
	assert.Equal(t, types.ProviderUnknown, provider)
	assert.Empty(t, upstream)
}

func TestRegistryParsersAreSingletons(t *testing.T) {
	r := testRegistry()

	_, first, _ := r.Detect("/v1/chat/completions", map[string]string{})
	_, second, _ := r.Detect("/v1/embeddings", map[string]string{})
	assert.Same(t, first, second)
}

func TestPricingOverrides(t *testing.T) {
	p := NewOpenAIParser()
	p.OverridePricing(map[string]ModelPrice{"gpt-4o": {5.00, 20.00}})

	input, output := 1_000_000, 1_000_000
	usage := &types.TokenUsage{InputTokens: &input, OutputTokens: &output}
	cost := p.EstimateCost("gpt-4o", usage)
	assert.InDelta(t, 25.00, cost.TotalCost, 0.001)

	// A fresh parser instance keeps the built-in table
	fresh := NewOpenAIParser()
	cost = fresh.EstimateCost("gpt-4o", usage)
	assert.InDelta(t, 12.50, cost.TotalCost, 0.001)
}
