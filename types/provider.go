package types

// Provider identifies which upstream LLM API format an interaction used.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderUnknown   Provider = "unknown"
)

// String returns the wire representation of the provider tag.
func (p Provider) String() string {
	return string(p)
}
