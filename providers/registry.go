package providers

import (
	"strings"

	"agent-interceptor/types"
)

// Registry detects the provider for a request from its path and headers
// and hands back the matching parser singleton plus the upstream base URL.
type Registry struct {
	openaiBase    string
	anthropicBase string
	ollamaBase    string

	openai    *OpenAIParser
	anthropic *AnthropicParser
	ollama    *OllamaParser
}

// NewRegistry creates a registry with one parser instance per provider.
func NewRegistry(openaiBase, anthropicBase, ollamaBase string) *Registry {
	return &Registry{
		openaiBase:    openaiBase,
		anthropicBase: anthropicBase,
		ollamaBase:    ollamaBase,
		openai:        NewOpenAIParser(),
		anthropic:     NewAnthropicParser(),
		ollama:        NewOllamaParser(),
	}
}

// Parsers returns the parser singletons, used for applying pricing overrides.
func (r *Registry) Parsers() []Parser {
	return []Parser{r.openai, r.anthropic, r.ollama}
}

// Detect resolves (provider, parser, upstream base URL) for a request.
// Header names must be lowercased by the caller. First match wins:
//
//  1. /v1/messages           -> Anthropic
//  2. /v1/ + anthropic-version header -> Anthropic
//  3. /api/                  -> Ollama
//  4. /v1/                   -> OpenAI
//  5. /_interceptor/         -> unknown (routed before reaching here)
//  6. everything else        -> Ollama (root probes, /api-less endpoints)
func (r *Registry) Detect(path string, headers map[string]string) (types.Provider, Parser, string) {
	if strings.HasPrefix(path, "/v1/messages") {
		return types.ProviderAnthropic, r.anthropic, r.anthropicBase
	}

	if _, ok := headers["anthropic-version"]; ok && strings.HasPrefix(path, "/v1/") {
		return types.ProviderAnthropic, r.anthropic, r.anthropicBase
	}

	if strings.HasPrefix(path, "/api/") {
		return types.ProviderOllama, r.ollama, r.ollamaBase
	}

	if strings.HasPrefix(path, "/v1/") {
		return types.ProviderOpenAI, r.openai, r.openaiBase
	}

	// Internal endpoints are mounted ahead of the catch-all; this branch
	// only fires for paths that slip through.
	if strings.HasPrefix(path, "/_interceptor/") {
		return types.ProviderUnknown, r.openai, ""
	}

	// OpenAI and Anthropic always use /v1/ prefixes; anything else is
	// Ollama (HEAD /, GET /api/tags without the prefix, version probes).
	return types.ProviderOllama, r.ollama, r.ollamaBase
}
