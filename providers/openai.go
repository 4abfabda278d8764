package providers

import (
	"encoding/json"
	"sort"
	"strings"

	"agent-interceptor/types"
)

// defaultOpenAIPricing is cost per million tokens (input, output) in USD.
var defaultOpenAIPricing = map[string]ModelPrice{
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-4":         {30.00, 60.00},
	"gpt-3.5-turbo": {0.50, 1.50},
	"o1":            {15.00, 60.00},
	"o1-mini":       {3.00, 12.00},
	"o3-mini":       {1.10, 4.40},
}

// OpenAIParser handles the OpenAI Chat Completions format, which is also
// spoken by most OpenAI-compatible providers. Streaming is SSE with a
// terminating [DONE] marker.
type OpenAIParser struct {
	pricing map[string]ModelPrice
}

// NewOpenAIParser returns a parser with the built-in pricing table.
func NewOpenAIParser() *OpenAIParser {
	return &OpenAIParser{pricing: clonePricing(defaultOpenAIPricing)}
}

// OverridePricing merges per-model price overrides into the table.
func (p *OpenAIParser) OverridePricing(overrides map[string]ModelPrice) {
	for model, price := range overrides {
		p.pricing[model] = price
	}
}

func (p *OpenAIParser) Provider() types.Provider {
	return types.ProviderOpenAI
}

// ParseRequest extracts model, system prompt, messages, and tools from a
// chat completion request. The system prompt is the first role=system
// message; block-list content is flattened with spaces.
func (p *OpenAIParser) ParseRequest(body map[string]any) RequestFields {
	messages := messageList(getSlice(body, "messages"))

	var systemPrompt *string
	for _, msg := range messages {
		if getString(msg, "role") != "system" {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			systemPrompt = strPtr(content)
		case []any:
			var parts []string
			for _, raw := range content {
				if block, ok := raw.(map[string]any); ok {
					parts = append(parts, getString(block, "text"))
				}
			}
			systemPrompt = strPtr(strings.Join(parts, " "))
		}
		break
	}

	stream, _ := getBool(body, "stream")

	return RequestFields{
		Model:         getString(body, "model"),
		SystemPrompt:  systemPrompt,
		Messages:      messages,
		Tools:         messageList(getSlice(body, "tools")),
		IsStreaming:   stream,
		ImageMetadata: ExtractImageMetadata(messages),
	}
}

// ParseResponse extracts text, tool calls, and usage from a non-streaming
// chat completion response.
func (p *OpenAIParser) ParseResponse(body map[string]any) ResponseFields {
	result := ResponseFields{Model: getString(body, "model")}

	choices := getSlice(body, "choices")
	if len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			message := getMap(choice, "message")
			if text, ok := message["content"].(string); ok {
				result.ResponseText = strPtr(text)
			}
			result.ToolCalls = messageList(getSlice(message, "tool_calls"))
		}
	}

	result.TokenUsage = openAIUsage(getMap(body, "usage"))
	return result
}

// ParseStreamChunk parses one SSE data payload. A JSON decode failure
// yields a chunk whose parsed object wraps the raw line; parsing never
// fails outright.
func (p *OpenAIParser) ParseStreamChunk(data string) ChunkFields {
	if strings.TrimSpace(data) == "[DONE]" {
		return ChunkFields{FinishReason: "done", Parsed: map[string]any{"done": true}}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		return ChunkFields{Parsed: map[string]any{"raw": data}}
	}

	result := ChunkFields{Parsed: parsed, Model: getString(parsed, "model")}

	choices := getSlice(parsed, "choices")
	if len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			delta := getMap(choice, "delta")
			if content, ok := delta["content"].(string); ok {
				result.DeltaText = strPtr(content)
			}
			if toolCalls, ok := delta["tool_calls"]; ok {
				result.ToolCallDelta = toolCalls
			}
			result.FinishReason = getString(choice, "finish_reason")
		}
	}

	if usage := getMap(parsed, "usage"); usage != nil {
		result.TokenUsage = openAIUsage(usage)
	}

	return result
}

// ReconstructResponse reassembles the full response from stream chunks:
// delta texts concatenate in order, tool calls accumulate by index with
// argument fragments appended as they arrive.
func (p *OpenAIParser) ReconstructResponse(chunks []types.StreamChunk) ResponseFields {
	var textParts []string
	toolCalls := map[int]map[string]any{}
	var tokenUsage *types.TokenUsage
	var model string

	for _, chunk := range chunks {
		if chunk.DeltaText != nil && *chunk.DeltaText != "" {
			textParts = append(textParts, *chunk.DeltaText)
		}
		if chunk.Parsed == nil {
			continue
		}
		if model == "" {
			model = getString(chunk.Parsed, "model")
		}

		choices := getSlice(chunk.Parsed, "choices")
		if len(choices) > 0 {
			choice, _ := choices[0].(map[string]any)
			delta := getMap(choice, "delta")
			for _, raw := range getSlice(delta, "tool_calls") {
				tc, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				idx := 0
				if n := getInt(tc, "index"); n != nil {
					idx = *n
				}
				entry, ok := toolCalls[idx]
				if !ok {
					entry = map[string]any{
						"id":       "",
						"type":     "function",
						"function": map[string]any{"name": "", "arguments": ""},
					}
					toolCalls[idx] = entry
				}
				if id := getString(tc, "id"); id != "" {
					entry["id"] = id
				}
				fn := getMap(tc, "function")
				entryFn := entry["function"].(map[string]any)
				if name, ok := fn["name"].(string); ok {
					entryFn["name"] = name
				}
				if args, ok := fn["arguments"].(string); ok {
					entryFn["arguments"] = entryFn["arguments"].(string) + args
				}
			}
		}

		if usage := getMap(chunk.Parsed, "usage"); usage != nil {
			tokenUsage = openAIUsage(usage)
		}
	}

	result := ResponseFields{Model: model, TokenUsage: tokenUsage}
	if len(textParts) > 0 {
		result.ResponseText = strPtr(strings.Join(textParts, ""))
	}
	if len(toolCalls) > 0 {
		indexes := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			result.ToolCalls = append(result.ToolCalls, toolCalls[idx])
		}
	}
	return result
}

// EstimateCost prices the interaction against the OpenAI table.
func (p *OpenAIParser) EstimateCost(model string, usage *types.TokenUsage) *types.CostEstimate {
	return estimateFromTable(p.pricing, model, usage)
}

func openAIUsage(usage map[string]any) *types.TokenUsage {
	if usage == nil {
		return nil
	}
	return &types.TokenUsage{
		InputTokens:  getInt(usage, "prompt_tokens"),
		OutputTokens: getInt(usage, "completion_tokens"),
		TotalTokens:  getInt(usage, "total_tokens"),
	}
}
