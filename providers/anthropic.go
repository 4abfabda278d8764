package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"agent-interceptor/types"
)

// defaultAnthropicPricing is cost per million tokens (input, output) in USD.
var defaultAnthropicPricing = map[string]ModelPrice{
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-opus":     {15.00, 75.00},
	"claude-3-sonnet":   {3.00, 15.00},
	"claude-3-haiku":    {0.25, 1.25},
}

// AnthropicParser handles the Anthropic Messages API format. Streaming is
// SSE with typed events (message_start, content_block_delta, ...) carried
// in the data payloads.
type AnthropicParser struct {
	pricing map[string]ModelPrice
}

// NewAnthropicParser returns a parser with the built-in pricing table.
func NewAnthropicParser() *AnthropicParser {
	return &AnthropicParser{pricing: clonePricing(defaultAnthropicPricing)}
}

// OverridePricing merges per-model price overrides into the table.
func (p *AnthropicParser) OverridePricing(overrides map[string]ModelPrice) {
	for model, price := range overrides {
		p.pricing[model] = price
	}
}

func (p *AnthropicParser) Provider() types.Provider {
	return types.ProviderAnthropic
}

// ParseRequest extracts model, system prompt, messages, and tools. The
// system field is either a string or a list of text blocks joined with
// newlines.
func (p *AnthropicParser) ParseRequest(body map[string]any) RequestFields {
	messages := messageList(getSlice(body, "messages"))

	var systemPrompt *string
	switch system := body["system"].(type) {
	case string:
		systemPrompt = strPtr(system)
	case []any:
		var parts []string
		for _, raw := range system {
			if block, ok := raw.(map[string]any); ok && getString(block, "type") == "text" {
				parts = append(parts, getString(block, "text"))
			}
		}
		if len(parts) > 0 {
			systemPrompt = strPtr(strings.Join(parts, "\n"))
		}
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

// ParseResponse extracts text, tool calls, and usage from a messages
// response. Text blocks join with newlines; thinking blocks are wrapped
// in [thinking] markers; tool_use blocks become tool calls.
func (p *AnthropicParser) ParseResponse(body map[string]any) ResponseFields {
	result := ResponseFields{Model: getString(body, "model")}

	var textParts []string
	var toolCalls []map[string]any
	for _, raw := range getSlice(body, "content") {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch getString(block, "type") {
		case "text":
			textParts = append(textParts, getString(block, "text"))
		case "tool_use":
			toolCalls = append(toolCalls, block)
		case "thinking":
			textParts = append(textParts, fmt.Sprintf("[thinking]%s[/thinking]", getString(block, "thinking")))
		}
	}

	if len(textParts) > 0 {
		result.ResponseText = strPtr(strings.Join(textParts, "\n"))
	}
	result.ToolCalls = toolCalls
	result.TokenUsage = anthropicUsage(getMap(body, "usage"))
	return result
}

// ParseStreamChunk parses one SSE data payload. The event type comes from
// the JSON body, not the SSE event: line.
func (p *AnthropicParser) ParseStreamChunk(data string) ChunkFields {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		return ChunkFields{Parsed: map[string]any{"raw": data}}
	}

	result := ChunkFields{Parsed: parsed}

	switch getString(parsed, "type") {
	case "content_block_delta":
		delta := getMap(parsed, "delta")
		switch getString(delta, "type") {
		case "text_delta":
			result.DeltaText = strPtr(getString(delta, "text"))
		case "input_json_delta":
			result.ToolCallDelta = map[string]any{"partial_json": getString(delta, "partial_json")}
		case "thinking_delta":
			result.DeltaText = strPtr(getString(delta, "thinking"))
		}

	case "message_delta":
		delta := getMap(parsed, "delta")
		result.FinishReason = getString(delta, "stop_reason")
		if usage := getMap(parsed, "usage"); usage != nil {
			result.TokenUsage = &types.TokenUsage{OutputTokens: getInt(usage, "output_tokens")}
		}

	case "message_start":
		message := getMap(parsed, "message")
		result.Model = getString(message, "model")
		if usage := getMap(message, "usage"); usage != nil {
			result.TokenUsage = anthropicUsage(usage)
		}

	case "content_block_start":
		block := getMap(parsed, "content_block")
		if getString(block, "type") == "tool_use" {
			result.ToolCallDelta = map[string]any{
				"id":    getString(block, "id"),
				"name":  getString(block, "name"),
				"start": true,
			}
		}
	}

	return result
}

// ReconstructResponse replays the event sequence: message_start seeds
// model and input usage, deltas accumulate text and tool-call JSON,
// content_block_stop closes the open tool call, message_delta carries
// final output tokens.
func (p *AnthropicParser) ReconstructResponse(chunks []types.StreamChunk) ResponseFields {
	var textParts []string
	var toolCalls []map[string]any
	var currentTool map[string]any
	var toolJSONParts []string
	var usage *types.TokenUsage
	var outputTokens *int
	var model string

	for _, chunk := range chunks {
		if chunk.Parsed == nil {
			continue
		}

		switch getString(chunk.Parsed, "type") {
		case "message_start":
			message := getMap(chunk.Parsed, "message")
			model = getString(message, "model")
			if u := getMap(message, "usage"); u != nil {
				usage = anthropicUsage(u)
			}

		case "content_block_start":
			block := getMap(chunk.Parsed, "content_block")
			if getString(block, "type") == "tool_use" {
				currentTool = map[string]any{
					"type": "tool_use",
					"id":   getString(block, "id"),
					"name": getString(block, "name"),
				}
				toolJSONParts = nil
			}

		case "content_block_delta":
			delta := getMap(chunk.Parsed, "delta")
			switch getString(delta, "type") {
			case "text_delta":
				textParts = append(textParts, getString(delta, "text"))
			case "input_json_delta":
				toolJSONParts = append(toolJSONParts, getString(delta, "partial_json"))
			case "thinking_delta":
				textParts = append(textParts, getString(delta, "thinking"))
			}

		case "content_block_stop":
			if currentTool != nil {
				rawJSON := strings.Join(toolJSONParts, "")
				var input map[string]any
				if err := json.Unmarshal([]byte(rawJSON), &input); err == nil {
					currentTool["input"] = input
				} else {
					// Malformed argument JSON is kept verbatim
					currentTool["input"] = rawJSON
				}
				toolCalls = append(toolCalls, currentTool)
				currentTool = nil
			}

		case "message_delta":
			if u := getMap(chunk.Parsed, "usage"); u != nil {
				if n := getInt(u, "output_tokens"); n != nil {
					outputTokens = n
				}
			}
		}
	}

	if outputTokens != nil {
		if usage == nil {
			usage = &types.TokenUsage{}
		}
		usage.OutputTokens = outputTokens
	}

	result := ResponseFields{Model: model, ToolCalls: toolCalls, TokenUsage: usage}
	if len(textParts) > 0 {
		result.ResponseText = strPtr(strings.Join(textParts, ""))
	}
	return result
}

// EstimateCost prices the interaction against the Anthropic table.
func (p *AnthropicParser) EstimateCost(model string, usage *types.TokenUsage) *types.CostEstimate {
	return estimateFromTable(p.pricing, model, usage)
}

func anthropicUsage(usage map[string]any) *types.TokenUsage {
	if usage == nil {
		return nil
	}
	return &types.TokenUsage{
		InputTokens:         getInt(usage, "input_tokens"),
		OutputTokens:        getInt(usage, "output_tokens"),
		CacheCreationTokens: getInt(usage, "cache_creation_input_tokens"),
		CacheReadTokens:     getInt(usage, "cache_read_input_tokens"),
	}
}
