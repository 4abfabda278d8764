package providers

import (
	"encoding/json"
	"strings"

	"agent-interceptor/types"
)

// OllamaParser handles the Ollama API format: /api/chat with a messages
// array or /api/generate with a bare prompt. Streaming is NDJSON and is
// the protocol default, so stream is true unless the request disables it.
type OllamaParser struct{}

// NewOllamaParser returns the Ollama parser.
func NewOllamaParser() *OllamaParser {
	return &OllamaParser{}
}

func (p *OllamaParser) Provider() types.Provider {
	return types.ProviderOllama
}

// ParseRequest normalizes both request shapes. A /api/generate prompt is
// synthesized into a single user message so downstream metrics see a
// uniform message list.
func (p *OllamaParser) ParseRequest(body map[string]any) RequestFields {
	messages := messageList(getSlice(body, "messages"))

	var systemPrompt *string
	if system, ok := body["system"].(string); ok {
		systemPrompt = strPtr(system)
	}
	for _, msg := range messages {
		if getString(msg, "role") == "system" {
			if content, ok := msg["content"].(string); ok {
				systemPrompt = strPtr(content)
			}
			break
		}
	}

	if prompt := getString(body, "prompt"); prompt != "" && len(messages) == 0 {
		messages = []map[string]any{{"role": "user", "content": prompt}}
	}

	isStreaming := true
	if stream, present := getBool(body, "stream"); present {
		isStreaming = stream
	}

	return RequestFields{
		Model:        getString(body, "model"),
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        messageList(getSlice(body, "tools")),
		IsStreaming:  isStreaming,
	}
}

// ParseResponse extracts text and token counts from either response shape.
func (p *OllamaParser) ParseResponse(body map[string]any) ResponseFields {
	result := ResponseFields{Model: getString(body, "model")}

	if message := getMap(body, "message"); message != nil {
		if content, ok := message["content"].(string); ok {
			result.ResponseText = strPtr(content)
		}
		result.ToolCalls = messageList(getSlice(message, "tool_calls"))
	}

	if response, ok := body["response"].(string); ok {
		result.ResponseText = strPtr(response)
	}

	result.TokenUsage = ollamaUsage(body)
	return result
}

// ParseStreamChunk parses one NDJSON line. The terminating done:true
// chunk carries the final token counts.
func (p *OllamaParser) ParseStreamChunk(data string) ChunkFields {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		return ChunkFields{Parsed: map[string]any{"raw": data}}
	}

	result := ChunkFields{Parsed: parsed, Model: getString(parsed, "model")}

	if message := getMap(parsed, "message"); message != nil {
		if content := getString(message, "content"); content != "" {
			result.DeltaText = strPtr(content)
		}
	}
	if response, ok := parsed["response"].(string); ok {
		result.DeltaText = strPtr(response)
	}

	if done, _ := getBool(parsed, "done"); done {
		result.FinishReason = "done"
		result.TokenUsage = ollamaUsage(parsed)
	}

	return result
}

// ReconstructResponse concatenates delta texts; usage comes from the
// final done chunk.
func (p *OllamaParser) ReconstructResponse(chunks []types.StreamChunk) ResponseFields {
	var textParts []string
	var usage *types.TokenUsage
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
		if done, _ := getBool(chunk.Parsed, "done"); done {
			if u := ollamaUsage(chunk.Parsed); u != nil {
				usage = u
			}
		}
	}

	result := ResponseFields{Model: model, TokenUsage: usage}
	if len(textParts) > 0 {
		result.ResponseText = strPtr(strings.Join(textParts, ""))
	}
	return result
}

// EstimateCost is always zero: Ollama runs locally. It returns nil when
// the model is empty.
func (p *OllamaParser) EstimateCost(model string, usage *types.TokenUsage) *types.CostEstimate {
	if model == "" {
		return nil
	}
	return &types.CostEstimate{
		Model: model,
		Note:  "Local model (Ollama) - no API cost",
	}
}

func ollamaUsage(body map[string]any) *types.TokenUsage {
	input := getInt(body, "prompt_eval_count")
	output := getInt(body, "eval_count")
	if input == nil && output == nil {
		return nil
	}
	return &types.TokenUsage{InputTokens: input, OutputTokens: output}
}
