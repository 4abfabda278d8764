package providers

import (
	"encoding/base64"
	"strings"

	"agent-interceptor/types"
)

// RequestFields is the normalized view of a provider request body.
type RequestFields struct {
	Model         string
	SystemPrompt  *string
	Messages      []map[string]any
	Tools         []map[string]any
	IsStreaming   bool
	ImageMetadata *types.ImageMetadata
}

// ResponseFields is the normalized view of a provider response, whether
// read from a non-streaming body or reconstructed from stream chunks.
type ResponseFields struct {
	Model        string
	ResponseText *string
	ToolCalls    []map[string]any
	TokenUsage   *types.TokenUsage
}

// ChunkFields is the normalized view of one parsed stream line.
type ChunkFields struct {
	Parsed        map[string]any
	DeltaText     *string
	ToolCallDelta any
	TokenUsage    *types.TokenUsage
	FinishReason  string
	Model         string
}

// Parser normalizes one provider's wire format. Implementations are
// stateless singletons held by the Registry; stream reassembly state
// lives entirely in the chunk list passed to ReconstructResponse.
type Parser interface {
	Provider() types.Provider
	ParseRequest(body map[string]any) RequestFields
	ParseResponse(body map[string]any) ResponseFields
	ParseStreamChunk(data string) ChunkFields
	ReconstructResponse(chunks []types.StreamChunk) ResponseFields
	EstimateCost(model string, usage *types.TokenUsage) *types.CostEstimate
}

// ExtractImageMetadata scans message content blocks for images and
// returns their media types and approximate decoded sizes, or nil when
// no images are present. Raw base64 payloads are never retained.
func ExtractImageMetadata(messages []map[string]any) *types.ImageMetadata {
	count := 0
	var mediaTypes []string
	var sizes []int

	for _, msg := range messages {
		blocks, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, raw := range blocks {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch getString(part, "type") {
			case "image_url":
				// OpenAI format: data: URI or remote URL
				url := getString(getMap(part, "image_url"), "url")
				count++
				if strings.HasPrefix(url, "data:") {
					mediaType := "unknown"
					if semi := strings.Index(url, ";"); semi > 5 {
						mediaType = url[5:semi]
					}
					mediaTypes = append(mediaTypes, mediaType)
					sizes = append(sizes, base64PayloadSize(url))
				} else {
					mediaTypes = append(mediaTypes, "url")
					sizes = append(sizes, 0)
				}
			case "image":
				// Anthropic format: source block with media_type + data
				source := getMap(part, "source")
				count++
				mediaType := getString(source, "media_type")
				if mediaType == "" {
					mediaType = "unknown"
				}
				mediaTypes = append(mediaTypes, mediaType)
				sizes = append(sizes, decodedLen(getString(source, "data")))
			}
		}
	}

	if count == 0 {
		return nil
	}
	return &types.ImageMetadata{Count: count, MediaTypes: mediaTypes, ApproximateSizes: sizes}
}

// base64PayloadSize returns the decoded size of the payload in a data: URI.
func base64PayloadSize(uri string) int {
	comma := strings.Index(uri, ",")
	if comma < 0 {
		return 0
	}
	return decodedLen(uri[comma+1:])
}

func decodedLen(b64 string) int {
	if b64 == "" {
		return 0
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0
	}
	return len(decoded)
}

// Map access helpers. Bodies are decoded into map[string]any, so every
// read goes through a type assertion; these keep the parsers readable.

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func getSlice(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	v, _ := m[key].([]any)
	return v
}

func getBool(m map[string]any, key string) (value, present bool) {
	if m == nil {
		return false, false
	}
	raw, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := raw.(bool)
	return b, ok
}

// getInt reads a JSON number as an int pointer; JSON decoding always
// produces float64.
func getInt(m map[string]any, key string) *int {
	if m == nil {
		return nil
	}
	f, ok := m[key].(float64)
	if !ok {
		return nil
	}
	n := int(f)
	return &n
}

// messageList converts a decoded JSON array into message maps, skipping
// entries that are not objects.
func messageList(raw []any) []map[string]any {
	if raw == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
