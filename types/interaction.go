package types

import (
	"time"

	"github.com/google/uuid"
)

// StreamChunk is a single parsed element of an SSE or NDJSON stream.
type StreamChunk struct {
	Index     int            `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
	Data      string         `json:"data"`
	Parsed    map[string]any `json:"parsed"`
	DeltaText *string        `json:"delta_text"`
}

// Interaction is the complete record of one intercepted request/response
// cycle: the request as received, the response as forwarded, and every
// metric derived from both. It is built up by the proxy handler and
// becomes immutable once saved to storage.
type Interaction struct {
	ID        string    `json:"id"`
	SessionID *string   `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// Request details
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	RequestHeaders map[string]string `json:"request_headers"`
	RequestBody    map[string]any    `json:"request_body"`
	RawRequestBody *string           `json:"raw_request_body"`

	// Provider info
	Provider Provider `json:"provider"`
	Model    string   `json:"model,omitempty"`

	// Parsed request content
	SystemPrompt  *string          `json:"system_prompt"`
	Messages      []map[string]any `json:"messages"`
	Tools         []map[string]any `json:"tools"`
	ImageMetadata *ImageMetadata   `json:"image_metadata"`

	// Response details
	StatusCode      *int              `json:"status_code"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    map[string]any    `json:"response_body"`
	RawResponseBody *string           `json:"raw_response_body"`
	IsStreaming     bool              `json:"is_streaming"`

	// Stream data
	StreamChunks []StreamChunk `json:"stream_chunks"`

	// Extracted response content
	ResponseText *string          `json:"response_text"`
	ToolCalls    []map[string]any `json:"tool_calls"`

	// Metrics
	TokenUsage         *TokenUsage   `json:"token_usage"`
	CostEstimate       *CostEstimate `json:"cost_estimate"`
	TimeToFirstTokenMs *float64      `json:"time_to_first_token_ms"`
	TotalLatencyMs     *float64      `json:"total_latency_ms"`

	// Error info
	Error *string `json:"error"`

	// Conversation threading
	ConversationID      *string         `json:"conversation_id"`
	ParentInteractionID *string         `json:"parent_interaction_id"`
	TurnNumber          *int            `json:"turn_number"`
	TurnType            *string         `json:"turn_type"`
	ContextMetrics      *ContextMetrics `json:"context_metrics"`
}

// NewInteraction creates an interaction with a fresh ID and the given
// receipt timestamp.
func NewInteraction(timestamp time.Time) *Interaction {
	return &Interaction{
		ID:              uuid.NewString(),
		Timestamp:       timestamp,
		Provider:        ProviderUnknown,
		RequestHeaders:  map[string]string{},
		ResponseHeaders: map[string]string{},
	}
}

// Turn classification values set by the threading engine.
const (
	TurnInitial      = "initial"
	TurnContinuation = "continuation"
	TurnToolResult   = "tool_result"
	TurnHandoff      = "handoff"
)
