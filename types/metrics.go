package types

// TokenUsage holds token counts reported by the provider. Fields are
// pointers because providers report different subsets; a nil field means
// the provider never sent it.
type TokenUsage struct {
	InputTokens         *int `json:"input_tokens"`
	OutputTokens        *int `json:"output_tokens"`
	CacheCreationTokens *int `json:"cache_creation_tokens"`
	CacheReadTokens     *int `json:"cache_read_tokens"`
	TotalTokens         *int `json:"total_tokens"`
}

// ComputedTotal returns the reported total, or input + output when the
// provider did not include one.
func (u *TokenUsage) ComputedTotal() int {
	if u.TotalTokens != nil {
		return *u.TotalTokens
	}
	total := 0
	if u.InputTokens != nil {
		total += *u.InputTokens
	}
	if u.OutputTokens != nil {
		total += *u.OutputTokens
	}
	return total
}

// CostEstimate is the estimated USD cost of one interaction.
type CostEstimate struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
	Model      string  `json:"model,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// ImageMetadata describes images found in a request without storing the
// raw base64 payloads. MediaTypes and ApproximateSizes are parallel
// lists, one entry per image.
type ImageMetadata struct {
	Count            int      `json:"count"`
	MediaTypes       []string `json:"media_types"`
	ApproximateSizes []int    `json:"approximate_sizes"`
}

// ContextMetrics captures the shape of the context window for one turn.
type ContextMetrics struct {
	MessageCount        int     `json:"message_count"`
	UserTurnCount       int     `json:"user_turn_count"`
	AssistantTurnCount  int     `json:"assistant_turn_count"`
	ToolResultCount     int     `json:"tool_result_count"`
	ContextDepthChars   int     `json:"context_depth_chars"`
	NewMessagesThisTurn *int    `json:"new_messages_this_turn"`
	SystemPromptLength  int     `json:"system_prompt_length"`
	SystemPromptHash    *string `json:"system_prompt_hash"`
}
