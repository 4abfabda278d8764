package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"agent-interceptor/types"
)

// ComputeContextMetrics derives context-window metrics from a request's
// message list and system prompt. Pure computation, no I/O: role counts,
// accumulated content length across string and block-list shapes, and a
// truncated hash of the system prompt for change detection.
//
// prevMessageCount is the predecessor turn's message count when known;
// the threading engine fills the delta later for turns linked at save time.
func ComputeContextMetrics(messages []map[string]any, systemPrompt *string, prevMessageCount *int) *types.ContextMetrics {
	metrics := &types.ContextMetrics{MessageCount: len(messages)}

	for _, msg := range messages {
		role, _ := msg["role"].(string)
		switch role {
		case "user":
			metrics.UserTurnCount++
		case "assistant":
			metrics.AssistantTurnCount++
		case "tool", "tool_result":
			metrics.ToolResultCount++
		}
		metrics.ContextDepthChars += measureContent(msg["content"])
	}

	if systemPrompt != nil && *systemPrompt != "" {
		metrics.SystemPromptLength = len(*systemPrompt)
		metrics.ContextDepthChars += metrics.SystemPromptLength

		digest := sha256.Sum256([]byte(*systemPrompt))
		hash := hex.EncodeToString(digest[:])[:16]
		metrics.SystemPromptHash = &hash
	}

	if prevMessageCount != nil {
		delta := metrics.MessageCount - *prevMessageCount
		metrics.NewMessagesThisTurn = &delta
	}

	return metrics
}

// measureContent recursively counts characters in message content,
// handling plain strings, text block lists, and nested tool_result /
// tool_use blocks.
func measureContent(content any) int {
	switch c := content.(type) {
	case string:
		return len(c)
	case []any:
		total := 0
		for _, raw := range c {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			blockType, _ := block["type"].(string)
			switch blockType {
			case "text":
				text, _ := block["text"].(string)
				total += len(text)
			case "tool_result", "tool_use":
				total += measureContent(block["content"])
				if input, ok := block["input"]; ok && input != nil {
					if serialized, err := json.Marshal(input); err == nil {
						total += len(serialized)
					}
				}
			}
		}
		return total
	default:
		return 0
	}
}
