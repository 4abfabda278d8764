package storage

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"agent-interceptor/types"
)

// continuationScanLimit is how many recent interactions the global
// fallback inspects when neither a session nor an explicit conversation
// is present.
const continuationScanLimit = 10

// resolveThreading links the interaction into a conversation before it
// is inserted, setting conversation_id, parent_interaction_id,
// turn_number, turn_type, and the new-messages delta. Runs inside the
// save transaction so lookup and insert see one consistent view.
//
// Three strategies, in order:
//  1. explicit conversation ID (x-interceptor-conversation-id header)
//  2. session history (most recent interaction in the same session)
//  3. global content scan over the last few interactions
func (s *Store) resolveThreading(ctx context.Context, tx dbtx, in *types.Interaction) error {
	if in.ConversationID != nil {
		existing, err := s.getConversation(ctx, tx, *in.ConversationID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			prev := existing[len(existing)-1]
			in.ParentInteractionID = &prev.ID
			in.TurnNumber = intPtr(turnAfter(prev))
			switch {
			case !ptrStrEqual(prev.SessionID, in.SessionID):
				in.TurnType = strPtr(types.TurnHandoff)
			case len(prev.ToolCalls) > 0 && hasToolResults(in):
				in.TurnType = strPtr(types.TurnToolResult)
			default:
				in.TurnType = strPtr(types.TurnContinuation)
			}
			fillNewMessagesDelta(in, prev)
		} else {
			in.TurnNumber = intPtr(1)
			in.TurnType = strPtr(types.TurnInitial)
		}
		return nil
	}

	if in.SessionID != nil {
		recent, err := s.getRecentInSession(ctx, tx, *in.SessionID, 1)
		if err != nil {
			return err
		}
		if len(recent) > 0 && isContinuation(in, recent[0]) {
			linkToPrevious(in, recent[0])
			return nil
		}
		// First interaction in the session, or not a continuation:
		// start a fresh conversation thread.
		in.ConversationID = strPtr(uuid.NewString())
		in.TurnNumber = intPtr(1)
		in.TurnType = strPtr(types.TurnInitial)
		return nil
	}

	// No session and no explicit conversation (agent pointed straight at
	// the proxy without a /_session/ prefix): best-effort content match
	// against recent interactions.
	recent, err := s.listInteractions(ctx, tx, ListOptions{Limit: continuationScanLimit})
	if err != nil {
		return err
	}
	for _, prev := range recent {
		if isContinuation(in, prev) {
			linkToPrevious(in, prev)
			return nil
		}
	}
	in.ConversationID = strPtr(uuid.NewString())
	in.TurnNumber = intPtr(1)
	in.TurnType = strPtr(types.TurnInitial)
	return nil
}

// linkToPrevious chains the interaction onto prev, inheriting or minting
// the conversation ID and classifying the turn.
func linkToPrevious(in *types.Interaction, prev *types.Interaction) {
	if prev.ConversationID != nil {
		in.ConversationID = prev.ConversationID
	} else {
		in.ConversationID = strPtr(uuid.NewString())
	}
	in.ParentInteractionID = &prev.ID
	in.TurnNumber = intPtr(turnAfter(prev))
	if len(prev.ToolCalls) > 0 && hasToolResults(in) {
		in.TurnType = strPtr(types.TurnToolResult)
	} else {
		in.TurnType = strPtr(types.TurnContinuation)
	}
	fillNewMessagesDelta(in, prev)
}

// isContinuation reports whether in continues from prev. Two signals:
//
//  1. prev's response text (first 100 chars) appears inside one of in's
//     assistant messages, meaning the history was carried forward
//  2. prev issued tool calls and in carries tool results
func isContinuation(in *types.Interaction, prev *types.Interaction) bool {
	if len(in.Messages) == 0 {
		return false
	}

	if prev.ResponseText != nil && *prev.ResponseText != "" {
		checkText := *prev.ResponseText
		if len(checkText) > 100 {
			checkText = checkText[:100]
		}
		for _, msg := range in.Messages {
			if role, _ := msg["role"].(string); role != "assistant" {
				continue
			}
			if strings.Contains(assistantText(msg["content"]), checkText) {
				return true
			}
		}
	}

	return len(prev.ToolCalls) > 0 && hasToolResults(in)
}

// assistantText flattens a message's content into searchable text.
func assistantText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, raw := range c {
			if block, ok := raw.(map[string]any); ok {
				if t, _ := block["type"].(string); t == "text" {
					text, _ := block["text"].(string)
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// hasToolResults reports whether any message carries a tool result,
// either as a tool/tool_result role or a tool_result content block.
func hasToolResults(in *types.Interaction) bool {
	for _, msg := range in.Messages {
		role, _ := msg["role"].(string)
		if role == "tool" || role == "tool_result" {
			return true
		}
		if blocks, ok := msg["content"].([]any); ok {
			for _, raw := range blocks {
				if block, ok := raw.(map[string]any); ok {
					if t, _ := block["type"].(string); t == "tool_result" {
						return true
					}
				}
			}
		}
	}
	return false
}

// fillNewMessagesDelta resolves the new-messages-this-turn metric once
// the parent is known; the handler leaves it nil because the predecessor
// is not visible there.
func fillNewMessagesDelta(in *types.Interaction, prev *types.Interaction) {
	if in.ContextMetrics == nil || prev.ContextMetrics == nil {
		return
	}
	if in.ContextMetrics.NewMessagesThisTurn != nil {
		return
	}
	delta := in.ContextMetrics.MessageCount - prev.ContextMetrics.MessageCount
	in.ContextMetrics.NewMessagesThisTurn = &delta
}

func turnAfter(prev *types.Interaction) int {
	if prev.TurnNumber != nil {
		return *prev.TurnNumber + 1
	}
	return 2
}

func ptrStrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
