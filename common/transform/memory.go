package transform

import (
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
)

// MemoryConfig carries the knobs for the forgetting strategy
type MemoryConfig struct {
	Mode            diagram.ForgetMode
	ForgetRequested bool
}

// ApplyForgetting filters a person's own conversation history according
// to the forget mode. It must only ever be applied to history loaded
// from the conversation manager, never to messages arriving over arrows
// from other nodes; the engine enforces that split at the call site.
//
// The value shape is the normalized {messages: [...]} form. Anything
// else is returned unchanged (except upon_request, which nulls scalars).
func ApplyForgetting(value any, cfg MemoryConfig, executionCount int) any {
	switch cfg.Mode {
	case diagram.ForgetModeOnEveryTurn:
		if executionCount == 0 {
			return value
		}
		state, ok := value.(map[string]any)
		if !ok {
			return value
		}
		messages, ok := state["messages"].([]any)
		if !ok {
			return value
		}
		return map[string]any{"messages": keepSystemAndLastUser(messages)}

	case diagram.ForgetModeUponRequest:
		if !cfg.ForgetRequested {
			return value
		}
		if state, ok := value.(map[string]any); ok {
			if _, has := state["messages"]; has {
				return map[string]any{"messages": []any{}}
			}
			return state
		}
		return nil

	default: // no_forget
		return value
	}
}

// keepSystemAndLastUser reduces a message list to its system messages
// plus the final user message
func keepSystemAndLastUser(messages []any) []any {
	out := make([]any, 0, len(messages))
	lastUserIdx := -1
	for i, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		msgType, _ := msg["message_type"].(string)
		if role == "system" || msgType == "system_to_person" {
			out = append(out, msg)
		} else if role == "user" || msgType == "person_to_person" {
			lastUserIdx = i
		}
	}
	if lastUserIdx >= 0 {
		out = append(out, messages[lastUserIdx])
	}
	return out
}
