package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sorryhyun/DiPeO-sub011/common/conversation"
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/llm"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
	"github.com/sorryhyun/DiPeO-sub011/common/transform"
)

// PersonJobHandler runs one LLM turn for a person. Prompt templates see
// the node's inputs plus {{conversation}} and {{global_conversation}};
// the person's own history is loaded from the conversation manager,
// filtered by the forget mode, and optionally prepended to the request.
//
// Forgetting only ever applies to that manager-loaded history. Values
// arriving over arrows are the other nodes' data and are never touched.
type PersonJobHandler struct {
	log *logger.Logger
}

func (h *PersonJobHandler) NodeType() diagram.NodeType { return diagram.NodeTypePersonJob }

func (h *PersonJobHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "default_prompt", Type: "string"},
		{Name: "first_only_prompt", Type: "string"},
		{Name: "max_iteration", Type: "int"},
		{Name: "personId", Type: "string"},
		{Name: "person", Type: "map"},
		{Name: "memory_config", Type: "map"},
	}
}

func (h *PersonJobHandler) RequiredServices() []string {
	return []string{ServiceLLM, ServiceAPIKeys}
}

func (h *PersonJobHandler) Execute(ctx context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	person := req.Context.PersonFor(req.Node)
	if person == nil {
		return nil, fmt.Errorf("person job %s resolves to no person", req.Node.ID)
	}

	count := req.Context.ExecCount(req.Node.ID)
	promptTmpl := req.Node.StringProp("default_prompt", "")
	if count == 0 {
		if first := req.Node.StringProp("first_only_prompt", ""); first != "" {
			promptTmpl = first
		}
	}
	if promptTmpl == "" {
		return nil, fmt.Errorf("person job %s has no prompt for execution %d", req.Node.ID, count+1)
	}

	history := h.visibleHistory(req, person, count)

	vars := make(map[string]any, len(req.Inputs)+2)
	for k, v := range req.Inputs {
		vars[k] = v
	}
	vars["conversation"] = renderMessages(history)
	vars["global_conversation"] = renderMessages(globalHistory(req.Context.Conversation))

	prompt, missing := transform.Substitute(promptTmpl, vars)
	if len(missing) > 0 {
		h.log.Warn("prompt has unresolved placeholders", "node_id", req.Node.ID, "missing", missing)
	}

	cfg := execConfigFrom(req.Services)
	var messages []llm.Message
	if cfg.AutoPrependConversation && !transform.References(promptTmpl, "conversation", "global_conversation") {
		bounded := history
		if limit := cfg.ConversationContextLimit; limit > 0 && len(bounded) > limit {
			bounded = bounded[len(bounded)-limit:]
		}
		for _, msg := range bounded {
			messages = append(messages, llm.Message{Role: roleFor(msg, person.ID), Content: msg.Content})
		}
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	client, err := llmFrom(req.Services)
	if err != nil {
		return nil, err
	}
	apiKey := ""
	if person.APIKeyID != "" {
		keys, err := keysFrom(req.Services)
		if err != nil {
			return nil, err
		}
		if apiKey, err = keys.Get(person.APIKeyID); err != nil {
			return nil, err
		}
	}

	resp, err := client.Complete(ctx, &llm.Request{
		Service:     person.Service,
		Model:       person.Model,
		APIKey:      apiKey,
		System:      person.SystemPrompt,
		Messages:    messages,
		Temperature: float64(person.Temperature),
	})
	if err != nil {
		return nil, err
	}

	sent := conversation.NewMessage("system", person.ID, prompt, conversation.MessageTypeSystemToPerson)
	reply := conversation.NewMessage(person.ID, "system", resp.Text, conversation.MessageTypePersonToSystem)
	reply.TokenCount = resp.Usage.OutputTokens
	req.Context.Conversation.Append(person.ID, sent, reply)

	output := engine.NewOutput(map[string]any{
		"default":      resp.Text,
		"conversation": messagesToState(req.Context.Conversation.History(person.ID)),
	})
	output.TokenUsage = &engine.TokenUsage{
		Input:  resp.Usage.InputTokens,
		Output: resp.Usage.OutputTokens,
	}
	output.Messages = []conversation.Message{sent, reply}
	output.WithMeta("passthrough", true)
	output.WithMeta("person_id", person.ID)
	output.WithMeta("model", resp.Model)
	return output, nil
}

// visibleHistory loads the person's history through the forget mode.
// on_every_turn reduces later turns to the prompts plus the last user
// message; upon_request empties the view when the node's memory config
// asks for it. The underlying log is never touched.
func (h *PersonJobHandler) visibleHistory(req *engine.HandlerRequest, person *diagram.Person, count int) []conversation.Message {
	history := req.Context.Conversation.History(person.ID)
	if person.ForgetMode == diagram.ForgetModeNone || person.ForgetMode == "" {
		return history
	}

	cfg := transform.MemoryConfig{
		Mode:            person.ForgetMode,
		ForgetRequested: forgetRequested(req.Node),
	}
	if cfg.ForgetRequested {
		h.log.Debug("forget requested", "node_id", req.Node.ID, "person_id", person.ID)
	}
	filtered := transform.ApplyForgetting(messagesToState(history), cfg, count)
	return stateToMessages(filtered)
}

// forgetRequested reads the node's memory_config.forget_requested flag
func forgetRequested(node *diagram.Node) bool {
	mc, ok := node.Properties["memory_config"].(map[string]any)
	if !ok {
		return false
	}
	requested, _ := mc["forget_requested"].(bool)
	return requested
}

// PersonBatchJobHandler fans one prompt over a list input, one LLM turn
// per item. Items are independent: no shared history, no forgetting.
type PersonBatchJobHandler struct {
	log *logger.Logger
}

func (h *PersonBatchJobHandler) NodeType() diagram.NodeType { return diagram.NodeTypePersonBatchJob }

func (h *PersonBatchJobHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "default_prompt", Type: "string", Required: true},
		{Name: "batch_key", Type: "string"},
		{Name: "personId", Type: "string"},
		{Name: "person", Type: "map"},
	}
}

func (h *PersonBatchJobHandler) RequiredServices() []string {
	return []string{ServiceLLM, ServiceAPIKeys}
}

func (h *PersonBatchJobHandler) Execute(ctx context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	person := req.Context.PersonFor(req.Node)
	if person == nil {
		return nil, fmt.Errorf("person batch job %s resolves to no person", req.Node.ID)
	}

	items, err := batchItems(req)
	if err != nil {
		return nil, err
	}

	client, err := llmFrom(req.Services)
	if err != nil {
		return nil, err
	}
	apiKey := ""
	if person.APIKeyID != "" {
		keys, err := keysFrom(req.Services)
		if err != nil {
			return nil, err
		}
		if apiKey, err = keys.Get(person.APIKeyID); err != nil {
			return nil, err
		}
	}

	promptTmpl := req.Node.StringProp("default_prompt", "")
	results := make([]any, 0, len(items))
	usage := &engine.TokenUsage{}

	for i, item := range items {
		vars := make(map[string]any, len(req.Inputs)+2)
		for k, v := range req.Inputs {
			vars[k] = v
		}
		vars["item"] = item
		vars["index"] = i

		prompt, _ := transform.Substitute(promptTmpl, vars)
		resp, err := client.Complete(ctx, &llm.Request{
			Service:     person.Service,
			Model:       person.Model,
			APIKey:      apiKey,
			System:      person.SystemPrompt,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			Temperature: float64(person.Temperature),
		})
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		results = append(results, resp.Text)
		usage.Add(&engine.TokenUsage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens})
	}

	output := engine.NewOutput(map[string]any{"default": results})
	output.TokenUsage = usage
	output.WithMeta("batch_size", len(items))
	return output, nil
}

func batchItems(req *engine.HandlerRequest) ([]any, error) {
	key := req.Node.StringProp("batch_key", "")
	candidates := []string{key, "items", diagram.DefaultHandle}
	for _, k := range candidates {
		if k == "" {
			continue
		}
		raw, ok := req.Inputs[k]
		if !ok {
			continue
		}
		if list, ok := raw.([]any); ok {
			return list, nil
		}
		return []any{raw}, nil
	}
	return nil, fmt.Errorf("person batch job %s received no batch input", req.Node.ID)
}

// shared rendering helpers

func roleFor(msg conversation.Message, personID string) string {
	if msg.FromPersonID == personID {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}

func renderMessages(messages []conversation.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(msg.FromPersonID)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// globalHistory merges every person's log into one timeline
func globalHistory(manager *conversation.Manager) []conversation.Message {
	var all []conversation.Message
	for _, id := range manager.PersonIDs() {
		all = append(all, manager.History(id)...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all
}

// stateToMessages is the inverse of messagesToState, rebuilding a
// message view from the {messages: [...]} wire form
func stateToMessages(state any) []conversation.Message {
	m, ok := state.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := m["messages"].([]any)
	if !ok {
		return nil
	}
	out := make([]conversation.Message, 0, len(list))
	for _, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		from, _ := entry["from"].(string)
		to, _ := entry["to"].(string)
		content, _ := entry["content"].(string)
		msgType, _ := entry["message_type"].(string)
		out = append(out, conversation.Message{
			FromPersonID: from,
			ToPersonID:   to,
			Content:      content,
			MessageType:  conversation.MessageType(msgType),
		})
	}
	return out
}

// messagesToState converts history to the {messages: [...]} wire form
func messagesToState(messages []conversation.Message) map[string]any {
	list := make([]any, 0, len(messages))
	for _, msg := range messages {
		role := llm.RoleUser
		if msg.MessageType == conversation.MessageTypePersonToSystem {
			role = llm.RoleAssistant
		}
		list = append(list, map[string]any{
			"role":         role,
			"content":      msg.Content,
			"message_type": string(msg.MessageType),
			"from":         msg.FromPersonID,
			"to":           msg.ToPersonID,
		})
	}
	return map[string]any{"messages": list}
}
