package diagram

import (
	"strings"
)

// NodeType identifies the kind of work a node performs
type NodeType string

const (
	NodeTypeStart               NodeType = "start"
	NodeTypeCondition           NodeType = "condition"
	NodeTypePersonJob           NodeType = "person_job"
	NodeTypePersonBatchJob      NodeType = "person_batch_job"
	NodeTypeCodeJob             NodeType = "code_job"
	NodeTypeDB                  NodeType = "db"
	NodeTypeEndpoint            NodeType = "endpoint"
	NodeTypeAPIJob              NodeType = "api_job"
	NodeTypeTemplateJob         NodeType = "template_job"
	NodeTypeHook                NodeType = "hook"
	NodeTypeSubDiagram          NodeType = "sub_diagram"
	NodeTypeUserResponse        NodeType = "user_response"
	NodeTypeJSONSchemaValidator NodeType = "json_schema_validator"
)

// ContentType classifies the value flowing through an arrow and selects
// the transformation strategy applied to it
type ContentType string

const (
	ContentTypeRawText           ContentType = "raw_text"
	ContentTypeConversationState ContentType = "conversation_state"
	ContentTypeVariable          ContentType = "variable"
	ContentTypeJSON              ContentType = "json"
	ContentTypeTemplate          ContentType = "template"
	ContentTypeAggregation       ContentType = "aggregation"
	ContentTypeFilter            ContentType = "filter"
	ContentTypeErrorHandling     ContentType = "error_handling"
)

// DefaultHandle is the handle name used when none is given
const DefaultHandle = "default"

// Node is a typed unit of work in the diagram
type Node struct {
	ID         string         `json:"id"`
	Type       NodeType       `json:"type"`
	Properties map[string]any `json:"data,omitempty"`
}

// IsPersonNode reports whether the node consumes a person's conversation
func (n *Node) IsPersonNode() bool {
	return n.Type == NodeTypePersonJob || n.Type == NodeTypePersonBatchJob
}

// StringProp returns a string property, or def when absent or mistyped
func (n *Node) StringProp(key, def string) string {
	if v, ok := n.Properties[key].(string); ok {
		return v
	}
	return def
}

// IntProp returns an int property, tolerating JSON's float64 decoding
func (n *Node) IntProp(key string, def int) int {
	switch v := n.Properties[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// BoolProp returns a bool property, or def when absent or mistyped
func (n *Node) BoolProp(key string, def bool) bool {
	if v, ok := n.Properties[key].(bool); ok {
		return v
	}
	return def
}

// MaxIteration returns the node's iteration limit, 0 when unset
func (n *Node) MaxIteration() int {
	return n.IntProp("max_iteration", 0)
}

// HandleRef encodes a (node_id, handle_name) endpoint of an arrow.
// The wire form is "nodeId:handleName"; a bare node id means the
// default handle.
type HandleRef struct {
	NodeID string
	Handle string
}

// FirstOnly reports whether this handle marks a first-only input.
// The handle is either exactly "first" or carries a "-first" suffix.
func (h HandleRef) FirstOnly() bool {
	return h.Handle == "first" || strings.HasSuffix(h.Handle, "-first")
}

// ParseHandleRef parses "nodeId:handleName" (handle optional)
func ParseHandleRef(ref string) HandleRef {
	if idx := strings.Index(ref, ":"); idx >= 0 {
		handle := ref[idx+1:]
		if handle == "" {
			handle = DefaultHandle
		}
		return HandleRef{NodeID: ref[:idx], Handle: handle}
	}
	return HandleRef{NodeID: ref, Handle: DefaultHandle}
}

// String renders the wire form of the handle reference
func (h HandleRef) String() string {
	return h.NodeID + ":" + h.Handle
}

// Arrow is a directed connection between two node handles
type Arrow struct {
	ID          string         `json:"id"`
	Source      HandleRef      `json:"-"`
	Target      HandleRef      `json:"-"`
	Label       string         `json:"label,omitempty"`
	ContentType ContentType    `json:"content_type,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ForgetMode controls which of a person's own prior messages are
// visible on the current call
type ForgetMode string

const (
	ForgetModeNone        ForgetMode = "no_forget"
	ForgetModeOnEveryTurn ForgetMode = "on_every_turn"
	ForgetModeUponRequest ForgetMode = "upon_request"
)

// Person is a named LLM persona with its own conversation history
type Person struct {
	ID           string     `json:"id"`
	Label        string     `json:"label,omitempty"`
	Service      string     `json:"service,omitempty"`
	Model        string     `json:"model,omitempty"`
	APIKeyID     string     `json:"api_key_id,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Temperature  float32    `json:"temperature,omitempty"`
	ForgetMode   ForgetMode `json:"forget_mode,omitempty"`
}

// Diagram is the validated in-memory form of a submitted diagram
type Diagram struct {
	Nodes   map[string]*Node
	Arrows  map[string]*Arrow
	Persons map[string]*Person
	APIKeys map[string]string
}
