package engine

import (
	"github.com/sorryhyun/DiPeO-sub011/common/conversation"
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
)

// TokenUsage accounts LLM tokens consumed by a node execution
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached,omitempty"`
}

// Add accumulates usage from another count
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.Input += other.Input
	u.Output += other.Output
	u.Cached += other.Cached
}

// NodeOutput is what a handler produces. Value is either a scalar or a
// map keyed by output handle (default key "default").
type NodeOutput struct {
	NodeID        string                 `json:"node_id,omitempty"`
	Value         any                    `json:"value"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
	TokenUsage    *TokenUsage            `json:"token_usage,omitempty"`
	ExecutedNodes []string               `json:"executed_nodes,omitempty"`
	Messages      []conversation.Message `json:"messages,omitempty"`
}

// NewOutput wraps a plain value in a NodeOutput
func NewOutput(value any) *NodeOutput {
	return &NodeOutput{Value: value, Metadata: map[string]any{}}
}

// WithMeta sets a metadata key and returns the output for chaining
func (o *NodeOutput) WithMeta(key string, value any) *NodeOutput {
	if o.Metadata == nil {
		o.Metadata = map[string]any{}
	}
	o.Metadata[key] = value
	return o
}

// ValueForHandle extracts the slice of the output addressed by an
// arrow. Lookup order: explicit label, source handle, the "default"
// key, then the whole value.
func (o *NodeOutput) ValueForHandle(label, handle string) any {
	m, ok := o.Value.(map[string]any)
	if !ok {
		return o.Value
	}
	if label != "" {
		if v, exists := m[label]; exists {
			return v
		}
	}
	if handle != "" {
		if v, exists := m[handle]; exists {
			return v
		}
	}
	if v, exists := m[diagram.DefaultHandle]; exists {
		return v
	}
	return o.Value
}

// Passthrough reports whether the handler flagged this output as safe to
// reuse when the node is skipped
func (o *NodeOutput) Passthrough() bool {
	if o.Metadata == nil {
		return false
	}
	flagged, _ := o.Metadata["passthrough"].(bool)
	return flagged
}

// Errored reports whether the output's metadata flags an upstream error
func (o *NodeOutput) Errored() bool {
	if o.Metadata == nil {
		return false
	}
	errVal, ok := o.Metadata["error"]
	return ok && errVal != nil && errVal != false && errVal != ""
}
