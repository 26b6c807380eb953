package handlers

import (
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// Registry maps node types to their handlers
type Registry struct {
	handlers map[diagram.NodeType]engine.Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[diagram.NodeType]engine.Handler)}
}

// Register adds a handler, replacing any existing one for the type
func (r *Registry) Register(h engine.Handler) {
	r.handlers[h.NodeType()] = h
}

// Get implements engine.Registry
func (r *Registry) Get(nodeType diagram.NodeType) (engine.Handler, bool) {
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Types returns the registered node types
func (r *Registry) Types() []diagram.NodeType {
	out := make([]diagram.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// NewDefaultRegistry registers every built-in handler
func NewDefaultRegistry(log *logger.Logger) *Registry {
	r := NewRegistry()
	r.Register(&StartHandler{log: log})
	r.Register(&EndpointHandler{log: log})
	r.Register(&ConditionHandler{log: log})
	r.Register(&PersonJobHandler{log: log})
	r.Register(&PersonBatchJobHandler{log: log})
	r.Register(&CodeJobHandler{log: log})
	r.Register(&DBHandler{log: log})
	r.Register(&APIJobHandler{log: log})
	r.Register(&TemplateJobHandler{log: log})
	r.Register(&HookHandler{log: log})
	r.Register(&SubDiagramHandler{log: log})
	r.Register(&UserResponseHandler{log: log})
	r.Register(&JSONSchemaValidatorHandler{log: log})
	return r
}
