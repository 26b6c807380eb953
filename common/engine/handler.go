package engine

import (
	"context"
	"fmt"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
)

// Services is the bag of named collaborators a handler may request
// (llm_service, file_service, memory_service, interactive_handler, ...)
type Services map[string]any

// Get looks up a named service
func (s Services) Get(name string) (any, bool) {
	v, ok := s[name]
	return v, ok
}

// PropSpec describes one node property for pre-execution validation
type PropSpec struct {
	Name     string
	Type     string // "string", "int", "bool", "map", "list", "any"
	Required bool
}

// PropertySchema is the set of properties a handler validates before
// execute. Handlers see only validated props.
type PropertySchema []PropSpec

// Validate checks node properties against the schema
func (s PropertySchema) Validate(node *diagram.Node) error {
	for _, spec := range s {
		raw, present := node.Properties[spec.Name]
		if !present {
			if spec.Required {
				return &ValidationError{NodeID: node.ID, Field: spec.Name, Reason: "required property missing"}
			}
			continue
		}
		if !typeMatches(raw, spec.Type) {
			return &ValidationError{
				NodeID: node.ID,
				Field:  spec.Name,
				Reason: fmt.Sprintf("expected %s, got %T", spec.Type, raw),
			}
		}
	}
	return nil
}

func typeMatches(value any, want string) bool {
	switch want {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "int":
		switch value.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	case "map":
		_, ok := value.(map[string]any)
		return ok
	case "list":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

// HandlerRequest is everything a handler receives for one execution.
// The execution context is read-only from the handler's point of view.
type HandlerRequest struct {
	Node     *diagram.Node
	Context  *ExecutionContext
	Inputs   map[string]any
	Services Services
}

// Handler executes one node type. Implementations must be safe for
// concurrent calls on different nodes and should honor ctx cancellation
// on every blocking operation.
type Handler interface {
	NodeType() diagram.NodeType
	Schema() PropertySchema
	RequiredServices() []string
	Execute(ctx context.Context, req *HandlerRequest) (*NodeOutput, error)
}

// Registry resolves a handler for a node type
type Registry interface {
	Get(nodeType diagram.NodeType) (Handler, bool)
}
