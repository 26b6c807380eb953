package handlers

import (
	"context"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// StartHandler seeds the run: its output is the merge of the node's
// custom_data with the caller-supplied run variables, variables winning.
type StartHandler struct {
	log *logger.Logger
}

func (h *StartHandler) NodeType() diagram.NodeType { return diagram.NodeTypeStart }

func (h *StartHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "custom_data", Type: "map"},
		{Name: "trigger_mode", Type: "string"},
	}
}

func (h *StartHandler) RequiredServices() []string { return nil }

func (h *StartHandler) Execute(_ context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	seed := make(map[string]any)
	if custom, ok := req.Node.Properties["custom_data"].(map[string]any); ok {
		for k, v := range custom {
			seed[k] = v
		}
	}
	for k, v := range req.Context.Variables {
		seed[k] = v
	}

	// Named handles let arrows pick individual seed variables; the
	// default handle carries the whole seed
	value := map[string]any{"default": seed}
	for k, v := range seed {
		if k == "default" {
			continue
		}
		value[k] = v
	}
	return engine.NewOutput(value), nil
}
