package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// EndpointHandler terminates a path, collecting its inputs as the final
// result and optionally persisting them to the result directory.
type EndpointHandler struct {
	log *logger.Logger
}

func (h *EndpointHandler) NodeType() diagram.NodeType { return diagram.NodeTypeEndpoint }

func (h *EndpointHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "save_to_file", Type: "bool"},
		{Name: "file_name", Type: "string"},
	}
}

func (h *EndpointHandler) RequiredServices() []string { return []string{ServiceFiles} }

func (h *EndpointHandler) Execute(_ context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	// A single default input collapses to its bare value
	var result any = req.Inputs
	if len(req.Inputs) == 1 {
		if v, ok := req.Inputs[diagram.DefaultHandle]; ok {
			result = v
		}
	}

	output := engine.NewOutput(result)

	if req.Node.BoolProp("save_to_file", false) {
		files, err := filesFrom(req.Services)
		if err != nil {
			return nil, err
		}
		name := req.Node.StringProp("file_name", "")
		if name == "" {
			name = fmt.Sprintf("%s_%s.json", req.Context.ExecutionID, req.Node.ID)
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("endpoint result not serializable: %w", err)
		}
		path, err := files.WriteResult(name, data)
		if err != nil {
			return nil, err
		}
		output.WithMeta("saved_to", path)
		h.log.Info("endpoint result saved", "node_id", req.Node.ID, "path", path)
	}

	return output, nil
}
