package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// DBHandler serves data sources to the diagram. The file sub-type reads
// through the confined file store; json files come back parsed, anything
// else as text. The write operation persists a value under the result
// directory.
type DBHandler struct {
	log *logger.Logger
}

func (h *DBHandler) NodeType() diagram.NodeType { return diagram.NodeTypeDB }

func (h *DBHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "operation", Type: "string"},
		{Name: "sub_type", Type: "string"},
		{Name: "source_details", Type: "string"},
	}
}

func (h *DBHandler) RequiredServices() []string { return []string{ServiceFiles} }

func (h *DBHandler) Execute(_ context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	subType := req.Node.StringProp("sub_type", "file")
	if subType != "file" {
		return nil, fmt.Errorf("db node %s: unsupported sub_type %q", req.Node.ID, subType)
	}

	files, err := filesFrom(req.Services)
	if err != nil {
		return nil, err
	}
	source := req.Node.StringProp("source_details", "")
	if source == "" {
		return nil, fmt.Errorf("db node %s: source_details is required", req.Node.ID)
	}

	switch op := req.Node.StringProp("operation", "read"); op {
	case "read":
		data, err := files.Read(source)
		if err != nil {
			return nil, fmt.Errorf("db node %s: %w", req.Node.ID, err)
		}
		var value any = string(data)
		if strings.EqualFold(filepath.Ext(source), ".json") {
			var parsed any
			if err := json.Unmarshal(data, &parsed); err == nil {
				value = parsed
			} else {
				h.log.Warn("db file is not valid json, returning text",
					"node_id", req.Node.ID, "path", source, "error", err)
			}
		}
		output := engine.NewOutput(value)
		output.WithMeta("source", source)
		return output, nil

	case "write":
		value := req.Inputs[diagram.DefaultHandle]
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("db node %s: value not serializable: %w", req.Node.ID, err)
		}
		path, err := files.WriteResult(source, data)
		if err != nil {
			return nil, fmt.Errorf("db node %s: %w", req.Node.ID, err)
		}
		output := engine.NewOutput(value)
		output.WithMeta("written_to", path)
		return output, nil

	default:
		return nil, fmt.Errorf("db node %s: unsupported operation %q", req.Node.ID, op)
	}
}
