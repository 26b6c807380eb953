package handlers

import (
	"context"
	"fmt"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

const maxSubDiagramDepth = 8

type depthKey struct{}

// SubDiagramHandler runs a named child diagram through the configured
// sub runner. Nesting depth travels on the context so mutually
// recursive diagrams terminate instead of stacking forever.
type SubDiagramHandler struct {
	log *logger.Logger
}

func (h *SubDiagramHandler) NodeType() diagram.NodeType { return diagram.NodeTypeSubDiagram }

func (h *SubDiagramHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "diagram_name", Type: "string", Required: true},
	}
}

func (h *SubDiagramHandler) RequiredServices() []string { return []string{ServiceSubRunner} }

func (h *SubDiagramHandler) Execute(ctx context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxSubDiagramDepth {
		return nil, fmt.Errorf("sub diagram %s: nesting depth %d exceeds limit", req.Node.ID, depth)
	}

	runner, err := subRunnerFrom(req.Services)
	if err != nil {
		return nil, err
	}

	name := req.Node.StringProp("diagram_name", "")
	h.log.Info("running sub diagram", "node_id", req.Node.ID, "diagram", name, "depth", depth)

	result, err := runner.RunDiagram(context.WithValue(ctx, depthKey{}, depth+1), name, req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("sub diagram %s (%s): %w", req.Node.ID, name, err)
	}

	// The last node to complete is the child's terminal endpoint; its
	// value is what the parent flow consumes
	var value any
	if len(result.Order) > 0 {
		if out, ok := result.Outputs[result.Order[len(result.Order)-1]]; ok {
			value = out.Value
		}
	}

	output := engine.NewOutput(value)
	output.TokenUsage = &result.TokenUsage
	output.ExecutedNodes = result.Order
	output.WithMeta("sub_execution_id", result.ExecutionID)
	output.WithMeta("diagram", name)
	return output, nil
}
