package handlers

import (
	"context"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// ConditionHandler evaluates a branch decision. The boolean lands in
// Metadata["condition_result"] for the scheduler; the default handle
// forwards the node's input so the taken branch still carries data.
//
// An evaluation error is not a node failure: the result is false and
// the error is surfaced in metadata. A failed guard must not kill the
// run, it routes it down the false branch.
type ConditionHandler struct {
	log *logger.Logger
}

func (h *ConditionHandler) NodeType() diagram.NodeType { return diagram.NodeTypeCondition }

func (h *ConditionHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "condition_type", Type: "string"},
		{Name: "expression", Type: "string"},
	}
}

func (h *ConditionHandler) RequiredServices() []string { return nil }

func (h *ConditionHandler) Execute(_ context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	var (
		result  bool
		evalErr error
	)

	switch req.Node.StringProp("condition_type", "expression") {
	case "detect_max_iterations":
		result = h.detectMaxIterations(req)
	default:
		result, evalErr = h.evaluateExpression(req)
	}

	passthrough := any(nil)
	if v, ok := req.Inputs[diagram.DefaultHandle]; ok {
		passthrough = v
	} else if len(req.Inputs) > 0 {
		passthrough = req.Inputs
	}

	output := engine.NewOutput(map[string]any{
		"result":  result,
		"default": passthrough,
	})
	output.WithMeta("condition_result", result)
	if evalErr != nil {
		output.WithMeta("error", evalErr.Error())
		h.log.Warn("condition evaluation failed, taking false branch",
			"node_id", req.Node.ID, "error", evalErr)
	}
	return output, nil
}

func (h *ConditionHandler) evaluateExpression(req *engine.HandlerRequest) (bool, error) {
	expr := req.Node.StringProp("expression", "")
	if expr == "" {
		return false, nil
	}

	scope := make(map[string]any, len(req.Inputs)+2)
	for k, v := range req.Inputs {
		scope[k] = v
	}

	counts := req.Context.ExecCounts()
	countScope := make(map[string]any, len(counts))
	for id, n := range counts {
		countScope[id] = n
	}
	scope["executionCount"] = countScope

	// Node outputs are addressable by node id for cross-node guards
	nodeScope := make(map[string]any)
	for id, out := range req.Context.Outputs() {
		nodeScope[id] = out.Value
	}
	scope["nodes"] = nodeScope

	return evaluatorFrom(req.Services).Evaluate(expr, scope)
}

// detectMaxIterations is true once every node upstream of the condition
// that carries an iteration cap has hit it
func (h *ConditionHandler) detectMaxIterations(req *engine.HandlerRequest) bool {
	upstream := req.Context.Graph.BackwardReachable(req.Node.ID)
	sawCapped := false
	for id := range upstream {
		node := req.Context.Graph.Nodes[id]
		if node == nil || node.MaxIteration() <= 0 {
			continue
		}
		sawCapped = true
		if !req.Context.MaxIterReached(id) {
			return false
		}
	}
	return sawCapped
}
