package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
	"github.com/sorryhyun/DiPeO-sub011/common/transform"
)

// UserResponseHandler pauses the flow and asks the caller a question
// through the run's interactive handler. Runs started without one fail
// these nodes immediately rather than hanging.
type UserResponseHandler struct {
	log *logger.Logger
}

func (h *UserResponseHandler) NodeType() diagram.NodeType { return diagram.NodeTypeUserResponse }

func (h *UserResponseHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "prompt", Type: "string", Required: true},
		{Name: "timeout", Type: "int"},
	}
}

func (h *UserResponseHandler) RequiredServices() []string { return nil }

func (h *UserResponseHandler) Execute(ctx context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	ask := req.Context.Interactive
	if ask == nil {
		return nil, fmt.Errorf("user response node %s: run has no interactive handler", req.Node.ID)
	}

	prompt, _ := transform.Substitute(req.Node.StringProp("prompt", ""), req.Inputs)

	if seconds := req.Node.IntProp("timeout", 0); seconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
		defer cancel()
	}

	answer, err := ask(ctx, req.Node.ID, prompt, map[string]any{
		"execution_id": req.Context.ExecutionID,
	})
	if err != nil {
		return nil, fmt.Errorf("user response node %s: %w", req.Node.ID, err)
	}

	output := engine.NewOutput(answer)
	output.WithMeta("prompt", prompt)
	return output, nil
}
