package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
	"github.com/sorryhyun/DiPeO-sub011/common/transform"
)

// HookHandler fires a side effect, shell command or webhook, and passes
// its input through unchanged. A failing hook only fails the node when
// it is marked blocking.
type HookHandler struct {
	log *logger.Logger
}

func (h *HookHandler) NodeType() diagram.NodeType { return diagram.NodeTypeHook }

func (h *HookHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "hook_type", Type: "string", Required: true},
		{Name: "command", Type: "string"},
		{Name: "url", Type: "string"},
		{Name: "blocking", Type: "bool"},
	}
}

func (h *HookHandler) RequiredServices() []string { return nil }

func (h *HookHandler) Execute(ctx context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	var hookErr error
	switch hookType := req.Node.StringProp("hook_type", ""); hookType {
	case "shell":
		hookErr = h.runShell(ctx, req)
	case "webhook":
		hookErr = h.callWebhook(ctx, req)
	default:
		return nil, fmt.Errorf("hook %s: unsupported hook_type %q", req.Node.ID, hookType)
	}

	if hookErr != nil {
		if req.Node.BoolProp("blocking", false) {
			return nil, fmt.Errorf("hook %s: %w", req.Node.ID, hookErr)
		}
		h.log.Warn("non-blocking hook failed", "node_id", req.Node.ID, "error", hookErr)
	}

	output := engine.NewOutput(req.Inputs[diagram.DefaultHandle])
	if hookErr != nil {
		output.WithMeta("hook_error", hookErr.Error())
	}
	return output, nil
}

func (h *HookHandler) runShell(ctx context.Context, req *engine.HandlerRequest) error {
	command := req.Node.StringProp("command", "")
	if command == "" {
		return fmt.Errorf("shell hook needs a command")
	}
	rendered, _ := transform.Substitute(command, req.Inputs)

	cmd := exec.CommandContext(ctx, "sh", "-c", rendered)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (h *HookHandler) callWebhook(ctx context.Context, req *engine.HandlerRequest) error {
	url := req.Node.StringProp("url", "")
	if url == "" {
		return fmt.Errorf("webhook hook needs a url")
	}

	payload, err := json.Marshal(map[string]any{
		"execution_id": req.Context.ExecutionID,
		"node_id":      req.Node.ID,
		"inputs":       req.Inputs,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpFrom(req.Services).Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
