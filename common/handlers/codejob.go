package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// interpreters maps a code_job language to the command that runs it
var interpreters = map[string]struct {
	cmd string
	ext string
}{
	"python": {cmd: "python3", ext: ".py"},
	"bash":   {cmd: "bash", ext: ".sh"},
	"shell":  {cmd: "sh", ext: ".sh"},
	"node":   {cmd: "node", ext: ".js"},
}

// CodeJobHandler runs an inline script in a subprocess. Inputs are
// handed to the script as JSON on stdin and via DIPEO_INPUTS; stdout is
// the node's output, parsed as JSON when it parses.
type CodeJobHandler struct {
	log *logger.Logger
}

func (h *CodeJobHandler) NodeType() diagram.NodeType { return diagram.NodeTypeCodeJob }

func (h *CodeJobHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "language", Type: "string", Required: true},
		{Name: "code", Type: "string", Required: true},
	}
}

func (h *CodeJobHandler) RequiredServices() []string { return nil }

func (h *CodeJobHandler) Execute(ctx context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	language := strings.ToLower(req.Node.StringProp("language", ""))
	interp, ok := interpreters[language]
	if !ok {
		return nil, fmt.Errorf("code job %s: unsupported language %q", req.Node.ID, language)
	}

	script := filepath.Join(os.TempDir(), "dipeo_"+uuid.NewString()+interp.ext)
	if err := os.WriteFile(script, []byte(req.Node.StringProp("code", "")), 0o600); err != nil {
		return nil, fmt.Errorf("code job %s: %w", req.Node.ID, err)
	}
	defer os.Remove(script)

	inputsJSON, err := json.Marshal(req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("code job %s: inputs not serializable: %w", req.Node.ID, err)
	}

	cmd := exec.CommandContext(ctx, interp.cmd, script)
	cmd.Stdin = bytes.NewReader(inputsJSON)
	cmd.Env = append(os.Environ(), "DIPEO_INPUTS="+string(inputsJSON))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("code job %s: %w", req.Node.ID, ctx.Err())
		}
		return nil, fmt.Errorf("code job %s: %v: %s", req.Node.ID, err, strings.TrimSpace(stderr.String()))
	}

	raw := strings.TrimSpace(stdout.String())
	var value any = raw
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		value = parsed
	}

	output := engine.NewOutput(value)
	output.WithMeta("language", language)
	if stderr.Len() > 0 {
		output.WithMeta("stderr", strings.TrimSpace(stderr.String()))
	}
	return output, nil
}
