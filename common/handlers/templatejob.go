package handlers

import (
	"context"
	"fmt"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
	"github.com/sorryhyun/DiPeO-sub011/common/transform"
)

// TemplateJobHandler renders a text template against the node's inputs.
// The template comes from the template property or, when template_path
// is set, from the file store.
type TemplateJobHandler struct {
	log *logger.Logger
}

func (h *TemplateJobHandler) NodeType() diagram.NodeType { return diagram.NodeTypeTemplateJob }

func (h *TemplateJobHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "template", Type: "string"},
		{Name: "template_path", Type: "string"},
	}
}

func (h *TemplateJobHandler) RequiredServices() []string { return []string{ServiceFiles} }

func (h *TemplateJobHandler) Execute(_ context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	tmpl := req.Node.StringProp("template", "")
	if path := req.Node.StringProp("template_path", ""); path != "" {
		files, err := filesFrom(req.Services)
		if err != nil {
			return nil, err
		}
		data, err := files.Read(path)
		if err != nil {
			return nil, fmt.Errorf("template job %s: %w", req.Node.ID, err)
		}
		tmpl = string(data)
	}
	if tmpl == "" {
		return nil, fmt.Errorf("template job %s: no template configured", req.Node.ID)
	}

	rendered, missing := transform.Substitute(tmpl, req.Inputs)
	output := engine.NewOutput(rendered)
	if len(missing) > 0 {
		output.WithMeta("missing_vars", missing)
		h.log.Warn("template rendered with unresolved placeholders",
			"node_id", req.Node.ID, "missing", missing)
	}
	return output, nil
}
