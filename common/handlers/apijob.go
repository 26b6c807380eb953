package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
	"github.com/sorryhyun/DiPeO-sub011/common/transform"
)

const maxAPIResponseBytes = 10 << 20

// APIJobHandler calls an external HTTP API. URL, headers and body all
// support {placeholder} substitution against the node's inputs; JSON
// responses come back parsed.
type APIJobHandler struct {
	log *logger.Logger
}

func (h *APIJobHandler) NodeType() diagram.NodeType { return diagram.NodeTypeAPIJob }

func (h *APIJobHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "url", Type: "string", Required: true},
		{Name: "method", Type: "string"},
		{Name: "headers", Type: "map"},
		{Name: "body", Type: "any"},
	}
}

func (h *APIJobHandler) RequiredServices() []string { return nil }

func (h *APIJobHandler) Execute(ctx context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	url, _ := transform.Substitute(req.Node.StringProp("url", ""), req.Inputs)
	method := strings.ToUpper(req.Node.StringProp("method", http.MethodGet))

	var body io.Reader
	contentType := ""
	switch raw := req.Node.Properties["body"].(type) {
	case nil:
	case string:
		rendered, _ := transform.Substitute(raw, req.Inputs)
		body = strings.NewReader(rendered)
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("api job %s: body not serializable: %w", req.Node.ID, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("api job %s: %w", req.Node.ID, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := req.Node.Properties["headers"].(map[string]any); ok {
		for name, value := range headers {
			rendered, _ := transform.Substitute(fmt.Sprintf("%v", value), req.Inputs)
			httpReq.Header.Set(name, rendered)
		}
	}

	resp, err := httpFrom(req.Services).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api job %s: %w", req.Node.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("api job %s: reading response: %w", req.Node.ID, err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api job %s: %s %s returned %d: %s",
			req.Node.ID, method, url, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var value any = string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			value = parsed
		}
	}

	output := engine.NewOutput(value)
	output.WithMeta("status_code", resp.StatusCode)
	output.WithMeta("url", url)
	return output, nil
}
