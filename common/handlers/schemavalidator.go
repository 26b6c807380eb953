package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// JSONSchemaValidatorHandler checks its default input against a JSON
// schema. In strict mode an invalid document fails the node; otherwise
// the verdict and error list are the node's output and the flow decides
// what to do with them.
type JSONSchemaValidatorHandler struct {
	log *logger.Logger
}

func (h *JSONSchemaValidatorHandler) NodeType() diagram.NodeType {
	return diagram.NodeTypeJSONSchemaValidator
}

func (h *JSONSchemaValidatorHandler) Schema() engine.PropertySchema {
	return engine.PropertySchema{
		{Name: "json_schema", Type: "map"},
		{Name: "schema_path", Type: "string"},
		{Name: "strict", Type: "bool"},
	}
}

func (h *JSONSchemaValidatorHandler) RequiredServices() []string { return nil }

func (h *JSONSchemaValidatorHandler) Execute(_ context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	schemaDoc, err := h.loadSchema(req)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	schemaURL := fmt.Sprintf("dipeo://node/%s/schema.json", req.Node.ID)
	if err := compiler.AddResource(schemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("schema validator %s: %w", req.Node.ID, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("schema validator %s: invalid schema: %w", req.Node.ID, err)
	}

	value := req.Inputs[diagram.DefaultHandle]
	// Round-trip through JSON so Go-native types validate like documents
	normalized, err := normalizeJSON(value)
	if err != nil {
		return nil, fmt.Errorf("schema validator %s: input not serializable: %w", req.Node.ID, err)
	}

	validationErr := schema.Validate(normalized)
	valid := validationErr == nil

	if !valid && req.Node.BoolProp("strict", false) {
		return nil, fmt.Errorf("schema validator %s: %w", req.Node.ID, validationErr)
	}

	result := map[string]any{
		"default": value,
		"valid":   valid,
	}
	output := engine.NewOutput(result)
	output.WithMeta("valid", valid)
	if validationErr != nil {
		result["errors"] = validationErr.Error()
		output.WithMeta("error", validationErr.Error())
	}
	return output, nil
}

func (h *JSONSchemaValidatorHandler) loadSchema(req *engine.HandlerRequest) (any, error) {
	if inline, ok := req.Node.Properties["json_schema"].(map[string]any); ok {
		return normalizeJSON(inline)
	}
	if path := req.Node.StringProp("schema_path", ""); path != "" {
		files, err := filesFrom(req.Services)
		if err != nil {
			return nil, err
		}
		data, err := files.Read(path)
		if err != nil {
			return nil, fmt.Errorf("schema validator %s: %w", req.Node.ID, err)
		}
		return jsonschema.UnmarshalJSON(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("schema validator %s: no schema configured", req.Node.ID)
}

func normalizeJSON(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
