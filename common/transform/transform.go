package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// Source describes the upstream output a value was extracted from.
// Transformations only read it; they never mutate upstream state.
type Source struct {
	NodeID   string
	Metadata map[string]any
}

// Transformer applies arrow content-type strategies. Each strategy is a
// pure function of (value, arrow, source); failures recover locally and
// pass the value through.
type Transformer struct {
	log *logger.Logger
}

// New creates a transformer
func New(log *logger.Logger) *Transformer {
	return &Transformer{log: log}
}

// Apply runs the strategy selected by the arrow's content type
func (t *Transformer) Apply(value any, arrow *diagram.Arrow, src Source) any {
	switch arrow.ContentType {
	case diagram.ContentTypeRawText:
		return rawText(value)
	case diagram.ContentTypeConversationState:
		return ConversationState(value)
	case diagram.ContentTypeVariable, "":
		// Identity; reserved for future variable-reference resolution
		return value
	case diagram.ContentTypeJSON:
		return t.jsonStrategy(value, arrow)
	case diagram.ContentTypeTemplate:
		return t.template(value, arrow, src)
	case diagram.ContentTypeAggregation:
		return aggregate(value, arrow)
	case diagram.ContentTypeFilter:
		return filterValue(value, arrow)
	case diagram.ContentTypeErrorHandling:
		return errorHandling(value, arrow, src)
	default:
		t.log.Warn("unknown arrow content type, passing value through",
			"arrow_id", arrow.ID, "content_type", arrow.ContentType)
		return value
	}
}

// rawText coerces scalars to string and passes lists/maps unchanged
func rawText(value any) any {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any, map[string]any:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ConversationState normalizes a value to {messages: [...]}: an existing
// messages map is preserved, a bare list is wrapped, and a scalar becomes
// a single user message.
func ConversationState(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if _, ok := v["messages"]; ok {
			return v
		}
		return map[string]any{"messages": []any{v}}
	case []any:
		return map[string]any{"messages": v}
	case nil:
		return map[string]any{"messages": []any{}}
	default:
		return map[string]any{"messages": []any{
			map[string]any{"role": "user", "content": fmt.Sprintf("%v", v)},
		}}
	}
}

func (t *Transformer) jsonStrategy(value any, arrow *diagram.Arrow) any {
	if parse, _ := arrow.Data["parse_json"].(bool); parse {
		str, ok := value.(string)
		if !ok {
			return value
		}
		var parsed any
		if err := json.Unmarshal([]byte(str), &parsed); err != nil {
			t.log.Warn("json parse failed, passing value through",
				"arrow_id", arrow.ID, "error", err)
			return value
		}
		return parsed
	}

	if stringify, _ := arrow.Data["stringify_json"].(bool); stringify {
		indent := 0
		switch v := arrow.Data["indent"].(type) {
		case int:
			indent = v
		case float64:
			indent = int(v)
		}
		var raw []byte
		var err error
		if indent > 0 {
			raw, err = json.MarshalIndent(value, "", strings.Repeat(" ", indent))
		} else {
			raw, err = json.Marshal(value)
		}
		if err != nil {
			t.log.Warn("json stringify failed, passing value through",
				"arrow_id", arrow.ID, "error", err)
			return value
		}
		return string(raw)
	}

	return value
}

func (t *Transformer) template(value any, arrow *diagram.Arrow, src Source) any {
	tmpl, ok := value.(string)
	if !ok {
		return value
	}

	vars := map[string]any{
		"value":          value,
		"source_node_id": src.NodeID,
		"label":          arrow.Label,
		"metadata":       src.Metadata,
	}
	out, missing := Substitute(tmpl, vars)
	if len(missing) > 0 {
		t.log.Warn("template left unresolved placeholders",
			"arrow_id", arrow.ID, "missing", missing)
	}
	return out
}

// aggregate reduces a list (a single value is promoted to a singleton)
func aggregate(value any, arrow *diagram.Arrow) any {
	list, ok := value.([]any)
	if !ok {
		list = []any{value}
	}

	op, _ := arrow.Data["operation"].(string)
	switch op {
	case "concat":
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, " ")
	case "sum":
		sum := 0.0
		for _, item := range list {
			if f, ok := toFloat(item); ok {
				sum += f
			}
		}
		return sum
	case "count":
		return len(list)
	case "first":
		if len(list) == 0 {
			return nil
		}
		return list[0]
	case "last":
		if len(list) == 0 {
			return nil
		}
		return list[len(list)-1]
	default:
		return list
	}
}

// filterValue drops list items or map keys failing the arrow's predicate.
// Scalars are kept when they pass and become nil when they do not.
func filterValue(value any, arrow *diagram.Arrow) any {
	operator, _ := arrow.Data["operator"].(string)
	operand := arrow.Data["value"]
	field, _ := arrow.Data["field"].(string)

	pass := func(item any) bool {
		probe := item
		if field != "" {
			if m, ok := item.(map[string]any); ok {
				probe = m[field]
			}
		}
		return matches(probe, operator, operand)
	}

	switch v := value.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if pass(item) {
				out = append(out, item)
			}
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if pass(item) {
				out[key] = item
			}
		}
		return out
	default:
		if pass(v) {
			return v
		}
		return nil
	}
}

func matches(value any, operator string, operand any) bool {
	switch operator {
	case "equals":
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", operand)
	case "not_equals":
		return fmt.Sprintf("%v", value) != fmt.Sprintf("%v", operand)
	case "contains":
		return strings.Contains(fmt.Sprintf("%v", value), fmt.Sprintf("%v", operand))
	case "greater_than":
		a, aok := toFloat(value)
		b, bok := toFloat(operand)
		return aok && bok && a > b
	case "less_than":
		a, aok := toFloat(value)
		b, bok := toFloat(operand)
		return aok && bok && a < b
	default:
		// No usable predicate keeps everything
		return true
	}
}

// errorHandling applies the arrow's on_error policy when the upstream
// output's metadata flags an error
func errorHandling(value any, arrow *diagram.Arrow, src Source) any {
	errVal, flagged := src.Metadata["error"]
	if !flagged || errVal == nil || errVal == false || errVal == "" {
		return value
	}

	onError, _ := arrow.Data["on_error"].(string)
	switch onError {
	case "default_value":
		return arrow.Data["default_value"]
	case "skip":
		return nil
	case "transform":
		return map[string]any{
			"error":          true,
			"message":        fmt.Sprintf("%v", errVal),
			"source_node_id": src.NodeID,
			"original":       value,
		}
	default: // pass_through
		return value
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
