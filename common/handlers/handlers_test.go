package handlers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sorryhyun/DiPeO-sub011/common/config"
	"github.com/sorryhyun/DiPeO-sub011/common/conversation"
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/graph"
	"github.com/sorryhyun/DiPeO-sub011/common/llm"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
	"github.com/sorryhyun/DiPeO-sub011/common/storage"
)

func hnode(id string, nodeType diagram.NodeType, props map[string]any) *diagram.Node {
	if props == nil {
		props = map[string]any{}
	}
	return &diagram.Node{ID: id, Type: nodeType, Properties: props}
}

// execContext builds a run context around a start node plus the nodes
// under test
func execContext(t *testing.T, persons map[string]*diagram.Person, nodes ...*diagram.Node) *engine.ExecutionContext {
	t.Helper()
	d := &diagram.Diagram{
		Nodes:   map[string]*diagram.Node{"start": hnode("start", diagram.NodeTypeStart, nil)},
		Arrows:  map[string]*diagram.Arrow{},
		Persons: persons,
	}
	for _, n := range nodes {
		d.Nodes[n.ID] = n
		d.Arrows["a"+n.ID] = &diagram.Arrow{
			ID:     "a" + n.ID,
			Source: diagram.HandleRef{NodeID: "start", Handle: diagram.DefaultHandle},
			Target: diagram.HandleRef{NodeID: n.ID, Handle: diagram.DefaultHandle},
		}
	}
	g, err := graph.Build(d)
	if err != nil {
		t.Fatalf("graph build failed: %v", err)
	}
	return engine.NewExecutionContext(g, "test-exec")
}

func handlerReq(ctx *engine.ExecutionContext, node *diagram.Node, inputs map[string]any, services engine.Services) *engine.HandlerRequest {
	if inputs == nil {
		inputs = map[string]any{}
	}
	if services == nil {
		services = engine.Services{}
	}
	return &engine.HandlerRequest{Node: node, Context: ctx, Inputs: inputs, Services: services}
}

type fakeLLM struct {
	mu       sync.Mutex
	reply    string
	requests []*llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &llm.Response{
		Text:  f.reply,
		Model: req.Model,
		Usage: llm.Usage{InputTokens: 3, OutputTokens: 5},
	}, nil
}

func TestDefaultRegistryCoversAllNodeTypes(t *testing.T) {
	r := NewDefaultRegistry(logger.Discard())

	for _, nodeType := range []diagram.NodeType{
		diagram.NodeTypeStart, diagram.NodeTypeEndpoint, diagram.NodeTypeCondition,
		diagram.NodeTypePersonJob, diagram.NodeTypePersonBatchJob, diagram.NodeTypeCodeJob,
		diagram.NodeTypeDB, diagram.NodeTypeAPIJob, diagram.NodeTypeTemplateJob,
		diagram.NodeTypeHook, diagram.NodeTypeSubDiagram, diagram.NodeTypeUserResponse,
		diagram.NodeTypeJSONSchemaValidator,
	} {
		h, ok := r.Get(nodeType)
		if !ok {
			t.Errorf("no handler for %s", nodeType)
			continue
		}
		if h.NodeType() != nodeType {
			t.Errorf("handler for %s reports %s", nodeType, h.NodeType())
		}
	}
}

func TestStartHandler_MergesSeed(t *testing.T) {
	h := &StartHandler{log: logger.Discard()}
	node := hnode("s2", diagram.NodeTypeStart, map[string]any{
		"custom_data": map[string]any{"a": 1, "b": "static"},
	})
	ctx := execContext(t, nil)
	ctx.Variables["b"] = "override"
	ctx.Variables["c"] = true

	out, err := h.Execute(context.Background(), handlerReq(ctx, node, nil, nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	value := out.Value.(map[string]any)
	seed := value["default"].(map[string]any)
	if seed["a"] != 1 || seed["b"] != "override" || seed["c"] != true {
		t.Errorf("seed merge wrong: %v", seed)
	}
	// Named handles mirror the seed keys
	if value["c"] != true {
		t.Errorf("seed keys should be addressable as handles: %v", value)
	}
}

func TestConditionHandler_Expression(t *testing.T) {
	h := &ConditionHandler{log: logger.Discard()}
	ctx := execContext(t, nil)

	node := hnode("cond", diagram.NodeTypeCondition, map[string]any{"expression": "count > 2"})
	out, err := h.Execute(context.Background(), handlerReq(ctx, node, map[string]any{"count": 3}, nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Metadata["condition_result"] != true {
		t.Errorf("expected true verdict, got %v", out.Metadata)
	}
	if out.Value.(map[string]any)["result"] != true {
		t.Errorf("result handle wrong: %v", out.Value)
	}
}

func TestConditionHandler_EvalErrorTakesFalseBranch(t *testing.T) {
	h := &ConditionHandler{log: logger.Discard()}
	ctx := execContext(t, nil)

	node := hnode("cond", diagram.NodeTypeCondition, map[string]any{"expression": "count >"})
	out, err := h.Execute(context.Background(), handlerReq(ctx, node, map[string]any{"count": 1}, nil))
	if err != nil {
		t.Fatalf("evaluation error must not fail the node: %v", err)
	}
	if out.Metadata["condition_result"] != false {
		t.Errorf("broken guard should evaluate false, got %v", out.Metadata)
	}
	if out.Metadata["error"] == nil {
		t.Error("evaluation error should surface in metadata")
	}
}

func TestConditionHandler_DetectMaxIterations(t *testing.T) {
	h := &ConditionHandler{log: logger.Discard()}

	pj := hnode("pj", diagram.NodeTypePersonJob, map[string]any{
		"default_prompt": "go",
		"max_iteration":  2,
	})
	cond := hnode("cond", diagram.NodeTypeCondition, map[string]any{
		"condition_type": "detect_max_iterations",
	})
	d := &diagram.Diagram{
		Nodes: map[string]*diagram.Node{
			"start": hnode("start", diagram.NodeTypeStart, nil),
			"pj":    pj,
			"cond":  cond,
		},
		Arrows: map[string]*diagram.Arrow{
			"a1": {ID: "a1", Source: diagram.HandleRef{NodeID: "start", Handle: "default"}, Target: diagram.HandleRef{NodeID: "pj", Handle: "default"}},
			"a2": {ID: "a2", Source: diagram.HandleRef{NodeID: "pj", Handle: "default"}, Target: diagram.HandleRef{NodeID: "cond", Handle: "default"}},
		},
	}
	g, err := graph.Build(d)
	if err != nil {
		t.Fatalf("graph build failed: %v", err)
	}
	ctx := engine.NewExecutionContext(g, "t")

	// Capped upstream person has not hit its limit yet
	out, err := h.Execute(context.Background(), handlerReq(ctx, cond, nil, nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Metadata["condition_result"] != false {
		t.Errorf("detect should be false before the cap is reached, got %v", out.Metadata)
	}
}

func TestConditionHandler_DetectWithoutCappedPersons(t *testing.T) {
	h := &ConditionHandler{log: logger.Discard()}
	ctx := execContext(t, nil, hnode("cond", diagram.NodeTypeCondition, map[string]any{
		"condition_type": "detect_max_iterations",
	}))

	out, err := h.Execute(context.Background(), handlerReq(ctx, ctx.Graph.Nodes["cond"], nil, nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Metadata["condition_result"] != false {
		t.Error("no capped persons upstream should mean false")
	}
}

// stub handlers for full-engine runs exercising the real condition logic

type stubHandler struct {
	nodeType diagram.NodeType
	fn       func(req *engine.HandlerRequest) (*engine.NodeOutput, error)
}

func (h *stubHandler) NodeType() diagram.NodeType { return h.nodeType }
func (h *stubHandler) Schema() engine.PropertySchema { return nil }
func (h *stubHandler) RequiredServices() []string { return nil }
func (h *stubHandler) Execute(_ context.Context, req *engine.HandlerRequest) (*engine.NodeOutput, error) {
	return h.fn(req)
}

type stubRegistry map[diagram.NodeType]engine.Handler

func (r stubRegistry) Get(t diagram.NodeType) (engine.Handler, bool) {
	h, ok := r[t]
	return h, ok
}

func TestConditionHandler_DetectCountsAnyCappedNode(t *testing.T) {
	emit := func(value any) func(*engine.HandlerRequest) (*engine.NodeOutput, error) {
		return func(*engine.HandlerRequest) (*engine.NodeOutput, error) {
			out := engine.NewOutput(value)
			out.WithMeta("passthrough", true)
			return out, nil
		}
	}
	reg := stubRegistry{
		diagram.NodeTypeStart:     &stubHandler{nodeType: diagram.NodeTypeStart, fn: emit("go")},
		diagram.NodeTypeCodeJob:   &stubHandler{nodeType: diagram.NodeTypeCodeJob, fn: emit("tick")},
		diagram.NodeTypeEndpoint:  &stubHandler{nodeType: diagram.NodeTypeEndpoint, fn: emit("done")},
		diagram.NodeTypeCondition: &ConditionHandler{log: logger.Discard()},
	}

	d := &diagram.Diagram{
		Nodes: map[string]*diagram.Node{
			"start": hnode("start", diagram.NodeTypeStart, nil),
			"job":   hnode("job", diagram.NodeTypeCodeJob, map[string]any{"max_iteration": 1}),
			"cond":  hnode("cond", diagram.NodeTypeCondition, map[string]any{"condition_type": "detect_max_iterations"}),
			"end":   hnode("end", diagram.NodeTypeEndpoint, nil),
		},
		Arrows: map[string]*diagram.Arrow{
			"a1": {ID: "a1", Source: diagram.HandleRef{NodeID: "start", Handle: "default"}, Target: diagram.HandleRef{NodeID: "job", Handle: "default"}},
			"a2": {ID: "a2", Source: diagram.HandleRef{NodeID: "job", Handle: "default"}, Target: diagram.HandleRef{NodeID: "cond", Handle: "default"}},
			"a3": {ID: "a3", Label: "false", Source: diagram.HandleRef{NodeID: "cond", Handle: "default"}, Target: diagram.HandleRef{NodeID: "job", Handle: "default"}},
			"a4": {ID: "a4", Label: "true", Source: diagram.HandleRef{NodeID: "cond", Handle: "default"}, Target: diagram.HandleRef{NodeID: "end", Handle: "default"}},
		},
	}

	cfg := config.ExecutionConfig{
		ExecutionTimeout:      10 * time.Second,
		NodeTimeout:           2 * time.Second,
		NodeReadyPollInterval: time.Millisecond,
		NodeReadyMaxPolls:     200,
	}
	eng := engine.New(cfg, reg, engine.Services{}, nil, logger.Discard())

	result, err := eng.Run(context.Background(), d, engine.RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The capped code job exits the loop through the detect guard
	if result.Skipped["job"] != engine.SkipMaxIterations {
		t.Errorf("job should stop at its cap, skipped=%v", result.Skipped)
	}
	if result.ExecCounts["end"] != 1 {
		t.Errorf("detect guard should release the endpoint, counts=%v", result.ExecCounts)
	}
}

func TestEndpointHandler_CollapsesSingleDefault(t *testing.T) {
	h := &EndpointHandler{log: logger.Discard()}
	ctx := execContext(t, nil)
	node := hnode("end", diagram.NodeTypeEndpoint, nil)

	out, err := h.Execute(context.Background(), handlerReq(ctx, node, map[string]any{"default": "bare"}, nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Value != "bare" {
		t.Errorf("single default input should collapse, got %v", out.Value)
	}

	multi := map[string]any{"a": 1, "b": 2}
	out, err = h.Execute(context.Background(), handlerReq(ctx, node, multi, nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := out.Value.(map[string]any); got["a"] != 1 || got["b"] != 2 {
		t.Errorf("multi-input endpoint should keep the map, got %v", got)
	}
}

func TestEndpointHandler_SaveToFile(t *testing.T) {
	h := &EndpointHandler{log: logger.Discard()}
	ctx := execContext(t, nil)

	base := t.TempDir()
	files := storage.NewFileStore(config.FileConfig{BaseDir: base, ResultDir: "results"}, logger.Discard())
	services := engine.Services{ServiceFiles: files}

	node := hnode("end", diagram.NodeTypeEndpoint, map[string]any{
		"save_to_file": true,
		"file_name":    "final.json",
	})
	out, err := h.Execute(context.Background(), handlerReq(ctx, node, map[string]any{"default": map[string]any{"x": 1}}, services))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	saved, _ := out.Metadata["saved_to"].(string)
	if saved == "" {
		t.Fatal("saved_to meta missing")
	}
	data, err := os.ReadFile(filepath.Join(base, saved))
	if err != nil {
		t.Fatalf("saved file unreadable: %v", err)
	}
	if !strings.Contains(string(data), `"x": 1`) {
		t.Errorf("saved content wrong: %s", data)
	}
}

func TestTemplateJobHandler(t *testing.T) {
	h := &TemplateJobHandler{log: logger.Discard()}
	ctx := execContext(t, nil)

	node := hnode("tpl", diagram.NodeTypeTemplateJob, map[string]any{
		"template": "Hello {name}, missing {gone}",
	})
	out, err := h.Execute(context.Background(), handlerReq(ctx, node, map[string]any{"name": "world"}, nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Value != "Hello world, missing {gone}" {
		t.Errorf("rendered wrong: %v", out.Value)
	}
	missing, _ := out.Metadata["missing_vars"].([]string)
	if len(missing) != 1 || missing[0] != "gone" {
		t.Errorf("missing vars wrong: %v", missing)
	}

	empty := hnode("tpl2", diagram.NodeTypeTemplateJob, nil)
	if _, err := h.Execute(context.Background(), handlerReq(ctx, empty, nil, nil)); err == nil {
		t.Error("missing template should fail")
	}
}

func TestCodeJobHandler_ShellEchoesInputs(t *testing.T) {
	h := &CodeJobHandler{log: logger.Discard()}
	ctx := execContext(t, nil)

	node := hnode("job", diagram.NodeTypeCodeJob, map[string]any{
		"language": "shell",
		"code":     "cat",
	})
	out, err := h.Execute(context.Background(), handlerReq(ctx, node, map[string]any{"default": "ping"}, nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	value, ok := out.Value.(map[string]any)
	if !ok || value["default"] != "ping" {
		t.Errorf("stdin JSON should round-trip through stdout, got %v", out.Value)
	}
}

func TestCodeJobHandler_UnsupportedLanguage(t *testing.T) {
	h := &CodeJobHandler{log: logger.Discard()}
	ctx := execContext(t, nil)

	node := hnode("job", diagram.NodeTypeCodeJob, map[string]any{
		"language": "cobol",
		"code":     "x",
	})
	if _, err := h.Execute(context.Background(), handlerReq(ctx, node, nil, nil)); err == nil {
		t.Error("unsupported language should fail")
	}
}

func TestSchemaValidator(t *testing.T) {
	h := &JSONSchemaValidatorHandler{log: logger.Discard()}
	ctx := execContext(t, nil)

	schema := map[string]any{
		"type":     "object",
		"required": []any{"name"},
	}
	node := hnode("sv", diagram.NodeTypeJSONSchemaValidator, map[string]any{"json_schema": schema})

	out, err := h.Execute(context.Background(), handlerReq(ctx, node,
		map[string]any{"default": map[string]any{"name": "ok"}}, nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Metadata["valid"] != true {
		t.Errorf("document should validate, got %v", out.Metadata)
	}

	out, err = h.Execute(context.Background(), handlerReq(ctx, node,
		map[string]any{"default": map[string]any{"other": 1}}, nil))
	if err != nil {
		t.Fatalf("non-strict validation failure must not fail the node: %v", err)
	}
	if out.Metadata["valid"] != false || out.Metadata["error"] == nil {
		t.Errorf("invalid document should report verdict and errors, got %v", out.Metadata)
	}

	strict := hnode("sv2", diagram.NodeTypeJSONSchemaValidator, map[string]any{
		"json_schema": schema,
		"strict":      true,
	})
	if _, err := h.Execute(context.Background(), handlerReq(ctx, strict,
		map[string]any{"default": map[string]any{"other": 1}}, nil)); err == nil {
		t.Error("strict mode should fail the node on invalid input")
	}
}

func personServices(client llm.Client, cfg config.ExecutionConfig) engine.Services {
	return engine.Services{
		ServiceLLM:    client,
		ServiceConfig: cfg,
	}
}

func TestPersonJobHandler_SubstitutesAndRecords(t *testing.T) {
	h := &PersonJobHandler{log: logger.Discard()}
	persons := map[string]*diagram.Person{
		"p1": {ID: "p1", Model: "gpt-4o-mini", Service: "openai", SystemPrompt: "be terse"},
	}
	node := hnode("pj", diagram.NodeTypePersonJob, map[string]any{
		"personId":       "p1",
		"default_prompt": "write about {topic}",
	})
	ctx := execContext(t, persons, node)

	client := &fakeLLM{reply: "a fine essay"}
	out, err := h.Execute(context.Background(),
		handlerReq(ctx, node, map[string]any{"topic": "go"}, personServices(client, config.ExecutionConfig{})))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(client.requests) != 1 {
		t.Fatalf("expected one completion, got %d", len(client.requests))
	}
	req := client.requests[0]
	if req.System != "be terse" || req.Model != "gpt-4o-mini" {
		t.Errorf("person config not forwarded: %+v", req)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "write about go" {
		t.Errorf("prompt substitution wrong: %q", last.Content)
	}

	value := out.Value.(map[string]any)
	if value["default"] != "a fine essay" {
		t.Errorf("reply not on default handle: %v", value)
	}
	if out.TokenUsage == nil || out.TokenUsage.Output != 5 {
		t.Errorf("token usage missing: %+v", out.TokenUsage)
	}
	if out.Metadata["passthrough"] != true {
		t.Error("person output should be passthrough")
	}

	// Both sides of the turn are in the conversation log
	if got := ctx.Conversation.Len("p1"); got != 2 {
		t.Errorf("expected prompt+reply in history, got %d messages", got)
	}
}

func TestPersonJobHandler_AutoPrependsHistory(t *testing.T) {
	h := &PersonJobHandler{log: logger.Discard()}
	persons := map[string]*diagram.Person{"p1": {ID: "p1", Model: "m"}}
	node := hnode("pj", diagram.NodeTypePersonJob, map[string]any{
		"personId":       "p1",
		"default_prompt": "continue",
	})
	ctx := execContext(t, persons, node)
	ctx.Conversation.Append("p1",
		conversation.NewMessage("system", "p1", "earlier prompt", conversation.MessageTypeSystemToPerson),
		conversation.NewMessage("p1", "system", "earlier reply", conversation.MessageTypePersonToSystem),
	)

	client := &fakeLLM{reply: "ok"}
	cfg := config.ExecutionConfig{AutoPrependConversation: true}
	if _, err := h.Execute(context.Background(),
		handlerReq(ctx, node, nil, personServices(client, cfg))); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	req := client.requests[0]
	if len(req.Messages) != 3 {
		t.Fatalf("expected history + prompt, got %d messages", len(req.Messages))
	}
	if req.Messages[0].Role != llm.RoleUser || req.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("history roles wrong: %v %v", req.Messages[0].Role, req.Messages[1].Role)
	}
}

func TestPersonJobHandler_TemplateDrivenHistorySkipsPrepend(t *testing.T) {
	h := &PersonJobHandler{log: logger.Discard()}
	persons := map[string]*diagram.Person{"p1": {ID: "p1", Model: "m"}}
	node := hnode("pj", diagram.NodeTypePersonJob, map[string]any{
		"personId":       "p1",
		"default_prompt": "history:\n{{conversation}}\nnow continue",
	})
	ctx := execContext(t, persons, node)
	ctx.Conversation.Append("p1",
		conversation.NewMessage("p1", "system", "earlier reply", conversation.MessageTypePersonToSystem),
	)

	client := &fakeLLM{reply: "ok"}
	cfg := config.ExecutionConfig{AutoPrependConversation: true}
	if _, err := h.Execute(context.Background(),
		handlerReq(ctx, node, nil, personServices(client, cfg))); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	req := client.requests[0]
	if len(req.Messages) != 1 {
		t.Fatalf("template already embeds history, expected single message, got %d", len(req.Messages))
	}
	if !strings.Contains(req.Messages[0].Content, "earlier reply") {
		t.Errorf("history should render into the prompt: %q", req.Messages[0].Content)
	}
}

func TestPersonJobHandler_ForgetUponRequest(t *testing.T) {
	h := &PersonJobHandler{log: logger.Discard()}
	persons := map[string]*diagram.Person{
		"p1": {ID: "p1", Model: "m", ForgetMode: diagram.ForgetModeUponRequest},
	}
	node := hnode("pj", diagram.NodeTypePersonJob, map[string]any{
		"personId":       "p1",
		"default_prompt": "continue",
		"memory_config":  map[string]any{"forget_requested": true},
	})
	ctx := execContext(t, persons, node)
	ctx.Conversation.Append("p1",
		conversation.NewMessage("system", "p1", "old", conversation.MessageTypeSystemToPerson),
	)

	client := &fakeLLM{reply: "ok"}
	cfg := config.ExecutionConfig{AutoPrependConversation: true}
	if _, err := h.Execute(context.Background(),
		handlerReq(ctx, node, nil, personServices(client, cfg))); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// History hidden from the request, but the log itself is untouched
	if len(client.requests[0].Messages) != 1 {
		t.Errorf("forgotten history leaked into the request: %v", client.requests[0].Messages)
	}
	if ctx.Conversation.Len("p1") != 3 {
		t.Errorf("forgetting must never delete the log, len=%d", ctx.Conversation.Len("p1"))
	}
}

func TestPersonJobHandler_OnEveryTurnKeepsPrompts(t *testing.T) {
	h := &PersonJobHandler{log: logger.Discard()}
	person := &diagram.Person{ID: "p1", Model: "m", ForgetMode: diagram.ForgetModeOnEveryTurn}
	node := hnode("pj", diagram.NodeTypePersonJob, map[string]any{
		"personId":       "p1",
		"default_prompt": "continue",
	})
	ctx := execContext(t, map[string]*diagram.Person{"p1": person}, node)
	ctx.Conversation.Append("p1",
		conversation.NewMessage("system", "p1", "turn-1 prompt", conversation.MessageTypeSystemToPerson),
		conversation.NewMessage("p1", "system", "turn-1 reply", conversation.MessageTypePersonToSystem),
	)
	req := handlerReq(ctx, node, nil, personServices(&fakeLLM{reply: "ok"}, config.ExecutionConfig{}))

	// First turn sees everything
	if got := h.visibleHistory(req, person, 0); len(got) != 2 {
		t.Fatalf("first turn should see the full history, got %d messages", len(got))
	}

	// Later turns keep the prompts and drop the replies; the log stays
	got := h.visibleHistory(req, person, 1)
	if len(got) != 1 || got[0].Content != "turn-1 prompt" {
		t.Errorf("later turn should reduce to prompts, got %+v", got)
	}
	if ctx.Conversation.Len("p1") != 2 {
		t.Errorf("forgetting must never delete the log, len=%d", ctx.Conversation.Len("p1"))
	}
}

func TestPersonJobHandler_NoPromptFails(t *testing.T) {
	h := &PersonJobHandler{log: logger.Discard()}
	persons := map[string]*diagram.Person{"p1": {ID: "p1"}}
	node := hnode("pj", diagram.NodeTypePersonJob, map[string]any{
		"personId":          "p1",
		"first_only_prompt": "only once",
	})
	ctx := execContext(t, persons, node)

	// first execution uses the first-only prompt
	client := &fakeLLM{reply: "ok"}
	if _, err := h.Execute(context.Background(),
		handlerReq(ctx, node, nil, personServices(client, config.ExecutionConfig{}))); err != nil {
		t.Fatalf("first turn should use first_only_prompt: %v", err)
	}
	if client.requests[0].Messages[0].Content != "only once" {
		t.Errorf("wrong prompt: %q", client.requests[0].Messages[0].Content)
	}
}

func TestBatchItems(t *testing.T) {
	node := hnode("batch", diagram.NodeTypePersonBatchJob, map[string]any{
		"default_prompt": "summarize {item}",
	})
	req := &engine.HandlerRequest{Node: node, Inputs: map[string]any{
		"default": []any{"a", "b"},
	}}
	items, err := batchItems(req)
	if err != nil || len(items) != 2 {
		t.Errorf("default list should batch, got %v err %v", items, err)
	}

	// batch_key wins over default
	keyed := hnode("batch", diagram.NodeTypePersonBatchJob, map[string]any{
		"default_prompt": "x",
		"batch_key":      "rows",
	})
	req = &engine.HandlerRequest{Node: keyed, Inputs: map[string]any{
		"rows":    []any{"r1"},
		"default": []any{"d1", "d2"},
	}}
	items, err = batchItems(req)
	if err != nil || len(items) != 1 {
		t.Errorf("batch_key should win, got %v err %v", items, err)
	}

	// A scalar promotes to a singleton batch
	req = &engine.HandlerRequest{Node: node, Inputs: map[string]any{"default": "solo"}}
	items, err = batchItems(req)
	if err != nil || len(items) != 1 || items[0] != "solo" {
		t.Errorf("scalar should promote, got %v err %v", items, err)
	}

	// Nothing to batch is an error
	req = &engine.HandlerRequest{Node: node, Inputs: map[string]any{}}
	if _, err := batchItems(req); err == nil {
		t.Error("empty batch input should fail")
	}
}

func TestPersonBatchJob_RunsPerItem(t *testing.T) {
	h := &PersonBatchJobHandler{log: logger.Discard()}
	persons := map[string]*diagram.Person{"p1": {ID: "p1", Model: "m"}}
	node := hnode("batch", diagram.NodeTypePersonBatchJob, map[string]any{
		"personId":       "p1",
		"default_prompt": "item {index}: {item}",
	})
	ctx := execContext(t, persons)

	client := &fakeLLM{reply: "done"}
	out, err := h.Execute(context.Background(), handlerReq(ctx, node,
		map[string]any{"default": []any{"x", "y", "z"}},
		personServices(client, config.ExecutionConfig{})))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(client.requests) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(client.requests))
	}
	if client.requests[1].Messages[0].Content != "item 1: y" {
		t.Errorf("per-item substitution wrong: %q", client.requests[1].Messages[0].Content)
	}
	results := out.Value.(map[string]any)["default"].([]any)
	if len(results) != 3 {
		t.Errorf("expected 3 results, got %v", results)
	}
	if out.Metadata["batch_size"] != 3 {
		t.Errorf("batch_size meta wrong: %v", out.Metadata["batch_size"])
	}
	if out.TokenUsage == nil || out.TokenUsage.Output != 15 {
		t.Errorf("usage should aggregate, got %+v", out.TokenUsage)
	}
}
