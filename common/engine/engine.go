package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sorryhyun/DiPeO-sub011/common/config"
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/graph"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
	"github.com/sorryhyun/DiPeO-sub011/common/transform"
)

// RunStatus is the terminal state of an execution
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// RunOptions tune a single execution
type RunOptions struct {
	// ExecutionID overrides the generated id, letting callers hand out
	// the id before the run starts
	ExecutionID string
	// Variables seed the start node's output
	Variables map[string]any
	// ContinueOnError keeps the run alive after a node failure;
	// downstream nodes of the failed one are skipped
	ContinueOnError bool
	// AllowPartial treats a deadlock as a partial completion instead of
	// a failure
	AllowPartial bool
	// DebugMode enriches events with resolved inputs and output values
	DebugMode bool
	// Interactive answers user_response prompts; nil fails those nodes
	Interactive InteractiveHandler
	// Extra is opaque caller metadata echoed on lifecycle events
	Extra map[string]any
}

// Result summarizes a finished execution
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	Status      RunStatus              `json:"status"`
	Outputs     map[string]*NodeOutput `json:"outputs"`
	Order       []string               `json:"order"`
	ExecCounts  map[string]int         `json:"exec_counts"`
	Skipped     map[string]SkipReason  `json:"skipped,omitempty"`
	TokenUsage  TokenUsage             `json:"token_usage"`
	Error       string                 `json:"error,omitempty"`
}

// Engine schedules diagram nodes round by round. Each round it resolves
// readiness for every pending node, dispatches the ready set in
// parallel, gathers results on the scheduler goroutine and applies loop
// re-queues. One engine instance runs one execution at a time.
type Engine struct {
	cfg      config.ExecutionConfig
	registry Registry
	services Services
	sink     Sink
	log      *logger.Logger

	runMu sync.Mutex
}

// New creates an engine
func New(cfg config.ExecutionConfig, registry Registry, services Services, sink Sink, log *logger.Logger) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	if services == nil {
		services = Services{}
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		services: services,
		sink:     sink,
		log:      log,
	}
}

type nodeResult struct {
	node   *diagram.Node
	output *NodeOutput
	err    error
}

// Run executes a diagram to completion
func (e *Engine) Run(ctx context.Context, d *diagram.Diagram, opts RunOptions) (*Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	g, err := graph.Build(d)
	if err != nil {
		return nil, err
	}

	execID := opts.ExecutionID
	if execID == "" {
		execID = uuid.NewString()
	}
	log := e.log.WithExecutionID(execID)

	execCtx := NewExecutionContext(g, execID)
	execCtx.Interactive = opts.Interactive
	for id, key := range d.APIKeys {
		execCtx.APIKeys[id] = key
	}
	for name, value := range opts.Variables {
		execCtx.Variables[name] = value
	}

	if e.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		defer cancel()
	}

	resolver := NewResolver(g)
	inputs := NewInputResolver(g, transform.New(e.log))
	var usage TokenUsage

	e.emit(ctx, execID, EventExecutionStarted, "", map[string]any{
		"node_count": len(g.Nodes),
		"extra":      opts.Extra,
	})
	log.Info("execution started", "nodes", len(g.Nodes), "arrows", len(g.Arrows))

	pending := make(map[string]bool, len(g.Order))
	for _, id := range g.Order {
		pending[id] = true
	}

	rounds := 0
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, execCtx, usage, fmt.Errorf("execution cancelled: %w", err))
		}

		rounds++
		if e.cfg.NodeReadyMaxPolls > 0 && rounds > e.cfg.NodeReadyMaxPolls {
			return e.fail(ctx, execCtx, usage,
				fmt.Errorf("scheduler exceeded %d rounds without draining, aborting", e.cfg.NodeReadyMaxPolls))
		}

		var ready []*diagram.Node
		skips := make(map[string]SkipReason)

		for _, id := range g.Order {
			if !pending[id] {
				continue
			}
			node := g.Nodes[id]
			switch resolver.Resolve(node, execCtx, pending) {
			case Ready:
				if reason, skip := dispatchPolicy(node, execCtx); skip {
					skips[id] = reason
				} else {
					ready = append(ready, node)
				}
			case SkipBranch:
				skips[id] = SkipConditionNotMet
			case SkipDeps:
				skips[id] = SkipDependencySkipped
			case SkipFailed:
				skips[id] = SkipDependencyFailed
			case Waiting:
			}
		}

		if len(ready) == 0 && len(skips) == 0 {
			derr := &DeadlockError{Remaining: setToSlice(pending)}
			if opts.AllowPartial {
				log.Warn("execution deadlocked, completing partially", "remaining", derr.Remaining)
				break
			}
			return e.fail(ctx, execCtx, usage, derr)
		}

		for _, id := range g.Order {
			reason, ok := skips[id]
			if !ok {
				continue
			}
			execCtx.recordSkip(id, reason)
			delete(pending, id)
			if reason == SkipMaxIterations {
				execCtx.recordMaxIterReached(id)
				e.requeueMaxIterConditions(g, execCtx, id, pending)
			}
			e.emit(ctx, execID, EventNodeSkipped, id, map[string]any{"reason": string(reason)})
			log.Debug("node skipped", "node_id", id, "reason", reason)
		}

		if len(ready) == 0 {
			e.pause(ctx)
			continue
		}

		results := e.executeRound(ctx, execCtx, inputs, ready, opts)
		sort.Slice(results, func(i, j int) bool { return results[i].node.ID < results[j].node.ID })

		for _, res := range results {
			id := res.node.ID
			delete(pending, id)

			if res.err != nil {
				execCtx.recordFailure(id, res.err.Error())
				e.emit(ctx, execID, EventNodeError, id, map[string]any{"error": res.err.Error()})
				log.Error("node failed", "node_id", id, "error", res.err)
				if !opts.ContinueOnError {
					return e.fail(ctx, execCtx, usage, &HandlerError{NodeID: id, Err: res.err})
				}
				continue
			}

			execCtx.recordOutput(id, res.output)
			usage.Add(res.output.TokenUsage)

			data := map[string]any{"exec_count": execCtx.ExecCount(id)}
			if opts.DebugMode {
				data["value"] = res.output.Value
			}
			e.emit(ctx, execID, EventNodeComplete, id, data)

			e.afterComplete(g, execCtx, res.node, res.output, pending)
		}
	}

	result := e.buildResult(execCtx, StatusCompleted, usage, "")
	e.emit(ctx, execID, EventExecutionComplete, "", map[string]any{
		"order":       result.Order,
		"exec_counts": result.ExecCounts,
		"token_usage": result.TokenUsage,
	})
	log.Info("execution complete", "executed", len(result.Order), "skipped", len(result.Skipped))
	return result, nil
}

// dispatchPolicy applies ready-but-do-not-run rules at dispatch time
func dispatchPolicy(node *diagram.Node, execCtx *ExecutionContext) (SkipReason, bool) {
	count := execCtx.ExecCount(node.ID)

	if max := node.MaxIteration(); max > 0 && count >= max {
		return SkipMaxIterations, true
	}

	// A person job carrying only a first-only prompt has nothing left to
	// say after its first turn
	if node.IsPersonNode() && count > 0 {
		if node.StringProp("default_prompt", "") == "" && node.StringProp("first_only_prompt", "") != "" {
			return SkipFirstOnlyConsumed, true
		}
	}

	return "", false
}

// executeRound runs the ready set in parallel and gathers results
func (e *Engine) executeRound(ctx context.Context, execCtx *ExecutionContext, inputs *InputResolver, ready []*diagram.Node, opts RunOptions) []nodeResult {
	results := make([]nodeResult, len(ready))
	var wg sync.WaitGroup

	for i, node := range ready {
		wg.Add(1)
		go func(i int, node *diagram.Node) {
			defer wg.Done()
			output, err := e.executeNode(ctx, execCtx, inputs, node, opts)
			results[i] = nodeResult{node: node, output: output, err: err}
		}(i, node)
	}

	wg.Wait()
	return results
}

func (e *Engine) executeNode(ctx context.Context, execCtx *ExecutionContext, inputs *InputResolver, node *diagram.Node, opts RunOptions) (output *NodeOutput, err error) {
	handler, ok := e.registry.Get(node.Type)
	if !ok {
		return nil, fmt.Errorf("no handler registered for node type %q", node.Type)
	}
	if err := handler.Schema().Validate(node); err != nil {
		return nil, err
	}
	for _, name := range handler.RequiredServices() {
		if _, ok := e.services.Get(name); !ok {
			return nil, fmt.Errorf("required service %q not configured", name)
		}
	}

	resolved := inputs.Resolve(node, execCtx)

	data := map[string]any{"node_type": string(node.Type), "exec_count": execCtx.ExecCount(node.ID)}
	if opts.DebugMode {
		data["inputs"] = resolved
	}
	e.emit(ctx, execCtx.ExecutionID, EventNodeStart, node.ID, data)

	nodeCtx := ctx
	if e.cfg.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, e.cfg.NodeTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			output, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()

	started := time.Now()
	output, err = handler.Execute(nodeCtx, &HandlerRequest{
		Node:     node,
		Context:  execCtx,
		Inputs:   resolved,
		Services: e.services,
	})
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = NewOutput(nil)
	}
	e.log.Debug("node executed",
		"execution_id", execCtx.ExecutionID, "node_id", node.ID, "duration", time.Since(started))
	return output, nil
}

// afterComplete applies post-gather scheduling effects: condition loop
// re-queues and person job iteration resets
func (e *Engine) afterComplete(g *graph.Graph, execCtx *ExecutionContext, node *diagram.Node, output *NodeOutput, pending map[string]bool) {
	if node.Type == diagram.NodeTypeCondition {
		condVal, ok := output.Metadata["condition_result"].(bool)
		if !ok {
			// Handlers that don't report the boolean explicitly fall
			// back to the truthiness of what they produced
			condVal = truthy(output.Value)
		}
		execCtx.recordCondValue(node.ID, condVal)
		e.requeueLoop(g, execCtx, node, condVal, pending)
		return
	}

	if node.IsPersonNode() {
		max := node.MaxIteration()
		if max <= 0 {
			return
		}
		if execCtx.ExecCount(node.ID) < max {
			pending[node.ID] = true
		} else {
			execCtx.recordMaxIterReached(node.ID)
		}
	}
}

// truthy maps an arbitrary output value to a branch decision. A map
// with a "result" key decides by that entry.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case map[string]any:
		if result, ok := val["result"]; ok {
			return truthy(result)
		}
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

// requeueLoop re-queues the cycle a condition controls when the branch
// it selected points back into that cycle
func (e *Engine) requeueLoop(g *graph.Graph, execCtx *ExecutionContext, cond *diagram.Node, condVal bool, pending map[string]bool) {
	members := g.LoopMembers(cond.ID)
	if len(members) <= 1 {
		return
	}
	inLoop := make(map[string]bool, len(members))
	for _, id := range members {
		inLoop[id] = true
	}

	for _, arrow := range g.Outgoing[cond.ID] {
		if !branchValid(arrow, condVal) || !inLoop[arrow.Target.NodeID] {
			continue
		}
		// The condition only rejoins the loop when some other member can
		// still make progress
		requeued := false
		for _, id := range members {
			if id == cond.ID || execCtx.MaxIterReached(id) {
				continue
			}
			pending[id] = true
			requeued = true
		}
		if requeued {
			pending[cond.ID] = true
		}
		return
	}
}

// requeueMaxIterConditions wakes already-settled downstream conditions
// after a node hits its iteration cap, so detect_max_iterations guards
// get a final evaluation
func (e *Engine) requeueMaxIterConditions(g *graph.Graph, execCtx *ExecutionContext, nodeID string, pending map[string]bool) {
	reachable := g.ForwardReachable(nodeID)
	for id := range reachable {
		cond := g.Nodes[id]
		if cond == nil || cond.Type != diagram.NodeTypeCondition {
			continue
		}
		if _, ran := execCtx.Output(id); !ran {
			continue
		}
		execCtx.clearCondValue(id)
		pending[id] = true
	}
}

// pause waits one poll interval between rounds that dispatched nothing
func (e *Engine) pause(ctx context.Context) {
	if e.cfg.NodeReadyPollInterval <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(e.cfg.NodeReadyPollInterval):
	}
}

func (e *Engine) fail(ctx context.Context, execCtx *ExecutionContext, usage TokenUsage, cause error) (*Result, error) {
	e.emit(ctx, execCtx.ExecutionID, EventExecutionFailed, execCtx.CurrentNode(), map[string]any{
		"error": cause.Error(),
	})
	e.log.Error("execution failed", "execution_id", execCtx.ExecutionID, "error", cause)
	return e.buildResult(execCtx, StatusFailed, usage, cause.Error()), cause
}

func (e *Engine) buildResult(execCtx *ExecutionContext, status RunStatus, usage TokenUsage, errMsg string) *Result {
	return &Result{
		ExecutionID: execCtx.ExecutionID,
		Status:      status,
		Outputs:     execCtx.Outputs(),
		Order:       execCtx.Order(),
		ExecCounts:  execCtx.ExecCounts(),
		Skipped:     execCtx.Skipped(),
		TokenUsage:  usage,
		Error:       errMsg,
	}
}

func (e *Engine) emit(ctx context.Context, execID string, typ EventType, nodeID string, data map[string]any) {
	e.sink.Emit(ctx, Event{
		Type:        typ,
		ExecutionID: execID,
		NodeID:      nodeID,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	})
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
