package engine

import (
	"context"
	"sync"

	"github.com/sorryhyun/DiPeO-sub011/common/conversation"
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/graph"
)

// InteractiveHandler is invoked by user_response nodes (and person jobs
// in interactive mode) to obtain input from the caller
type InteractiveHandler func(ctx context.Context, nodeID, prompt string, meta map[string]any) (string, error)

// ExecutionContext is the per-run mutable state owned by the scheduler.
// All writes happen on the scheduler goroutine after each round's
// gather; handlers only ever read it. The RWMutex makes concurrent
// reads from handlers and event observers safe.
type ExecutionContext struct {
	Graph        *graph.Graph
	ExecutionID  string
	Persons      map[string]*diagram.Person
	APIKeys      map[string]string
	Variables    map[string]any
	Conversation *conversation.Manager
	Interactive  InteractiveHandler

	mu             sync.RWMutex
	execCnt        map[string]int
	outputs        map[string]*NodeOutput
	condVal        map[string]bool
	skipped        map[string]SkipReason
	failed         map[string]string
	order          []string
	maxIterReached map[string]bool
	currentNode    string
}

// NewExecutionContext creates the run state for a graph
func NewExecutionContext(g *graph.Graph, executionID string) *ExecutionContext {
	return &ExecutionContext{
		Graph:          g,
		ExecutionID:    executionID,
		Persons:        g.Persons,
		APIKeys:        map[string]string{},
		Variables:      map[string]any{},
		Conversation:   conversation.NewManager(),
		execCnt:        make(map[string]int),
		outputs:        make(map[string]*NodeOutput),
		condVal:        make(map[string]bool),
		skipped:        make(map[string]SkipReason),
		failed:         make(map[string]string),
		maxIterReached: make(map[string]bool),
	}
}

// ExecCount returns how many times a node has executed
func (c *ExecutionContext) ExecCount(nodeID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.execCnt[nodeID]
}

// Output returns a node's latest output, if any
func (c *ExecutionContext) Output(nodeID string) (*NodeOutput, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[nodeID]
	return out, ok
}

// CondValue returns a condition node's last evaluation
func (c *ExecutionContext) CondValue(nodeID string) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.condVal[nodeID]
	return v, ok
}

// SkipReasonFor returns the reason a node was skipped, if it was
func (c *ExecutionContext) SkipReasonFor(nodeID string) (SkipReason, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reason, ok := c.skipped[nodeID]
	return reason, ok
}

// FailureFor returns the failure message for a terminally failed node
func (c *ExecutionContext) FailureFor(nodeID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.failed[nodeID]
	return msg, ok
}

// MaxIterReached reports whether a node hit its iteration limit
func (c *ExecutionContext) MaxIterReached(nodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxIterReached[nodeID]
}

// Order returns a copy of the execution order taken so far
func (c *ExecutionContext) Order() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Outputs returns a shallow copy of all node outputs
func (c *ExecutionContext) Outputs() map[string]*NodeOutput {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*NodeOutput, len(c.outputs))
	for id, o := range c.outputs {
		out[id] = o
	}
	return out
}

// Skipped returns a copy of the skip map
func (c *ExecutionContext) Skipped() map[string]SkipReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]SkipReason, len(c.skipped))
	for id, reason := range c.skipped {
		out[id] = reason
	}
	return out
}

// ExecCounts returns a copy of the per-node execution counters
func (c *ExecutionContext) ExecCounts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.execCnt))
	for id, n := range c.execCnt {
		out[id] = n
	}
	return out
}

// CurrentNode returns the node the scheduler most recently recorded
func (c *ExecutionContext) CurrentNode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentNode
}

// PersonFor resolves the person a node references, falling back to
// inline person config
func (c *ExecutionContext) PersonFor(node *diagram.Node) *diagram.Person {
	if ref := node.StringProp("personId", ""); ref != "" {
		if p, ok := c.Persons[ref]; ok {
			return p
		}
	}
	if inline, ok := node.Properties["person"].(map[string]any); ok {
		p := &diagram.Person{ID: node.ID}
		if v, ok := inline["model"].(string); ok {
			p.Model = v
		}
		if v, ok := inline["service"].(string); ok {
			p.Service = v
		}
		if v, ok := inline["api_key_id"].(string); ok {
			p.APIKeyID = v
		}
		if v, ok := inline["system_prompt"].(string); ok {
			p.SystemPrompt = v
		}
		if v, ok := inline["forget_mode"].(string); ok {
			p.ForgetMode = diagram.ForgetMode(v)
		}
		return p
	}
	return nil
}

// Scheduler-side mutations. These are called only from the engine
// goroutine after each round's gather.

func (c *ExecutionContext) recordOutput(nodeID string, output *NodeOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	output.NodeID = nodeID
	c.outputs[nodeID] = output
	c.execCnt[nodeID]++
	c.order = append(c.order, nodeID)
	c.currentNode = nodeID
	delete(c.skipped, nodeID)
}

func (c *ExecutionContext) recordCondValue(nodeID string, value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.condVal[nodeID] = value
}

func (c *ExecutionContext) clearCondValue(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.condVal, nodeID)
}

func (c *ExecutionContext) recordSkip(nodeID string, reason SkipReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped[nodeID] = reason
}

func (c *ExecutionContext) recordFailure(nodeID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[nodeID] = message
}

func (c *ExecutionContext) recordMaxIterReached(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxIterReached[nodeID] = true
}
