package engine

import (
	"testing"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/graph"
)

func branchArrow(label, handle string) *diagram.Arrow {
	return &diagram.Arrow{
		Label:  label,
		Source: diagram.HandleRef{NodeID: "cond", Handle: handle},
		Target: diagram.HandleRef{NodeID: "next", Handle: diagram.DefaultHandle},
	}
}

func TestBranchValid(t *testing.T) {
	tests := []struct {
		name    string
		label   string
		handle  string
		condVal bool
		want    bool
	}{
		{"true label on true", "true", "default", true, true},
		{"true label on false", "true", "default", false, false},
		{"false label on false", "false", "default", false, true},
		{"false label on true", "false", "default", true, false},
		{"yes label", "yes", "default", true, true},
		{"no label", "no", "default", false, true},
		{"condtrue handle", "", "condtrue", true, true},
		{"condfalse handle", "", "condfalse", true, false},
		{"unlabeled always valid", "", "default", false, true},
		{"unlabeled always valid on true", "", "default", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arrow := branchArrow(tt.label, tt.handle)
			if got := branchValid(arrow, tt.condVal); got != tt.want {
				t.Errorf("branchValid(label=%q handle=%q, %v) = %v, want %v",
					tt.label, tt.handle, tt.condVal, got, tt.want)
			}
		})
	}
}

func TestInputKey(t *testing.T) {
	tests := []struct {
		name   string
		label  string
		handle string
		want   string
	}{
		{"label wins", "topic", "input", "topic"},
		{"handle fallback", "", "input", "input"},
		{"default handle", "", "default", "default"},
		{"bare first maps to default", "", "first", "default"},
		{"suffixed first strips", "", "seed-first", "seed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arrow := &diagram.Arrow{
				Label:  tt.label,
				Target: diagram.HandleRef{NodeID: "n", Handle: tt.handle},
			}
			if got := inputKey(arrow); got != tt.want {
				t.Errorf("inputKey = %q, want %q", got, tt.want)
			}
		})
	}
}

// resolver test fixtures share the graph test helpers' shape

func buildGraph(t *testing.T, nodes []*diagram.Node, arrows []*diagram.Arrow) *graph.Graph {
	t.Helper()
	d := &diagram.Diagram{
		Nodes:  make(map[string]*diagram.Node),
		Arrows: make(map[string]*diagram.Arrow),
	}
	for _, n := range nodes {
		d.Nodes[n.ID] = n
	}
	for _, a := range arrows {
		d.Arrows[a.ID] = a
	}
	g, err := graph.Build(d)
	if err != nil {
		t.Fatalf("graph build failed: %v", err)
	}
	return g
}

func simpleNode(id string, nodeType diagram.NodeType, props map[string]any) *diagram.Node {
	if props == nil {
		props = map[string]any{}
	}
	return &diagram.Node{ID: id, Type: nodeType, Properties: props}
}

func simpleArrow(id, source, target string) *diagram.Arrow {
	return &diagram.Arrow{
		ID:     id,
		Source: diagram.HandleRef{NodeID: source, Handle: diagram.DefaultHandle},
		Target: diagram.HandleRef{NodeID: target, Handle: diagram.DefaultHandle},
	}
}

func pendingAll(g *graph.Graph) map[string]bool {
	pending := make(map[string]bool)
	for id := range g.Nodes {
		pending[id] = true
	}
	return pending
}

func TestResolve_StartIsAlwaysReady(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("end", diagram.NodeTypeEndpoint, nil),
		},
		[]*diagram.Arrow{simpleArrow("a1", "start", "end")},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)

	if got := r.Resolve(g.Nodes["start"], ctx, pendingAll(g)); got != Ready {
		t.Errorf("start should be Ready, got %v", got)
	}
}

func TestResolve_WaitsThenReady(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("end", diagram.NodeTypeEndpoint, nil),
		},
		[]*diagram.Arrow{simpleArrow("a1", "start", "end")},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)
	pending := pendingAll(g)

	if got := r.Resolve(g.Nodes["end"], ctx, pending); got != Waiting {
		t.Errorf("end should wait for start, got %v", got)
	}

	ctx.recordOutput("start", NewOutput("seed"))
	delete(pending, "start")

	if got := r.Resolve(g.Nodes["end"], ctx, pending); got != Ready {
		t.Errorf("end should be Ready once start produced, got %v", got)
	}
}

func TestResolve_PrunedBranchSkips(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("cond", diagram.NodeTypeCondition, nil),
			simpleNode("a", diagram.NodeTypeCodeJob, map[string]any{"language": "bash", "code": "true"}),
		},
		[]*diagram.Arrow{
			simpleArrow("a1", "start", "cond"),
			{
				ID:     "a2",
				Label:  "false",
				Source: diagram.HandleRef{NodeID: "cond", Handle: diagram.DefaultHandle},
				Target: diagram.HandleRef{NodeID: "a", Handle: diagram.DefaultHandle},
			},
		},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)
	pending := pendingAll(g)

	ctx.recordOutput("start", NewOutput("seed"))
	delete(pending, "start")
	ctx.recordOutput("cond", NewOutput(map[string]any{"result": true}))
	ctx.recordCondValue("cond", true)

	// While the condition is still pending it may flip; wait
	if got := r.Resolve(g.Nodes["a"], ctx, pending); got != Waiting {
		t.Errorf("pruned branch of pending condition should wait, got %v", got)
	}

	delete(pending, "cond")
	if got := r.Resolve(g.Nodes["a"], ctx, pending); got != SkipBranch {
		t.Errorf("pruned branch of settled condition should skip, got %v", got)
	}
}

func TestResolve_SkipPropagation(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("a", diagram.NodeTypeCodeJob, map[string]any{"language": "bash", "code": "true"}),
			simpleNode("b", diagram.NodeTypeCodeJob, map[string]any{"language": "bash", "code": "true"}),
		},
		[]*diagram.Arrow{
			simpleArrow("a1", "start", "a"),
			simpleArrow("a2", "a", "b"),
		},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)
	pending := pendingAll(g)

	ctx.recordOutput("start", NewOutput("seed"))
	delete(pending, "start")

	ctx.recordSkip("a", SkipDependencySkipped)
	delete(pending, "a")
	if got := r.Resolve(g.Nodes["b"], ctx, pending); got != SkipDeps {
		t.Errorf("skipped upstream without output should skip downstream, got %v", got)
	}

	// Failed upstream propagates as a failure skip
	ctx2 := NewExecutionContext(g, "t2")
	pending2 := pendingAll(g)
	ctx2.recordOutput("start", NewOutput("seed"))
	delete(pending2, "start")
	ctx2.recordFailure("a", "boom")
	delete(pending2, "a")
	if got := r.Resolve(g.Nodes["b"], ctx2, pending2); got != SkipFailed {
		t.Errorf("failed upstream should skip downstream as failed, got %v", got)
	}
}

func TestResolve_SkippedWithRetainedOutputSatisfies(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("a", diagram.NodeTypeCodeJob, map[string]any{"language": "bash", "code": "true"}),
			simpleNode("b", diagram.NodeTypeCodeJob, map[string]any{"language": "bash", "code": "true"}),
		},
		[]*diagram.Arrow{
			simpleArrow("a1", "start", "a"),
			simpleArrow("a2", "a", "b"),
		},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)
	pending := pendingAll(g)

	ctx.recordOutput("start", NewOutput("seed"))
	delete(pending, "start")

	// a executed once, then was skipped with a passthrough output; its
	// last value still feeds b
	kept := NewOutput("kept")
	kept.WithMeta("passthrough", true)
	ctx.recordOutput("a", kept)
	ctx.recordSkip("a", SkipMaxIterations)
	delete(pending, "a")

	if got := r.Resolve(g.Nodes["b"], ctx, pending); got != Ready {
		t.Errorf("retained passthrough output should satisfy downstream, got %v", got)
	}
}

func TestResolve_SkippedWithoutPassthroughDoesNotSatisfy(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("a", diagram.NodeTypeCodeJob, map[string]any{"language": "bash", "code": "true"}),
			simpleNode("b", diagram.NodeTypeCodeJob, map[string]any{"language": "bash", "code": "true"}),
		},
		[]*diagram.Arrow{
			simpleArrow("a1", "start", "a"),
			simpleArrow("a2", "a", "b"),
		},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)
	pending := pendingAll(g)

	ctx.recordOutput("start", NewOutput("seed"))
	delete(pending, "start")

	// Without the passthrough flag a skipped node's old output is not
	// republished
	ctx.recordOutput("a", NewOutput("stale"))
	ctx.recordSkip("a", SkipMaxIterations)
	delete(pending, "a")

	if got := r.Resolve(g.Nodes["b"], ctx, pending); got != SkipDeps {
		t.Errorf("non-passthrough skip should skip downstream, got %v", got)
	}
}

func TestResolve_LoopbackArrowDoesNotBlockFirstRun(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("pj", diagram.NodeTypePersonJob, map[string]any{"default_prompt": "go"}),
			simpleNode("cond", diagram.NodeTypeCondition, nil),
		},
		[]*diagram.Arrow{
			simpleArrow("a1", "start", "pj"),
			simpleArrow("a2", "pj", "cond"),
			simpleArrow("a3", "cond", "pj"),
		},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)
	pending := pendingAll(g)

	ctx.recordOutput("start", NewOutput("seed"))
	delete(pending, "start")

	// cond has never run, but its arrow into pj closes a cycle; the
	// satisfied start input drives pj's first run
	if got := r.Resolve(g.Nodes["pj"], ctx, pending); got != Ready {
		t.Errorf("loopback arrow must not block the first run, got %v", got)
	}

	// The condition's own input closes the same cycle, but pj is still
	// scheduled and may deliver: the condition must wait, not skip
	if got := r.Resolve(g.Nodes["cond"], ctx, pending); got != Waiting {
		t.Errorf("condition should wait for the loop body, got %v", got)
	}
}

func TestResolve_LoopbackFromSettledSourceIsWaived(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("pj", diagram.NodeTypePersonJob, map[string]any{"default_prompt": "go"}),
			simpleNode("cond", diagram.NodeTypeCondition, nil),
		},
		[]*diagram.Arrow{
			simpleArrow("a1", "start", "pj"),
			simpleArrow("a2", "pj", "cond"),
			simpleArrow("a3", "cond", "pj"),
		},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)
	pending := pendingAll(g)

	ctx.recordOutput("start", NewOutput("seed"))
	delete(pending, "start")

	// pj left the schedule without ever producing; cond's only input can
	// no longer deliver
	ctx.recordSkip("pj", SkipFirstOnlyConsumed)
	delete(pending, "pj")

	if got := r.Resolve(g.Nodes["cond"], ctx, pending); got != SkipDeps {
		t.Errorf("loop input from a settled source should waive, got %v", got)
	}
}

func TestResolve_FirstOnlySeedStillPendingWaits(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("pj", diagram.NodeTypePersonJob, map[string]any{"default_prompt": "go"}),
			simpleNode("cond", diagram.NodeTypeCondition, nil),
		},
		[]*diagram.Arrow{
			{
				ID:     "a1",
				Source: diagram.HandleRef{NodeID: "start", Handle: diagram.DefaultHandle},
				Target: diagram.HandleRef{NodeID: "pj", Handle: "first"},
			},
			simpleArrow("a2", "pj", "cond"),
			simpleArrow("a3", "cond", "pj"),
		},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)
	pending := pendingAll(g)

	// start has not run: the seed may still arrive, pj must not be
	// skipped out of the gate
	if got := r.Resolve(g.Nodes["pj"], ctx, pending); got != Waiting {
		t.Errorf("pending first-only seed should keep the node waiting, got %v", got)
	}
}

func TestResolve_FirstOnlySeed(t *testing.T) {
	g := buildGraph(t,
		[]*diagram.Node{
			simpleNode("start", diagram.NodeTypeStart, nil),
			simpleNode("pj", diagram.NodeTypePersonJob, map[string]any{"default_prompt": "go"}),
			simpleNode("cond", diagram.NodeTypeCondition, nil),
		},
		[]*diagram.Arrow{
			{
				ID:     "a1",
				Source: diagram.HandleRef{NodeID: "start", Handle: diagram.DefaultHandle},
				Target: diagram.HandleRef{NodeID: "pj", Handle: "first"},
			},
			simpleArrow("a2", "pj", "cond"),
			simpleArrow("a3", "cond", "pj"),
		},
	)
	ctx := NewExecutionContext(g, "t")
	r := NewResolver(g)
	pending := pendingAll(g)

	ctx.recordOutput("start", NewOutput("seed"))
	delete(pending, "start")

	if got := r.Resolve(g.Nodes["pj"], ctx, pending); got != Ready {
		t.Errorf("first-only seed should make first run Ready, got %v", got)
	}

	// After the first run the seed is consumed; a re-queued person job
	// with a satisfied loop input stays runnable
	ctx.recordOutput("pj", NewOutput("turn1"))
	ctx.recordOutput("cond", NewOutput(map[string]any{"result": false}))
	ctx.recordCondValue("cond", false)
	delete(pending, "cond")

	if got := r.Resolve(g.Nodes["pj"], ctx, pending); got != Ready {
		t.Errorf("loop input should drive later runs, got %v", got)
	}
}
