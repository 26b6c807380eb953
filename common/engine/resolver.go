package engine

import (
	"strings"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/graph"
)

// Readiness is the resolver's verdict for one node in one round
type Readiness int

const (
	// Waiting means at least one dependency may still produce data
	Waiting Readiness = iota
	// Ready means the node can be dispatched now
	Ready
	// SkipBranch means every usable input sits on a pruned condition branch
	SkipBranch
	// SkipDeps means every usable input comes from a skipped node with no
	// passthrough output
	SkipDeps
	// SkipFailed means every usable input comes from a failed node
	SkipFailed
)

// Resolver decides whether a node is ready to execute given the current
// execution context. It is stateless across rounds except for the
// precomputed loop-back arrow map.
type Resolver struct {
	g *graph.Graph

	// loopback[n][s] is true when the arrow s->n closes a cycle through
	// n. Such arrows cannot carry data before the cycle's first run, so
	// they must not block a node whose other inputs are satisfied; they
	// bind once their source has produced an output.
	loopback map[string]map[string]bool
}

// NewResolver builds a resolver for a graph
func NewResolver(g *graph.Graph) *Resolver {
	r := &Resolver{
		g:        g,
		loopback: make(map[string]map[string]bool),
	}

	for nodeID := range g.Nodes {
		incoming := g.Incoming[nodeID]
		if len(incoming) == 0 {
			continue
		}
		forward := g.ForwardReachable(nodeID)
		for _, arrow := range incoming {
			src := arrow.Source.NodeID
			if src == nodeID || forward[src] {
				if r.loopback[nodeID] == nil {
					r.loopback[nodeID] = make(map[string]bool)
				}
				r.loopback[nodeID][src] = true
			}
		}
	}

	return r
}

// arrow satisfaction states within one resolution
type arrowState int

const (
	arrowSatisfied arrowState = iota
	arrowPending
	// arrowLoopPending is a loop-closing arrow whose source is still
	// scheduled: it may deliver on a later turn, but must not block a
	// node that already has a satisfied input
	arrowLoopPending
	arrowWaivedBranch
	arrowWaivedSkip
	arrowWaivedFailed
)

// Resolve computes the readiness of a node. pending is the scheduler's
// current set of nodes still slated to run; a condition source that will
// re-evaluate keeps its pruned branches in Waiting rather than skipping
// them prematurely.
func (r *Resolver) Resolve(node *diagram.Node, ctx *ExecutionContext, pending map[string]bool) Readiness {
	execCount := ctx.ExecCount(node.ID)

	if node.Type == diagram.NodeTypeStart {
		return Ready
	}

	incoming := r.g.Incoming[node.ID]
	if len(incoming) == 0 {
		return Ready
	}

	var (
		requiredTotal  int
		requiredMet    int
		pendingCount   int
		loopPending    int
		branchWaived   int
		skipWaived     int
		failWaived     int
		firstOnlyTotal int
		firstOnlySat   int
	)

	for _, arrow := range incoming {
		firstOnly := node.IsPersonNode() && arrow.Target.FirstOnly()
		if firstOnly {
			// Consumed after the first execution
			if execCount > 0 {
				continue
			}
			firstOnlyTotal++
			switch r.classify(arrow, ctx, pending, node.ID) {
			case arrowSatisfied:
				firstOnlySat++
			case arrowPending, arrowLoopPending:
				// An unconsumed seed whose source may still produce
				// keeps the first execution waiting
				pendingCount++
			}
			continue
		}

		requiredTotal++
		switch r.classify(arrow, ctx, pending, node.ID) {
		case arrowSatisfied:
			requiredMet++
		case arrowPending:
			pendingCount++
		case arrowLoopPending:
			loopPending++
		case arrowWaivedBranch:
			branchWaived++
		case arrowWaivedSkip:
			skipWaived++
		case arrowWaivedFailed:
			failWaived++
		}
	}

	// A dependency that may still produce data always wins: wait for it
	if pendingCount > 0 {
		return Waiting
	}

	if execCount == 0 && firstOnlyTotal > 0 {
		// First execution with first-only inputs: the seed drives the run
		if firstOnlySat > 0 {
			return Ready
		}
		if requiredMet > 0 {
			return Ready
		}
	} else {
		if requiredMet > 0 {
			return Ready
		}
		// Loop re-execution where every input was first-only: ready
		// without new data
		if requiredTotal == 0 && execCount > 0 {
			return Ready
		}
	}

	// Loop inputs bind to a later turn of their source; keep waiting for
	// it rather than waiving the node
	if loopPending > 0 {
		return Waiting
	}

	// Nothing satisfiable remains; classify the terminal skip
	switch {
	case branchWaived > 0:
		return SkipBranch
	case failWaived > 0:
		return SkipFailed
	case skipWaived > 0 || requiredTotal > 0 || firstOnlyTotal > 0:
		return SkipDeps
	default:
		return Ready
	}
}

// classify determines the satisfaction state of one incoming arrow
func (r *Resolver) classify(arrow *diagram.Arrow, ctx *ExecutionContext, pending map[string]bool, targetID string) arrowState {
	src := arrow.Source.NodeID
	srcNode := r.g.Nodes[src]

	output, hasOutput := ctx.Output(src)
	reason, skipped := ctx.SkipReasonFor(src)

	// A skipped source republishes its retained output only when the
	// handler flagged it passthrough
	if hasOutput && (!skipped || output.Passthrough()) {
		// Condition sources additionally gate on the branch label
		if srcNode != nil && srcNode.Type == diagram.NodeTypeCondition {
			condVal, known := ctx.CondValue(src)
			if known && !branchValid(arrow, condVal) {
				// A condition still scheduled to re-evaluate may flip;
				// only a settled condition prunes the branch for good
				if pending[src] {
					return arrowPending
				}
				return arrowWaivedBranch
			}
		}
		return arrowSatisfied
	}

	if skipped {
		// Non-passthrough skip: no data will ever arrive on this arrow
		if reason == SkipDependencyFailed {
			return arrowWaivedFailed
		}
		return arrowWaivedSkip
	}

	if _, failed := ctx.FailureFor(src); failed {
		return arrowWaivedFailed
	}

	// A loop-closing arrow binds once its source has produced. While the
	// source is still scheduled it may yet deliver; only when it can no
	// longer run is the arrow waived.
	if r.loopback[targetID][src] {
		if pending[src] {
			return arrowLoopPending
		}
		return arrowWaivedSkip
	}

	return arrowPending
}

// branchValid checks a branch-labeled arrow against a condition result.
// Labels or handles containing true/yes/1 require a true result, those
// containing false/no/0 require false, and unlabeled arrows are always
// valid.
func branchValid(arrow *diagram.Arrow, condVal bool) bool {
	token := strings.ToLower(arrow.Label + " " + arrow.Source.Handle)

	wantsFalse := strings.Contains(token, "false") || strings.Contains(token, "no") || strings.Contains(token, "0")
	wantsTrue := strings.Contains(token, "true") || strings.Contains(token, "yes") || strings.Contains(token, "1")

	switch {
	case wantsTrue && !wantsFalse:
		return condVal
	case wantsFalse && !wantsTrue:
		return !condVal
	default:
		return true
	}
}
