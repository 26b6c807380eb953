package engine

import (
	"sort"
	"strings"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/graph"
	"github.com/sorryhyun/DiPeO-sub011/common/transform"
)

// InputResolver assembles the input map a node sees for one execution:
// it walks satisfied incoming arrows, extracts the addressed slice of
// each upstream output, and applies the arrow's content-type transform.
type InputResolver struct {
	g  *graph.Graph
	tf *transform.Transformer
}

// NewInputResolver creates an input resolver backed by a transformer
func NewInputResolver(g *graph.Graph, tf *transform.Transformer) *InputResolver {
	return &InputResolver{g: g, tf: tf}
}

// Resolve builds the inputs for a node about to execute. Arrows whose
// source produced nothing, or that sit on a pruned condition branch,
// contribute no entry. Duplicate keys resolve last-write-wins with
// arrows ordered by source node id, then arrow id.
func (ir *InputResolver) Resolve(node *diagram.Node, ctx *ExecutionContext) map[string]any {
	inputs := make(map[string]any)
	execCount := ctx.ExecCount(node.ID)

	arrows := make([]*diagram.Arrow, len(ir.g.Incoming[node.ID]))
	copy(arrows, ir.g.Incoming[node.ID])
	sort.Slice(arrows, func(i, j int) bool {
		if arrows[i].Source.NodeID != arrows[j].Source.NodeID {
			return arrows[i].Source.NodeID < arrows[j].Source.NodeID
		}
		return arrows[i].ID < arrows[j].ID
	})

	for _, arrow := range arrows {
		// First-only inputs are consumed after the first execution
		if node.IsPersonNode() && arrow.Target.FirstOnly() && execCount > 0 {
			continue
		}

		src := arrow.Source.NodeID
		output, ok := ctx.Output(src)
		if !ok {
			continue
		}
		// A skipped source only republishes when flagged passthrough
		if _, skipped := ctx.SkipReasonFor(src); skipped && !output.Passthrough() {
			continue
		}

		// Pruned condition branches contribute nothing
		if srcNode := ir.g.Nodes[src]; srcNode != nil && srcNode.Type == diagram.NodeTypeCondition {
			if condVal, known := ctx.CondValue(src); known && !branchValid(arrow, condVal) {
				continue
			}
		}

		value := output.ValueForHandle(arrow.Label, arrow.Source.Handle)
		value = ir.tf.Apply(value, arrow, transform.Source{
			NodeID:   src,
			Metadata: output.Metadata,
		})

		inputs[inputKey(arrow)] = value
	}

	return inputs
}

// inputKey picks the map key an arrow's value lands under: the arrow
// label, then a non-default target handle, then "default". A first-only
// handle maps to its base name so prompts see a stable key.
func inputKey(arrow *diagram.Arrow) string {
	if arrow.Label != "" {
		return arrow.Label
	}
	handle := arrow.Target.Handle
	if handle == "first" {
		return diagram.DefaultHandle
	}
	handle = strings.TrimSuffix(handle, "-first")
	if handle != "" {
		return handle
	}
	return diagram.DefaultHandle
}
