package graph

import (
	"fmt"
	"sort"

	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
)

// InvalidGraphError is returned when a diagram cannot be turned into an
// executable graph. It is fatal at build time; no events are emitted.
type InvalidGraphError struct {
	Reason string
}

func (e *InvalidGraphError) Error() string {
	return fmt.Sprintf("invalid graph: %s", e.Reason)
}

func invalidf(format string, args ...any) error {
	return &InvalidGraphError{Reason: fmt.Sprintf(format, args...)}
}

// Graph is the executable view of a diagram: nodes, adjacency and a
// topological order. The order is a hint, not a correctness requirement;
// cycle members are appended after Kahn's algorithm terminates.
type Graph struct {
	Nodes    map[string]*diagram.Node
	Arrows   map[string]*diagram.Arrow
	Persons  map[string]*diagram.Person
	Order    []string
	Incoming map[string][]*diagram.Arrow
	Outgoing map[string][]*diagram.Arrow

	// Stable integer index per node id, used by the bitset traversals
	index map[string]int
	ids   []string
}

// Build validates the diagram and derives the executable graph
func Build(d *diagram.Diagram) (*Graph, error) {
	if err := validate(d); err != nil {
		return nil, err
	}

	g := &Graph{
		Nodes:    d.Nodes,
		Arrows:   d.Arrows,
		Persons:  d.Persons,
		Incoming: make(map[string][]*diagram.Arrow, len(d.Nodes)),
		Outgoing: make(map[string][]*diagram.Arrow, len(d.Nodes)),
		index:    make(map[string]int, len(d.Nodes)),
	}

	// Stable node indexing: sorted ids keep traversals and ordering
	// deterministic across runs
	g.ids = make([]string, 0, len(d.Nodes))
	for id := range d.Nodes {
		g.ids = append(g.ids, id)
	}
	sort.Strings(g.ids)
	for i, id := range g.ids {
		g.index[id] = i
	}

	for _, id := range sortedArrowIDs(d.Arrows) {
		arrow := d.Arrows[id]
		g.Outgoing[arrow.Source.NodeID] = append(g.Outgoing[arrow.Source.NodeID], arrow)
		g.Incoming[arrow.Target.NodeID] = append(g.Incoming[arrow.Target.NodeID], arrow)
	}

	g.Order = g.topologicalOrder()
	return g, nil
}

// StartNode returns the diagram's single start node
func (g *Graph) StartNode() *diagram.Node {
	for _, node := range g.Nodes {
		if node.Type == diagram.NodeTypeStart {
			return node
		}
	}
	return nil
}

// topologicalOrder runs Kahn's algorithm over the adjacency. Nodes left
// with nonzero in-degree when the queue drains are cycle members; they
// are appended in stable id order.
func (g *Graph) topologicalOrder() []string {
	inDegree := make(map[string]int, len(g.Nodes))
	for _, id := range g.ids {
		inDegree[id] = len(g.Incoming[id])
	}

	queue := make([]string, 0, len(g.ids))
	for _, id := range g.ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.ids))
	seen := make(map[string]bool, len(g.ids))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		seen[id] = true

		for _, arrow := range g.Outgoing[id] {
			target := arrow.Target.NodeID
			inDegree[target]--
			if inDegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}

	// Remaining nodes sit on cycles; append them so every node gets a slot
	for _, id := range g.ids {
		if !seen[id] {
			order = append(order, id)
		}
	}

	return order
}

func validate(d *diagram.Diagram) error {
	startCount := 0
	for _, node := range d.Nodes {
		if node.Type == diagram.NodeTypeStart {
			startCount++
		}
	}
	if startCount == 0 {
		return invalidf("diagram has no start node")
	}
	if startCount > 1 {
		return invalidf("diagram has %d start nodes, exactly one is required", startCount)
	}

	for id, arrow := range d.Arrows {
		if _, ok := d.Nodes[arrow.Source.NodeID]; !ok {
			return invalidf("arrow %s references missing source node %s", id, arrow.Source.NodeID)
		}
		if _, ok := d.Nodes[arrow.Target.NodeID]; !ok {
			return invalidf("arrow %s references missing target node %s", id, arrow.Target.NodeID)
		}
	}

	for id, node := range d.Nodes {
		if mi, ok := node.Properties["max_iteration"]; ok {
			if node.MaxIteration() <= 0 {
				return invalidf("node %s: max_iteration must be a positive integer, got %v", id, mi)
			}
		}

		if node.IsPersonNode() {
			_, hasInline := node.Properties["person"]
			personRef := node.StringProp("personId", "")
			if hasInline && personRef != "" {
				return invalidf("node %s: has both inline person config and personId reference", id)
			}
			if node.StringProp("default_prompt", "") == "" && node.StringProp("first_only_prompt", "") == "" {
				return invalidf("node %s: person job requires default_prompt or first_only_prompt", id)
			}
			if personRef != "" {
				if _, ok := d.Persons[personRef]; !ok {
					return invalidf("node %s: personId %s not found in diagram persons", id, personRef)
				}
			}
		}
	}

	return nil
}

func sortedArrowIDs(arrows map[string]*diagram.Arrow) []string {
	ids := make([]string, 0, len(arrows))
	for id := range arrows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
