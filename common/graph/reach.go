package graph

// bitset over node indices. Diagrams are small, but reachability runs on
// every false condition in a tight loop, so traversals stay O(|V|+|E|)
// over word-packed sets.
type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) set(i int) {
	b[i/64] |= 1 << (uint(i) % 64)
}

func (b bitset) has(i int) bool {
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

func (b bitset) and(other bitset) bitset {
	out := make(bitset, len(b))
	for i := range b {
		out[i] = b[i] & other[i]
	}
	return out
}

// ForwardReachable returns every node reachable from start by following
// arrows, start included.
func (g *Graph) ForwardReachable(start string) map[string]bool {
	idx, ok := g.index[start]
	if !ok {
		return nil
	}
	return g.bitsToSet(g.reachBits(idx, true))
}

// BackwardReachable returns every node that can reach start, start included.
func (g *Graph) BackwardReachable(start string) map[string]bool {
	idx, ok := g.index[start]
	if !ok {
		return nil
	}
	return g.bitsToSet(g.reachBits(idx, false))
}

// LoopMembers returns the cyclic region around a condition node: the
// intersection of its forward and backward reachable sets. When the node
// sits on no cycle the result is just the node itself, so a false
// condition still re-queues it for re-evaluation.
func (g *Graph) LoopMembers(nodeID string) []string {
	idx, ok := g.index[nodeID]
	if !ok {
		return nil
	}

	both := g.reachBits(idx, true).and(g.reachBits(idx, false))

	members := make([]string, 0, 4)
	for i, id := range g.ids {
		if both.has(i) {
			members = append(members, id)
		}
	}
	return members
}

// reachBits runs BFS from idx over the arrows in the given direction and
// returns the visited set, origin included.
func (g *Graph) reachBits(idx int, forward bool) bitset {
	visited := newBitset(len(g.ids))
	visited.set(idx)

	queue := []int{idx}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		id := g.ids[cur]

		if forward {
			for _, a := range g.Outgoing[id] {
				g.visit(a.Target.NodeID, visited, &queue)
			}
		} else {
			for _, a := range g.Incoming[id] {
				g.visit(a.Source.NodeID, visited, &queue)
			}
		}
	}

	return visited
}

func (g *Graph) visit(nodeID string, visited bitset, queue *[]int) {
	idx, ok := g.index[nodeID]
	if !ok || visited.has(idx) {
		return
	}
	visited.set(idx)
	*queue = append(*queue, idx)
}

func (g *Graph) bitsToSet(bits bitset) map[string]bool {
	out := make(map[string]bool)
	for i, id := range g.ids {
		if bits.has(i) {
			out[id] = true
		}
	}
	return out
}
