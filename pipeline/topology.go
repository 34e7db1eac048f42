package pipeline

// assemble validates a node set against §6's structural invariants and
// returns them in topological order (local edges only; remote edges cross
// a process boundary and are handled by the connector instead).
//
// Grounded on the teacher's graph validation pass (cycle/duplicate-edge
// checks run once at construction, before any execution begins).
func assemble(nodes []*Node) ([]*Node, error) {
	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var storeNodes int
	seenEdges := make(map[[2]string]bool)
	for _, n := range nodes {
		if n.Kind == MetadataStoreKind {
			storeNodes++
		}
		for _, pred := range n.LocalPredecessors {
			if _, ok := byID[pred]; !ok {
				return nil, ErrSetupUnknownPredecessor
			}
			key := [2]string{pred, n.ID}
			if seenEdges[key] {
				return nil, ErrSetupMultigraph
			}
			seenEdges[key] = true
		}
	}
	if storeNodes == 0 {
		return nil, ErrSetupNoMetadataStore
	}
	if storeNodes > 1 {
		return nil, ErrSetupDuplicateStore
	}

	return kahnSort(nodes, byID)
}

// kahnSort performs Kahn's algorithm over LocalPredecessors edges, failing
// with ErrSetupCycle if any node remains unvisited once no more zero
// in-degree nodes exist.
func kahnSort(nodes []*Node, byID map[string]*Node) ([]*Node, error) {
	indegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = len(n.LocalPredecessors)
		for _, pred := range n.LocalPredecessors {
			successors[pred] = append(successors[pred], n.ID)
		}
	}

	var queue []string
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	var ordered []*Node
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byID[id])
		for _, succ := range successors[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(ordered) != len(nodes) {
		return nil, ErrSetupCycle
	}
	return ordered, nil
}

// reverse returns a new slice with nodes in the opposite order, used for
// teardown (§7: "reverse topological order").
func reverse(nodes []*Node) []*Node {
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[len(nodes)-1-i] = n
	}
	return out
}
