package graph

// =============================================================================
// Topological Ordering
// =============================================================================

// TopologicalOrder returns a total order consistent with the dependency
// graph: every service appears after all of its dependencies. Ties are
// broken by original declaration order, so the result is deterministic for
// a given input. The graph must be acyclic (Build guarantees it).
func (g *Graph) TopologicalOrder() []string {
	inDegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		inDegree[name] = len(g.deps[name])
	}

	emitted := make(map[string]bool, len(g.order))
	result := make([]string, 0, len(g.order))

	// Kahn's algorithm with a stable selection rule: every round emits the
	// first declared service whose dependencies are all satisfied.
	for len(result) < len(g.order) {
		progressed := false
		for _, name := range g.order {
			if emitted[name] || inDegree[name] != 0 {
				continue
			}
			emitted[name] = true
			result = append(result, name)
			for _, dependent := range g.rdeps[name] {
				inDegree[dependent]--
			}
			progressed = true
			break
		}
		if !progressed {
			// Unreachable for graphs produced by Build; bail out rather
			// than loop forever if an inconsistent graph sneaks in.
			for _, name := range g.order {
				if !emitted[name] {
					result = append(result, name)
				}
			}
			break
		}
	}

	return result
}

// ReverseOrder returns the exact reverse of TopologicalOrder. It is the
// order used for stop and remove operations: dependents first.
func (g *Graph) ReverseOrder() []string {
	forward := g.TopologicalOrder()
	reversed := make([]string, len(forward))
	for i, name := range forward {
		reversed[len(forward)-1-i] = name
	}
	return reversed
}
