package graph

import "sort"

// =============================================================================
// Cycle Detection (Tarjan strongly-connected components)
// =============================================================================

// findCycle runs Tarjan's SCC algorithm over the structural edges of the
// graph and returns the members of the first non-trivial component found,
// sorted for stable error messages. Namespace-only edges are excluded:
// they order co-located services but are not hard dependencies.
func findCycle(g *Graph) []string {
	t := &tarjan{
		g:       g,
		index:   make(map[string]int, len(g.order)),
		lowlink: make(map[string]int, len(g.order)),
		onStack: make(map[string]bool, len(g.order)),
	}

	for _, name := range g.order {
		if _, visited := t.index[name]; !visited {
			if cycle := t.strongConnect(name); cycle != nil {
				sort.Strings(cycle)
				return cycle
			}
		}
	}
	return nil
}

type tarjan struct {
	g       *Graph
	counter int
	index   map[string]int
	lowlink map[string]int
	stack   []string
	onStack map[string]bool
}

func (t *tarjan) strongConnect(v string) []string {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, edge := range t.g.deps[v] {
		if !edge.structural() {
			continue
		}
		w := edge.To
		if _, visited := t.index[w]; !visited {
			if cycle := t.strongConnect(w); cycle != nil {
				return cycle
			}
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var component []string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) > 1 {
			return component
		}
	}
	return nil
}
