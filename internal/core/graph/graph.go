// Package graph builds the service dependency graph and derives the
// deterministic orders used for starting and stopping services.
// This is part of the functional core - all functions are pure with no I/O.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/caravel-sh/caravel/internal/core/compose"
)

// =============================================================================
// Edge Types
// =============================================================================

// EdgeKind classifies how a service depends on another.
type EdgeKind string

const (
	// KindExplicit is a depends_on relationship.
	KindExplicit EdgeKind = "depends_on"
	// KindLink is a legacy links relationship.
	KindLink EdgeKind = "link"
	// KindVolumesFrom is a volumes_from relationship.
	KindVolumesFrom EdgeKind = "volumes_from"
	// KindNamespace is a network_mode: service:<name> relationship.
	// It orders co-located services but never participates in cycle
	// detection beyond direct pairs.
	KindNamespace EdgeKind = "shared_namespace"
)

// Edge is a collapsed dependency edge between two services. Multiple
// relationship kinds between the same pair share one edge; each kind is
// recorded because the executor's ready predicate differs by kind.
type Edge struct {
	From  string
	To    string
	Kinds []EdgeKind
}

// HasKind reports whether the edge carries the given kind.
func (e Edge) HasKind(kind EdgeKind) bool {
	for _, k := range e.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RequiresReady reports whether the downstream service must wait for the
// upstream to fully succeed. Edges carrying only volumes_from or
// shared-namespace kinds merely need the upstream container to exist.
func (e Edge) RequiresReady() bool {
	for _, k := range e.Kinds {
		if k == KindExplicit || k == KindLink {
			return true
		}
	}
	return false
}

// structural reports whether the edge participates in cycle detection.
// Namespace-only edges are ordering hints, not hard dependencies.
func (e Edge) structural() bool {
	for _, k := range e.Kinds {
		if k != KindNamespace {
			return true
		}
	}
	return false
}

// =============================================================================
// Graph
// =============================================================================

// Graph is the dependency graph over declared services. It is immutable
// once built and safe for concurrent reads.
type Graph struct {
	order    []string          // declaration order
	deps     map[string][]Edge // service -> direct dependencies
	rdeps    map[string][]string
	warnings []string
}

// Build turns the declared services into a dependency graph. Every
// dependency name must resolve to a declared service; an unresolved name is
// a fatal ConfigError naming the service and the missing dependency. A
// cycle among structural edges is likewise fatal.
func Build(services []compose.Service) (*Graph, error) {
	g := &Graph{
		order: make([]string, 0, len(services)),
		deps:  make(map[string][]Edge, len(services)),
		rdeps: make(map[string][]string, len(services)),
	}

	declared := make(map[string]bool, len(services))
	for _, svc := range services {
		g.order = append(g.order, svc.Name)
		declared[svc.Name] = true
	}

	for _, svc := range services {
		edges := make(map[string][]EdgeKind)

		addRef := func(target string, kind EdgeKind) error {
			if !declared[target] {
				return NewConfigError(
					fmt.Sprintf("service %q depends on undefined service %q", svc.Name, target),
					ErrUnknownDependency, svc.Name, target)
			}
			edges[target] = append(edges[target], kind)
			return nil
		}

		for _, dep := range svc.DependsOn {
			if err := addRef(dep, KindExplicit); err != nil {
				return nil, err
			}
		}
		for _, link := range svc.Links {
			if err := addRef(link.Service, KindLink); err != nil {
				return nil, err
			}
		}
		for _, vf := range svc.VolumesFrom {
			source, external := volumesFromSource(vf)
			if external {
				continue // raw container reference, outside the project
			}
			if err := addRef(source, KindVolumesFrom); err != nil {
				return nil, err
			}
		}
		if ns := svc.NamespaceSource(); ns != "" {
			if ns == svc.Name {
				// A service may name itself as namespace source across
				// container identities; that is not a graph edge.
				g.warnings = append(g.warnings,
					fmt.Sprintf("service %q shares its own network namespace; ignoring for ordering", svc.Name))
			} else if err := addRef(ns, KindNamespace); err != nil {
				return nil, err
			}
		}

		// Self-edges from any non-namespace kind are degenerate cycles.
		if kinds, ok := edges[svc.Name]; ok {
			for _, k := range kinds {
				if k != KindNamespace {
					return nil, NewConfigError(
						fmt.Sprintf("service %q depends on itself", svc.Name),
						ErrDependencyCycle, svc.Name)
				}
			}
			delete(edges, svc.Name)
		}

		targets := make([]string, 0, len(edges))
		for target := range edges {
			targets = append(targets, target)
		}
		sort.Strings(targets)
		for _, target := range targets {
			g.deps[svc.Name] = append(g.deps[svc.Name], Edge{
				From:  svc.Name,
				To:    target,
				Kinds: edges[target],
			})
			g.rdeps[target] = append(g.rdeps[target], svc.Name)
		}
	}

	if err := g.resolveNamespacePairs(); err != nil {
		return nil, err
	}

	if cycle := findCycle(g); len(cycle) > 0 {
		return nil, NewConfigError(
			"dependency cycle between services", ErrDependencyCycle, cycle...)
	}

	return g, nil
}

// volumesFromSource extracts the service name from a volumes_from entry.
// Entries look like "service", "service:ro" or "container:name[:ro]"; the
// container form references a raw container outside the project.
func volumesFromSource(entry string) (source string, external bool) {
	if strings.HasPrefix(entry, "container:") {
		return "", true
	}
	if idx := strings.Index(entry, ":"); idx >= 0 {
		return entry[:idx], false
	}
	return entry, false
}

// resolveNamespacePairs settles direct 2-cycles involving a namespace edge,
// which Tarjan never sees because namespace edges are non-structural.
// Two services pointing at each other's namespace are orthogonal to
// dependency ordering: the pair is surfaced as a warning and the back edge
// is dropped. A namespace edge opposed by a structural back edge is
// unsatisfiable — the sharer cannot be created until the source container
// exists, while the source refuses to run until the sharer has succeeded —
// so that pair is rejected outright, naming both services.
func (g *Graph) resolveNamespacePairs() error {
	for _, from := range g.order {
		for _, edge := range g.deps[from] {
			if edge.structural() || !edge.HasKind(KindNamespace) {
				continue
			}
			for j, back := range g.deps[edge.To] {
				if back.To != from {
					continue
				}
				if back.structural() {
					return NewConfigError(
						fmt.Sprintf("service %q shares the network namespace of %q, which depends on it; the pair cannot be ordered",
							from, edge.To),
						ErrDependencyCycle, from, edge.To)
				}
				if from >= edge.To {
					break // mutual namespace pair, handled from the lower side
				}
				g.warnings = append(g.warnings, fmt.Sprintf(
					"services %q and %q share each other's network namespace; keeping only %q -> %q for ordering",
					from, edge.To, from, edge.To))
				g.deps[edge.To] = append(g.deps[edge.To][:j], g.deps[edge.To][j+1:]...)
				g.rdeps[from] = removeString(g.rdeps[from], edge.To)
				break
			}
		}
	}
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// =============================================================================
// Accessors
// =============================================================================

// Services returns the service names in declaration order.
func (g *Graph) Services() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the direct dependency edges of a service.
func (g *Graph) Dependencies(name string) []Edge {
	return g.deps[name]
}

// Dependents returns the names of services that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return g.rdeps[name]
}

// Warnings returns non-fatal findings recorded while building the graph.
func (g *Graph) Warnings() []string {
	return g.warnings
}

// TransitiveDependencies returns every service reachable from the given
// roots by following dependency edges, roots included.
func (g *Graph) TransitiveDependencies(roots []string) map[string]bool {
	seen := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		for _, edge := range g.deps[name] {
			visit(edge.To)
		}
	}
	for _, root := range roots {
		visit(root)
	}
	return seen
}

// TransitiveDependents returns every service that directly or transitively
// depends on the given root, the root excluded.
func (g *Graph) TransitiveDependents(root string) map[string]bool {
	seen := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		for _, dep := range g.rdeps[name] {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(root)
	return seen
}
