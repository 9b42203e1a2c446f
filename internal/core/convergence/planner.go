package convergence

import (
	"github.com/caravel-sh/caravel/internal/core/compose"
	"github.com/caravel-sh/caravel/internal/core/graph"
)

// =============================================================================
// Plan Types
// =============================================================================

// Action is the convergence decision for a container identity.
type Action string

const (
	// ActionNoop leaves a matching, running container alone.
	ActionNoop Action = "noop"
	// ActionStart starts a matching but stopped container.
	ActionStart Action = "start"
	// ActionCreate creates a container that does not exist yet.
	ActionCreate Action = "create"
	// ActionRecreate stops, removes, creates and starts a container whose
	// recorded configuration no longer matches. The executor treats the
	// whole sub-sequence as one atomic unit of work.
	ActionRecreate Action = "recreate"
	// ActionRemove removes an excess container left over from a higher
	// scale, after stopping it if needed.
	ActionRemove Action = "remove"
)

// severity orders actions for the per-service summary.
var severity = map[Action]int{
	ActionNoop:     0,
	ActionStart:    1,
	ActionRemove:   2,
	ActionCreate:   3,
	ActionRecreate: 4,
}

// Reason explains why an action was chosen.
type Reason string

const (
	ReasonUpToDate          Reason = "up-to-date"
	ReasonStopped           Reason = "container-stopped"
	ReasonNoContainer       Reason = "no-existing-container"
	ReasonConfigDrift       Reason = "config-drift"
	ReasonDependencyChanged Reason = "dependency-changed"
	ReasonForced            Reason = "forced-recreate"
	ReasonExcessReplica     Reason = "excess-replica"
	ReasonUnusable          Reason = "container-unusable"
	ReasonDuplicate         Reason = "duplicate-ordinal"
	ReasonOutOfScope        Reason = "out-of-scope"
)

// Entry is one unit of work: one action on one container identity.
// Entries are immutable once planned; executing one never mutates another.
type Entry struct {
	Service     string
	Action      Action
	Reason      Reason
	Number      int
	ContainerID string // existing identity, empty for a fresh create
	Name        string // target container name
}

// ServicePlan is the per-service slice of the plan: the decided fingerprint
// plus one entry per container identity, ordered by ordinal.
type ServicePlan struct {
	Service     string
	Action      Action // highest-severity entry action
	Reason      Reason
	Fingerprint string
	Entries     []Entry
}

// Changing reports whether executing this service plan produces a new
// container generation, the condition that propagates recreation to
// dependents.
func (p ServicePlan) Changing() bool {
	return p.Action == ActionCreate || p.Action == ActionRecreate
}

// Plan is the full, frozen convergence plan for one invocation. Services
// are listed in dependency order. The plan is read-only once computed and
// safe for concurrent reads by executor workers.
type Plan struct {
	Project  string
	Services []ServicePlan
	Networks []compose.Network
	Volumes  []compose.Volume
}

// ServicePlanFor returns the plan slice for the named service.
func (p *Plan) ServicePlanFor(service string) (ServicePlan, bool) {
	for _, sp := range p.Services {
		if sp.Service == service {
			return sp, true
		}
	}
	return ServicePlan{}, false
}

// Options controls planning.
type Options struct {
	// ForceRecreate recreates every in-scope container regardless of
	// fingerprint match.
	ForceRecreate bool
	// Scope limits planning to these services. Empty means all services.
	Scope []string
	// NoDeps plans only the scoped services themselves; by default the
	// transitive dependencies of the scope are planned too.
	NoDeps bool
}

// =============================================================================
// Planner
// =============================================================================

// BuildPlan walks the services in dependency order and decides, for each
// container identity, whether it must be created, started, recreated,
// removed or left alone. The decision for a service folds in the already
// decided fingerprints of its dependencies, so a recreated dependency
// invalidates dependents before the plan freezes. BuildPlan is pure:
// calling it twice with the same inputs yields identical plans.
func BuildPlan(project string, spec *compose.ParsedSpec, g *graph.Graph, observed ObservedState, opts Options) (*Plan, error) {
	inScope := scopeSet(g, opts)

	plan := &Plan{
		Project:  project,
		Networks: spec.Networks,
		Volumes:  spec.Volumes,
	}

	fingerprints := make(map[string]string, len(spec.Services))
	changing := make(map[string]bool, len(spec.Services))

	for _, name := range g.TopologicalOrder() {
		svc, ok := spec.FindService(name)
		if !ok {
			// Build validated every graph node against the declared
			// services, so this cannot happen for graphs it produced.
			continue
		}

		upstreams := make(map[string]string)
		upstreamChanging := false
		for _, edge := range g.Dependencies(name) {
			upstreams[edge.To] = fingerprints[edge.To]
			if changing[edge.To] {
				upstreamChanging = true
			}
		}

		desired := Fingerprint(svc, upstreams)
		fingerprints[name] = desired

		if inScope != nil && !inScope[name] {
			plan.Services = append(plan.Services, ServicePlan{
				Service:     name,
				Action:      ActionNoop,
				Reason:      ReasonOutOfScope,
				Fingerprint: desired,
			})
			continue
		}

		sp := planService(project, svc, desired, observed.Sorted(name), upstreamChanging, opts.ForceRecreate)
		changing[name] = sp.Changing()
		plan.Services = append(plan.Services, sp)
	}

	return plan, nil
}

// planService applies the decision table to one service.
func planService(project string, svc compose.Service, desired string, records []ContainerRecord, upstreamChanging, force bool) ServicePlan {
	sp := ServicePlan{
		Service:     svc.Name,
		Action:      ActionNoop,
		Reason:      ReasonUpToDate,
		Fingerprint: desired,
	}

	// Records arrive sorted by ordinal then name; the first record claims
	// an ordinal and any later record sharing it is an orphan to remove.
	byNumber := make(map[int]ContainerRecord, len(records))
	var duplicates []ContainerRecord
	for _, rec := range records {
		if _, claimed := byNumber[rec.Number]; claimed {
			duplicates = append(duplicates, rec)
			continue
		}
		byNumber[rec.Number] = rec
	}

	replicas := svc.Replicas()
	for number := 1; number <= replicas; number++ {
		entry := Entry{
			Service: svc.Name,
			Number:  number,
			Name:    ContainerName(project, svc.Name, number),
		}

		rec, exists := byNumber[number]
		delete(byNumber, number)

		switch {
		case !exists:
			entry.Action = ActionCreate
			entry.Reason = ReasonNoContainer
		case force:
			entry.Action = ActionRecreate
			entry.Reason = ReasonForced
			entry.ContainerID = rec.ID
		case upstreamChanging:
			entry.Action = ActionRecreate
			entry.Reason = ReasonDependencyChanged
			entry.ContainerID = rec.ID
		case rec.Fingerprint != desired:
			entry.Action = ActionRecreate
			entry.Reason = ReasonConfigDrift
			entry.ContainerID = rec.ID
		case !rec.Exists():
			entry.Action = ActionRecreate
			entry.Reason = ReasonUnusable
			entry.ContainerID = rec.ID
		case rec.IsRunning():
			entry.Action = ActionNoop
			entry.Reason = ReasonUpToDate
			entry.ContainerID = rec.ID
		default:
			entry.Action = ActionStart
			entry.Reason = ReasonStopped
			entry.ContainerID = rec.ID
		}

		sp.Entries = append(sp.Entries, entry)
	}

	// Containers beyond the desired replica count are removed.
	for _, rec := range records {
		if kept, leftover := byNumber[rec.Number]; !leftover || kept.ID != rec.ID {
			continue
		}
		sp.Entries = append(sp.Entries, Entry{
			Service:     svc.Name,
			Action:      ActionRemove,
			Reason:      ReasonExcessReplica,
			Number:      rec.Number,
			ContainerID: rec.ID,
			Name:        rec.Name,
		})
	}

	// Orphans that lost their ordinal to another record are removed too.
	for _, rec := range duplicates {
		sp.Entries = append(sp.Entries, Entry{
			Service:     svc.Name,
			Action:      ActionRemove,
			Reason:      ReasonDuplicate,
			Number:      rec.Number,
			ContainerID: rec.ID,
			Name:        rec.Name,
		})
	}

	for i := range sp.Entries {
		if severity[sp.Entries[i].Action] > severity[sp.Action] {
			sp.Action = sp.Entries[i].Action
			sp.Reason = sp.Entries[i].Reason
		}
	}

	return sp
}

// scopeSet resolves the planning scope to a set of service names, or nil
// when every service is in scope.
func scopeSet(g *graph.Graph, opts Options) map[string]bool {
	if len(opts.Scope) == 0 {
		return nil
	}
	if opts.NoDeps {
		set := make(map[string]bool, len(opts.Scope))
		for _, name := range opts.Scope {
			set[name] = true
		}
		return set
	}
	return g.TransitiveDependencies(opts.Scope)
}
