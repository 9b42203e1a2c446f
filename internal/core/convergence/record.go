// Package convergence decides, per service, the minimal action needed to
// make the observed container set match the declared configuration.
// This is part of the functional core - planning is pure, total over a
// valid graph, and free of runtime side effects.
package convergence

import "sort"

// =============================================================================
// Observed Runtime State
// =============================================================================

// ContainerState is the lifecycle state reported by the runtime.
type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRunning    ContainerState = "running"
	StatePaused     ContainerState = "paused"
	StateRestarting ContainerState = "restarting"
	StateRemoving   ContainerState = "removing"
	StateExited     ContainerState = "exited"
	StateDead       ContainerState = "dead"
)

// ContainerRecord is the observed state of one container instance that
// belongs to a service: its identity, the config fingerprint recorded on it
// at creation time, its lifecycle state and its ordinal within the service.
type ContainerRecord struct {
	ID          string
	Name        string
	Service     string
	Number      int
	Fingerprint string
	State       ContainerState
}

// IsRunning reports whether the container is currently running.
func (r ContainerRecord) IsRunning() bool {
	return r.State == StateRunning || r.State == StateRestarting
}

// Exists reports whether the container object is present on the runtime in
// a usable form. A container mid-removal or dead cannot be started or
// adopted; the planner recreates it instead.
func (r ContainerRecord) Exists() bool {
	return r.State != StateRemoving && r.State != StateDead
}

// ObservedState maps each service name to its observed container records.
// It is the runtime's ground truth at the moment of planning; the planner
// never mutates it.
type ObservedState map[string][]ContainerRecord

// Sorted returns the records for a service ordered by ordinal number.
func (s ObservedState) Sorted(service string) []ContainerRecord {
	records := make([]ContainerRecord, len(s[service]))
	copy(records, s[service])
	sort.Slice(records, func(i, j int) bool {
		if records[i].Number != records[j].Number {
			return records[i].Number < records[j].Number
		}
		return records[i].Name < records[j].Name
	})
	return records
}
