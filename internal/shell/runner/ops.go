package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/caravel-sh/caravel/internal/core/compose"
	"github.com/caravel-sh/caravel/internal/core/convergence"
	"github.com/caravel-sh/caravel/internal/core/graph"
	"github.com/caravel-sh/caravel/internal/shell/docker"
)

// =============================================================================
// Lifecycle Operations
// =============================================================================

// DownOptions controls teardown.
type DownOptions struct {
	// RemoveVolumes removes the project's named volumes along with the
	// containers and networks.
	RemoveVolumes bool
}

// Observe lists the project's containers grouped into the observed state
// the planner consumes.
func (e *Executor) Observe(ctx context.Context, project string) (convergence.ObservedState, error) {
	records, err := e.client.ListContainers(ctx, docker.ListOptions{
		All: true,
		Filters: map[string]string{
			"label": fmt.Sprintf("%s=%s", convergence.LabelProject, project),
		},
	})
	if err != nil {
		return nil, err
	}

	observed := make(convergence.ObservedState)
	for _, rec := range records {
		observed[rec.Service] = append(observed[rec.Service], rec)
	}
	return observed, nil
}

// Stop stops the project's running containers in reverse dependency
// order. Dependents always stop before the services they depend on.
func (e *Executor) Stop(ctx context.Context, project string, g *graph.Graph) error {
	observed, err := e.Observe(ctx, project)
	if err != nil {
		return err
	}

	for _, service := range g.ReverseOrder() {
		for _, rec := range observed.Sorted(service) {
			if !rec.IsRunning() {
				continue
			}
			e.logger.Info("stopping container", "service", service, "container", rec.Name)
			err := e.client.StopContainer(ctx, rec.ID, e.config.StopTimeout)
			if err != nil && !errors.Is(err, docker.ErrContainerNotRunning) && !errors.Is(err, docker.ErrContainerNotFound) {
				return &ExecutionError{Service: service, Step: "stop", Err: err}
			}
			e.emit(EventContainerAction, service, rec.Name, "stopped")
		}
	}
	return e.stopStray(ctx, observed, g)
}

// Start starts the project's stopped containers in dependency order.
func (e *Executor) Start(ctx context.Context, project string, g *graph.Graph) error {
	observed, err := e.Observe(ctx, project)
	if err != nil {
		return err
	}

	for _, service := range g.TopologicalOrder() {
		for _, rec := range observed.Sorted(service) {
			if rec.IsRunning() {
				continue
			}
			e.logger.Info("starting container", "service", service, "container", rec.Name)
			err := e.client.StartContainer(ctx, rec.ID)
			if err != nil && !errors.Is(err, docker.ErrContainerAlreadyRunning) {
				return &ExecutionError{Service: service, Step: "start", Err: err}
			}
			e.emit(EventContainerAction, service, rec.Name, "started")
		}
	}
	return nil
}

// Down stops and removes the project's containers in reverse dependency
// order, then removes its networks and, on request, its volumes.
func (e *Executor) Down(ctx context.Context, project string, spec *compose.ParsedSpec, g *graph.Graph, opts DownOptions) error {
	observed, err := e.Observe(ctx, project)
	if err != nil {
		return err
	}

	remove := func(service string, rec convergence.ContainerRecord) error {
		e.logger.Info("removing container", "service", service, "container", rec.Name)
		if err := e.removeContainer(ctx, service, rec.ID); err != nil {
			return err
		}
		return nil
	}

	seen := make(map[string]bool)
	for _, service := range g.ReverseOrder() {
		seen[service] = true
		for _, rec := range observed.Sorted(service) {
			if err := remove(service, rec); err != nil {
				return err
			}
		}
	}

	// Containers from services no longer declared are removed last.
	var strays []string
	for service := range observed {
		if !seen[service] {
			strays = append(strays, service)
		}
	}
	sort.Strings(strays)
	for _, service := range strays {
		for _, rec := range observed.Sorted(service) {
			if err := remove(service, rec); err != nil {
				return err
			}
		}
	}

	if err := e.removeNetworks(ctx, project, spec); err != nil {
		return err
	}
	if opts.RemoveVolumes {
		if err := e.removeVolumes(ctx, project, spec); err != nil {
			return err
		}
	}
	return nil
}

// stopStray stops running containers whose service is no longer declared.
func (e *Executor) stopStray(ctx context.Context, observed convergence.ObservedState, g *graph.Graph) error {
	declared := make(map[string]bool)
	for _, name := range g.Services() {
		declared[name] = true
	}
	var strays []string
	for service := range observed {
		if !declared[service] {
			strays = append(strays, service)
		}
	}
	sort.Strings(strays)
	for _, service := range strays {
		for _, rec := range observed.Sorted(service) {
			if !rec.IsRunning() {
				continue
			}
			err := e.client.StopContainer(ctx, rec.ID, e.config.StopTimeout)
			if err != nil && !errors.Is(err, docker.ErrContainerNotRunning) && !errors.Is(err, docker.ErrContainerNotFound) {
				return &ExecutionError{Service: service, Step: "stop", Err: err}
			}
		}
	}
	return nil
}

// removeNetworks removes the project's declared non-external networks.
// Networks that were never created are tolerated.
func (e *Executor) removeNetworks(ctx context.Context, project string, spec *compose.ParsedSpec) error {
	for _, n := range spec.Networks {
		if n.External {
			continue
		}
		err := e.client.RemoveNetwork(ctx, convergence.NetworkName(project, n.Name))
		if err != nil && !errors.Is(err, docker.ErrNetworkNotFound) {
			return err
		}
	}
	return nil
}

// removeVolumes removes the project's declared non-external volumes.
func (e *Executor) removeVolumes(ctx context.Context, project string, spec *compose.ParsedSpec) error {
	for _, v := range spec.Volumes {
		if v.External {
			continue
		}
		err := e.client.RemoveVolume(ctx, convergence.VolumeName(project, v.Name), false)
		if err != nil && !errors.Is(err, docker.ErrVolumeNotFound) {
			return err
		}
	}
	return nil
}
