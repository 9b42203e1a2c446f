// Package runner executes convergence plans against the container runtime.
// It is the imperative shell around the pure planning core: the planner
// decides, the runner performs. Services run concurrently under a bounded
// worker pool; dependency edges gate dispatch.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-sh/caravel/internal/core/compose"
	"github.com/caravel-sh/caravel/internal/core/convergence"
	"github.com/caravel-sh/caravel/internal/core/graph"
	"github.com/caravel-sh/caravel/internal/shell/docker"
)

// PullPolicy controls when images are pulled before container creation.
type PullPolicy string

const (
	// PullMissing pulls only when the image is absent locally.
	PullMissing PullPolicy = "missing"
	// PullAlways pulls before every creation.
	PullAlways PullPolicy = "always"
	// PullNever fails creation when the image is absent locally.
	PullNever PullPolicy = "never"
)

// Config configures the executor.
type Config struct {
	// Concurrency is the maximum number of services worked on at once.
	// Default: 4.
	Concurrency int

	// StopTimeout is the grace period before a stop escalates to a kill.
	// Default: 10 seconds.
	StopTimeout time.Duration

	// Pull is the image pull policy. Default: PullMissing.
	Pull PullPolicy
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		StopTimeout: 10 * time.Second,
		Pull:        PullMissing,
	}
}

// Executor runs plans against a runtime client.
type Executor struct {
	client docker.RuntimeClient
	config Config
	logger *slog.Logger
	events chan Event
}

// New creates an executor.
func New(client docker.RuntimeClient, config Config, logger *slog.Logger) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}
	if config.Pull == "" {
		config.Pull = PullMissing
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client: client,
		config: config,
		logger: logger.With("component", "runner"),
		events: make(chan Event, eventBufferSize),
	}
}

// Close releases the executor's progress stream. Call it after the last
// run has returned.
func (e *Executor) Close() {
	close(e.events)
}

// =============================================================================
// Up
// =============================================================================

// Up converges the project: it ensures networks and volumes, then works
// through the plan in dependency order with bounded parallelism. It
// returns a report covering every planned service; the error is non-nil
// only for failures outside any single service, such as network setup.
func (e *Executor) Up(ctx context.Context, spec *compose.ParsedSpec, g *graph.Graph, plan *convergence.Plan) (*Report, error) {
	runID := uuid.NewString()
	logger := e.logger.With("run_id", runID, "project", plan.Project)
	logger.Info("starting convergence", "services", len(plan.Services))

	if err := e.ensureNetworks(ctx, plan); err != nil {
		return nil, err
	}
	if err := e.ensureVolumes(ctx, plan); err != nil {
		return nil, err
	}

	report := e.schedule(ctx, logger, spec, g, plan)
	report.RunID = runID
	report.Project = plan.Project

	logger.Info("convergence finished",
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"skipped", report.Skipped(),
		"cancelled", report.Cancelled(),
	)
	return report, nil
}

func (e *Executor) ensureNetworks(ctx context.Context, plan *convergence.Plan) error {
	for _, n := range plan.Networks {
		if n.External {
			continue
		}
		name := convergence.NetworkName(plan.Project, n.Name)
		_, err := e.client.EnsureNetwork(ctx, docker.NetworkSpec{
			Name:     name,
			Driver:   n.Driver,
			Internal: n.Internal,
			Labels: map[string]string{
				convergence.LabelManaged: "true",
				convergence.LabelProject: plan.Project,
			},
		})
		if err != nil {
			return fmt.Errorf("ensure network %s: %w", name, err)
		}
	}
	return nil
}

func (e *Executor) ensureVolumes(ctx context.Context, plan *convergence.Plan) error {
	for _, v := range plan.Volumes {
		if v.External {
			continue
		}
		name := convergence.VolumeName(plan.Project, v.Name)
		_, err := e.client.EnsureVolume(ctx, docker.VolumeSpec{
			Name:   name,
			Driver: v.Driver,
			Labels: map[string]string{
				convergence.LabelManaged: "true",
				convergence.LabelProject: plan.Project,
			},
		})
		if err != nil {
			return fmt.Errorf("ensure volume %s: %w", name, err)
		}
	}
	return nil
}

// =============================================================================
// Scheduler
// =============================================================================

type msgKind int

const (
	msgCreated msgKind = iota // containers for the service now exist
	msgDone                   // service reached a terminal status
)

type message struct {
	kind    msgKind
	service string
	status  Status
	err     error
}

// schedule dispatches services as their dependency gates open and collects
// outcomes. A depends_on or link edge opens when the upstream has fully
// succeeded; a volumes_from or shared-namespace edge opens once the
// upstream's containers exist. Failure closes the gate for good: every
// direct and transitive dependent is skipped, never attempted.
func (e *Executor) schedule(ctx context.Context, logger *slog.Logger, spec *compose.ParsedSpec, g *graph.Graph, plan *convergence.Plan) *Report {
	status := make(map[string]Status, len(plan.Services))
	errs := make(map[string]error, len(plan.Services))
	created := make(map[string]bool, len(plan.Services))
	for _, sp := range plan.Services {
		status[sp.Service] = StatusPending
	}

	sem := make(chan struct{}, e.config.Concurrency)
	msgs := make(chan message)
	var wg sync.WaitGroup
	inFlight := 0

	dispatchReady := func() {
		for _, sp := range plan.Services {
			if status[sp.Service] != StatusPending {
				continue
			}
			if ctx.Err() != nil {
				status[sp.Service] = StatusCancelled
				errs[sp.Service] = &CancellationError{Service: sp.Service}
				e.emit(EventServiceCancelled, sp.Service, "", "")
				continue
			}
			ready, blockedBy := gate(g, sp.Service, status, created)
			if blockedBy != "" {
				status[sp.Service] = StatusSkipped
				errs[sp.Service] = fmt.Errorf("service %s: dependency %s: %w",
					sp.Service, blockedBy, ErrDependencyFailed)
				e.emit(EventServiceSkipped, sp.Service, "", "dependency "+blockedBy)
				logger.Warn("skipping service", "service", sp.Service, "blocked_by", blockedBy)
				continue
			}
			if !ready {
				continue
			}

			svc, ok := spec.FindService(sp.Service)
			if !ok {
				status[sp.Service] = StatusFailed
				errs[sp.Service] = fmt.Errorf("service %s: not declared", sp.Service)
				continue
			}

			status[sp.Service] = StatusRunning
			inFlight++
			wg.Add(1)
			go func(svc compose.Service, sp convergence.ServicePlan) {
				defer wg.Done()
				e.runService(ctx, logger, plan.Project, svc, sp, sem, msgs)
			}(svc, sp)
		}
	}

	dispatchReady()
	for inFlight > 0 {
		msg := <-msgs
		switch msg.kind {
		case msgCreated:
			created[msg.service] = true
		case msgDone:
			inFlight--
			status[msg.service] = msg.status
			errs[msg.service] = msg.err
			if msg.status == StatusSucceeded {
				created[msg.service] = true
			}
		}
		dispatchReady()
	}
	wg.Wait()

	// A skip cascade can leave pending services behind when everything
	// in flight has already drained.
	dispatchReady()
	for name, st := range status {
		if st == StatusPending {
			status[name] = StatusSkipped
			errs[name] = fmt.Errorf("service %s: %w", name, ErrDependencyFailed)
		}
	}

	report := &Report{}
	for _, sp := range plan.Services {
		report.Outcomes = append(report.Outcomes, ServiceOutcome{
			Service: sp.Service,
			Status:  status[sp.Service],
			Err:     errs[sp.Service],
		})
	}
	return report
}

// gate decides whether a pending service may run. It returns ready=true
// when every gate is open, or the name of a dependency whose terminal
// failure means the service must be skipped instead.
func gate(g *graph.Graph, service string, status map[string]Status, created map[string]bool) (ready bool, blockedBy string) {
	for _, edge := range g.Dependencies(service) {
		depStatus := status[edge.To]
		if depStatus == StatusFailed || depStatus == StatusSkipped || depStatus == StatusCancelled {
			return false, edge.To
		}
		if edge.RequiresReady() {
			if depStatus != StatusSucceeded {
				return false, ""
			}
			continue
		}
		if !created[edge.To] {
			return false, ""
		}
	}
	return true, ""
}

// =============================================================================
// Per-Service Execution
// =============================================================================

// runService executes one service plan. Phase one makes every planned
// container exist (removals, recreates and creates); phase two starts
// them. The split lets exists-only dependents proceed as early as safe.
func (e *Executor) runService(ctx context.Context, logger *slog.Logger, project string, svc compose.Service, sp convergence.ServicePlan, sem chan struct{}, msgs chan<- message) {
	select {
	case <-ctx.Done():
		msgs <- message{kind: msgDone, service: sp.Service, status: StatusCancelled, err: &CancellationError{Service: sp.Service}}
		return
	case sem <- struct{}{}:
		defer func() { <-sem }()
	}

	e.emit(EventServiceStarted, sp.Service, "", string(sp.Action))
	logger.Info("converging service", "service", sp.Service, "action", sp.Action, "reason", sp.Reason)

	ids := make(map[int]string, len(sp.Entries))
	for _, entry := range sp.Entries {
		if entry.ContainerID != "" {
			ids[entry.Number] = entry.ContainerID
		}
	}

	finish := func(err error) {
		if err == nil {
			e.emit(EventServiceSucceeded, sp.Service, "", "")
			msgs <- message{kind: msgDone, service: sp.Service, status: StatusSucceeded}
			return
		}
		if errors.Is(err, ErrRunCancelled) {
			e.emit(EventServiceCancelled, sp.Service, "", "")
			msgs <- message{kind: msgDone, service: sp.Service, status: StatusCancelled, err: err}
			return
		}
		e.emit(EventServiceFailed, sp.Service, "", err.Error())
		logger.Error("service failed", "service", sp.Service, "error", err)
		msgs <- message{kind: msgDone, service: sp.Service, status: StatusFailed, err: err}
	}

	// Phase one: make the right containers exist.
	for _, entry := range sp.Entries {
		var err error
		switch entry.Action {
		case convergence.ActionRemove:
			err = e.removeContainer(ctx, sp.Service, entry.ContainerID)
		case convergence.ActionRecreate:
			if err = e.removeContainer(ctx, sp.Service, entry.ContainerID); err == nil {
				ids[entry.Number], err = e.createContainer(ctx, project, svc, entry, sp.Fingerprint)
			}
		case convergence.ActionCreate:
			ids[entry.Number], err = e.createContainer(ctx, project, svc, entry, sp.Fingerprint)
		}
		if err != nil {
			finish(e.classify(ctx, err))
			return
		}
	}
	msgs <- message{kind: msgCreated, service: sp.Service}

	// Phase two: start what should run.
	for _, entry := range sp.Entries {
		switch entry.Action {
		case convergence.ActionCreate, convergence.ActionRecreate, convergence.ActionStart:
			if err := e.startContainer(ctx, sp.Service, entry, ids[entry.Number]); err != nil {
				finish(e.classify(ctx, err))
				return
			}
		}
	}

	finish(nil)
}

// classify converts a mid-run failure under a dead context into a
// cancellation rather than a service failure.
func (e *Executor) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return &CancellationError{Service: execErr.Service}
		}
	}
	return err
}

func (e *Executor) createContainer(ctx context.Context, project string, svc compose.Service, entry convergence.Entry, fingerprint string) (string, error) {
	if err := e.ensureImage(ctx, svc.Name, svc.Image); err != nil {
		return "", err
	}

	spec := containerSpecFor(project, svc, entry, fingerprint)
	id, err := e.client.CreateContainer(ctx, spec)
	if err != nil {
		return "", &ExecutionError{Service: svc.Name, Step: "create", Err: err}
	}
	e.emit(EventContainerAction, svc.Name, entry.Name, "created")
	return id, nil
}

func (e *Executor) startContainer(ctx context.Context, service string, entry convergence.Entry, id string) error {
	if err := e.client.StartContainer(ctx, id); err != nil {
		if errors.Is(err, docker.ErrContainerAlreadyRunning) {
			return nil
		}
		return &ExecutionError{Service: service, Step: "start", Err: err}
	}
	e.emit(EventContainerAction, service, entry.Name, "started")
	return nil
}

func (e *Executor) removeContainer(ctx context.Context, service, id string) error {
	err := e.client.StopContainer(ctx, id, e.config.StopTimeout)
	if err != nil && !errors.Is(err, docker.ErrContainerNotRunning) && !errors.Is(err, docker.ErrContainerNotFound) {
		return &ExecutionError{Service: service, Step: "stop", Err: err}
	}
	err = e.client.RemoveContainer(ctx, id, docker.RemoveOptions{Force: true})
	if err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
		return &ExecutionError{Service: service, Step: "remove", Err: err}
	}
	e.emit(EventContainerAction, service, id, "removed")
	return nil
}

// ensureImage makes the image available per the pull policy.
func (e *Executor) ensureImage(ctx context.Context, service, image string) error {
	if image == "" {
		return &ExecutionError{Service: service, Step: "pull", Err: docker.ErrImageNotFound}
	}

	switch e.config.Pull {
	case PullAlways:
	case PullNever:
		exists, err := e.client.ImageExists(ctx, image)
		if err != nil {
			return &ExecutionError{Service: service, Step: "pull", Err: err}
		}
		if !exists {
			return &ExecutionError{Service: service, Step: "pull", Err: docker.ErrImageNotFound}
		}
		return nil
	default:
		exists, err := e.client.ImageExists(ctx, image)
		if err != nil {
			return &ExecutionError{Service: service, Step: "pull", Err: err}
		}
		if exists {
			return nil
		}
	}

	e.emit(EventImagePull, service, "", image)
	if err := e.client.PullImage(ctx, image, docker.PullOptions{}); err != nil {
		return &ExecutionError{Service: service, Step: "pull", Err: err}
	}
	return nil
}
