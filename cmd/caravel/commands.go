package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/caravel-sh/caravel/internal/core/compose"
	"github.com/caravel-sh/caravel/internal/core/convergence"
	"github.com/caravel-sh/caravel/internal/core/graph"
	"github.com/caravel-sh/caravel/internal/shell/docker"
	"github.com/caravel-sh/caravel/internal/shell/runner"
)

// app wires the parsed configuration to the runtime client and executor.
type app struct {
	cfg    *Config
	logger *slog.Logger
	client *docker.Client
	exec   *runner.Executor
}

func newApp(cfg *Config, logger *slog.Logger) (*app, error) {
	client, err := docker.NewClient(cfg.Docker.Host)
	if err != nil {
		return nil, err
	}

	exec := runner.New(client, runner.Config{
		Concurrency: cfg.Runner.Parallelism,
		StopTimeout: cfg.Runner.StopTimeout,
		Pull:        runner.PullPolicy(cfg.Runner.Pull),
	}, logger)

	return &app{cfg: cfg, logger: logger, client: client, exec: exec}, nil
}

func (a *app) close() {
	a.exec.Close()
	a.client.Close()
}

func (a *app) dispatch(cmd string, args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "up":
		return a.cmdUp(ctx, args)
	case "down":
		return a.cmdDown(ctx, args)
	case "stop":
		return a.cmdStop(ctx)
	case "start":
		return a.cmdStart(ctx)
	case "ps":
		return a.cmdPs(ctx)
	case "plan":
		return a.cmdPlan(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return ExitConfigError
	}
}

// =============================================================================
// Project Loading
// =============================================================================

// loadProject reads the compose file, parses it and builds the dependency
// graph. Graph warnings become log warnings, never failures.
func (a *app) loadProject() (string, *compose.ParsedSpec, *graph.Graph, error) {
	content, err := os.ReadFile(a.cfg.Project.File)
	if err != nil {
		return "", nil, nil, fmt.Errorf("read compose file: %w", err)
	}

	project := a.cfg.Project.Name
	if project == "" {
		abs, err := filepath.Abs(a.cfg.Project.File)
		if err != nil {
			return "", nil, nil, err
		}
		project = normalizeProjectName(filepath.Base(filepath.Dir(abs)))
	}

	for _, name := range compose.ExtractVariablesFromYAML(string(content)) {
		if _, ok := os.LookupEnv(name); !ok {
			a.logger.Warn("variable not set, substituting empty or default", "variable", name)
		}
	}

	spec, err := compose.ParseComposeSpec(project, string(content))
	if err != nil {
		return "", nil, nil, err
	}
	if errs := compose.ValidateParsedSpec(spec); len(errs) > 0 {
		return "", nil, nil, errors.Join(errs...)
	}

	g, err := graph.Build(spec.Services)
	if err != nil {
		return "", nil, nil, err
	}
	for _, w := range g.Warnings() {
		a.logger.Warn(w)
	}

	return project, spec, g, nil
}

// normalizeProjectName lowercases the name and strips characters outside
// [a-z0-9_-], matching the constraints on container and network names.
func normalizeProjectName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "caravel"
	}
	return b.String()
}

// =============================================================================
// Commands
// =============================================================================

func (a *app) cmdUp(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("up", flag.ContinueOnError)
	forceRecreate := fs.Bool("force-recreate", false, "Recreate containers even when up to date")
	noDeps := fs.Bool("no-deps", false, "Don't converge dependencies of named services")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	project, spec, g, err := a.loadProject()
	if err != nil {
		a.logger.Error("failed to load project", "error", err)
		return ExitConfigError
	}

	observed, err := a.exec.Observe(ctx, project)
	if err != nil {
		a.logger.Error("failed to observe state", "error", err)
		return ExitFailure
	}

	plan, err := convergence.BuildPlan(project, spec, g, observed, convergence.Options{
		ForceRecreate: *forceRecreate,
		Scope:         fs.Args(),
		NoDeps:        *noDeps,
	})
	if err != nil {
		a.logger.Error("planning failed", "error", err)
		return ExitConfigError
	}

	report, err := a.exec.Up(ctx, spec, g, plan)
	if err != nil {
		a.logger.Error("convergence failed", "error", err)
		return ExitFailure
	}

	for _, o := range report.Outcomes {
		if o.Err != nil {
			a.logger.Error("service did not converge",
				"service", o.Service, "status", o.Status, "error", o.Err)
		}
	}
	if report.Cancelled() > 0 {
		return ExitCancelled
	}
	if !report.Success() {
		return ExitFailure
	}
	return ExitSuccess
}

func (a *app) cmdDown(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("down", flag.ContinueOnError)
	volumes := fs.Bool("volumes", false, "Also remove named volumes")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	project, spec, g, err := a.loadProject()
	if err != nil {
		a.logger.Error("failed to load project", "error", err)
		return ExitConfigError
	}

	if err := a.exec.Down(ctx, project, spec, g, runner.DownOptions{RemoveVolumes: *volumes}); err != nil {
		a.logger.Error("down failed", "error", err)
		return ExitFailure
	}
	return ExitSuccess
}

func (a *app) cmdStop(ctx context.Context) int {
	project, _, g, err := a.loadProject()
	if err != nil {
		a.logger.Error("failed to load project", "error", err)
		return ExitConfigError
	}

	if err := a.exec.Stop(ctx, project, g); err != nil {
		a.logger.Error("stop failed", "error", err)
		return ExitFailure
	}
	return ExitSuccess
}

func (a *app) cmdStart(ctx context.Context) int {
	project, _, g, err := a.loadProject()
	if err != nil {
		a.logger.Error("failed to load project", "error", err)
		return ExitConfigError
	}

	if err := a.exec.Start(ctx, project, g); err != nil {
		a.logger.Error("start failed", "error", err)
		return ExitFailure
	}
	return ExitSuccess
}

func (a *app) cmdPs(ctx context.Context) int {
	project, _, _, err := a.loadProject()
	if err != nil {
		a.logger.Error("failed to load project", "error", err)
		return ExitConfigError
	}

	observed, err := a.exec.Observe(ctx, project)
	if err != nil {
		a.logger.Error("failed to list containers", "error", err)
		return ExitFailure
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVICE\tSTATE\tID")
	for _, service := range sortedKeys(observed) {
		for _, rec := range observed.Sorted(service) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.12s\n", rec.Name, rec.Service, rec.State, rec.ID)
		}
	}
	w.Flush()
	return ExitSuccess
}

func (a *app) cmdPlan(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	forceRecreate := fs.Bool("force-recreate", false, "Plan as if --force-recreate were given")
	noDeps := fs.Bool("no-deps", false, "Don't plan dependencies of named services")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	project, spec, g, err := a.loadProject()
	if err != nil {
		a.logger.Error("failed to load project", "error", err)
		return ExitConfigError
	}

	observed, err := a.exec.Observe(ctx, project)
	if err != nil {
		a.logger.Error("failed to observe state", "error", err)
		return ExitFailure
	}

	plan, err := convergence.BuildPlan(project, spec, g, observed, convergence.Options{
		ForceRecreate: *forceRecreate,
		Scope:         fs.Args(),
		NoDeps:        *noDeps,
	})
	if err != nil {
		a.logger.Error("planning failed", "error", err)
		return ExitConfigError
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tACTION\tREASON\tCONTAINER")
	for _, sp := range plan.Services {
		if len(sp.Entries) == 0 {
			fmt.Fprintf(w, "%s\t%s\t%s\t-\n", sp.Service, sp.Action, sp.Reason)
			continue
		}
		for _, entry := range sp.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", entry.Service, entry.Action, entry.Reason, entry.Name)
		}
	}
	w.Flush()

	res := compose.CalculateResources(spec)
	fmt.Printf("\nEstimated footprint: %.1f CPU cores, %d MB memory, %d MB disk\n",
		res.CPUCores, res.MemoryMB, res.DiskMB)
	return ExitSuccess
}

func sortedKeys(observed convergence.ObservedState) []string {
	keys := make([]string, 0, len(observed))
	for k := range observed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
