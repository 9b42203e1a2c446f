// Package main provides the caravel binary.
//
// Caravel converges a multi-service project, declared in Compose YAML,
// onto a Docker host: it diffs the declared state against the observed
// containers and performs only the actions needed to close the gap.
//
// Usage:
//
//	caravel [flags] <command> [services...]
//
// Commands:
//
//	up [services...]     - Converge the project (create/start/recreate as needed)
//	down                 - Stop and remove containers, networks and optionally volumes
//	stop                 - Stop running containers in reverse dependency order
//	start                - Start stopped containers in dependency order
//	ps                   - List the project's containers
//	plan [services...]   - Show the convergence plan without executing it
//	version              - Show version
package main

import (
	"flag"
	"fmt"
	"os"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // one or more services failed or were skipped
	ExitConfigError = 2
	ExitCancelled   = 130 // run interrupted before completion
)

// Version information (set by build flags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	file := flag.String("f", "", "Path to the compose file (default docker-compose.yml)")
	project := flag.String("p", "", "Project name (default: compose file directory name)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("caravel %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: caravel [flags] <command> [services...]")
		return ExitConfigError
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	if *file != "" {
		cfg.Project.File = *file
	}
	if *project != "" {
		cfg.Project.Name = *project
	}

	logger := SetupLogger(cfg)

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return ExitConfigError
	}
	defer app.close()

	return app.dispatch(flag.Arg(0), flag.Args()[1:])
}
