// Package docker provides the runtime client for container lifecycle
// management. The convergence engine issues intents through the
// RuntimeClient interface; this package performs them against the Docker
// API. The client never retries on its own.
package docker

import (
	"context"
	"time"

	"github.com/caravel-sh/caravel/internal/core/convergence"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name           string
	Image          string
	Command        []string
	Entrypoint     []string
	Env            map[string]string
	Labels         map[string]string
	Ports          []PortBinding
	Mounts         []MountSpec
	VolumesFrom    []string // container names or IDs to inherit volumes from
	Networks       []string
	NetworkAliases map[string][]string // network name -> aliases (service name for DNS)
	NetworkMode    string              // "", "bridge", "host", "none", "container:<id>"
	HealthCheck    *HealthCheckSpec
	RestartPolicy  RestartPolicy
	Resources      ResourceLimits
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// MountSpec defines a volume or bind mount.
type MountSpec struct {
	Type     string // "bind", "volume", "tmpfs"
	Source   string // Volume name or host path
	Target   string // Container path
	ReadOnly bool
}

// HealthCheckSpec defines the container health check.
type HealthCheckSpec struct {
	Test        []string // e.g. ["CMD", "curl", "-f", "http://localhost"]
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// ResourceLimits defines resource constraints.
type ResourceLimits struct {
	CPULimit    float64 // CPU cores
	MemoryLimit int64   // Bytes
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g., {"label": "sh.caravel.project=shop"}
}

// NetworkSpec defines the specification for creating a network.
type NetworkSpec struct {
	Name     string
	Driver   string // "bridge", "overlay", etc.
	Internal bool
	Labels   map[string]string
}

// VolumeSpec defines the specification for creating a volume.
type VolumeSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
}

// =============================================================================
// Runtime Client Interface
// =============================================================================

// RuntimeClient is the narrow runtime capability set the engine consumes.
// Every call takes a context so cancellation reaches the blocking API call.
// Calls are safe to retry at the call site's discretion, but retry policy
// belongs to the implementation, never to the engine.
type RuntimeClient interface {
	// Container operations
	ListContainers(ctx context.Context, opts ListOptions) ([]convergence.ContainerRecord, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*convergence.ContainerRecord, error)

	// Network operations
	EnsureNetwork(ctx context.Context, spec NetworkSpec) (networkID string, err error)
	RemoveNetwork(ctx context.Context, networkID string) error

	// Volume operations
	EnsureVolume(ctx context.Context, spec VolumeSpec) (volumeName string, err error)
	RemoveVolume(ctx context.Context, volumeName string, force bool) error

	// Image operations
	PullImage(ctx context.Context, image string, opts PullOptions) error
	ImageExists(ctx context.Context, image string) (bool, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}
