package runner

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caravel-sh/caravel/internal/core/compose"
	"github.com/caravel-sh/caravel/internal/core/convergence"
	"github.com/caravel-sh/caravel/internal/shell/docker"
)

// =============================================================================
// Container Spec Building
// =============================================================================

// containerSpecFor translates one planned container identity into the
// runtime creation spec. Only ordinal 1 publishes host ports; higher
// replicas would collide on fixed host bindings, so they expose container
// ports without publishing.
func containerSpecFor(project string, svc compose.Service, entry convergence.Entry, fingerprint string) docker.ContainerSpec {
	spec := docker.ContainerSpec{
		Name:       entry.Name,
		Image:      svc.Image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        svc.Environment,
		Labels:     containerLabels(project, svc, entry.Number, fingerprint),
	}

	for _, p := range svc.Ports {
		published := int(p.Published)
		if entry.Number > 1 {
			published = 0
		}
		spec.Ports = append(spec.Ports, docker.PortBinding{
			ContainerPort: int(p.Target),
			HostPort:      published,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range svc.Volumes {
		source := v.Source
		if v.Type == compose.VolumeMountTypeVolume && source != "" {
			source = convergence.VolumeName(project, source)
		}
		spec.Mounts = append(spec.Mounts, docker.MountSpec{
			Type:     string(v.Type),
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	for _, vf := range svc.VolumesFrom {
		spec.VolumesFrom = append(spec.VolumesFrom, resolveVolumesFrom(project, vf))
	}

	spec.NetworkMode = resolveNetworkMode(project, svc.NetworkMode)

	if spec.NetworkMode == "" {
		spec.NetworkAliases = map[string][]string{}
		for _, n := range svc.Networks {
			name := convergence.NetworkName(project, n)
			spec.Networks = append(spec.Networks, name)
			spec.NetworkAliases[name] = []string{svc.Name}
		}
	}

	if svc.HealthCheck != nil {
		spec.HealthCheck = &docker.HealthCheckSpec{
			Test:        svc.HealthCheck.Test,
			Interval:    parseDuration(svc.HealthCheck.Interval),
			Timeout:     parseDuration(svc.HealthCheck.Timeout),
			Retries:     svc.HealthCheck.Retries,
			StartPeriod: parseDuration(svc.HealthCheck.StartPeriod),
		}
	}

	if svc.Restart != "" {
		spec.RestartPolicy = docker.RestartPolicy{Name: string(svc.Restart)}
	}

	spec.Resources = docker.ResourceLimits{
		CPULimit:    svc.Resources.CPULimit,
		MemoryLimit: svc.Resources.MemoryLimit,
	}

	return spec
}

// parseDuration parses a compose duration string; malformed or empty
// values fall back to zero, which the runtime treats as its default.
func parseDuration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

// containerLabels stamps the identity and fingerprint labels planning
// reads back on the next run.
func containerLabels(project string, svc compose.Service, number int, fingerprint string) map[string]string {
	labels := make(map[string]string, len(svc.Labels)+6)
	for k, v := range svc.Labels {
		labels[k] = v
	}
	labels[convergence.LabelManaged] = "true"
	labels[convergence.LabelProject] = project
	labels[convergence.LabelService] = svc.Name
	labels[convergence.LabelNumber] = strconv.Itoa(number)
	labels[convergence.LabelConfigHash] = fingerprint
	labels[convergence.LabelOneOff] = "false"
	return labels
}

// resolveVolumesFrom turns a volumes_from entry into the container name
// the runtime expects. Service references resolve to the service's first
// container; raw container references pass through unchanged.
func resolveVolumesFrom(project, entry string) string {
	const containerPrefix = "container:"
	if len(entry) > len(containerPrefix) && entry[:len(containerPrefix)] == containerPrefix {
		return entry[len(containerPrefix):]
	}
	service, mode := entry, ""
	for i := 0; i < len(entry); i++ {
		if entry[i] == ':' {
			service, mode = entry[:i], entry[i:]
			break
		}
	}
	return convergence.ContainerName(project, service, 1) + mode
}

// resolveNetworkMode maps "service:<name>" onto the runtime's
// "container:<name>" form. Other modes pass through unchanged.
func resolveNetworkMode(project, mode string) string {
	const prefix = "service:"
	if len(mode) > len(prefix) && mode[:len(prefix)] == prefix {
		return fmt.Sprintf("container:%s", convergence.ContainerName(project, mode[len(prefix):], 1))
	}
	return mode
}
