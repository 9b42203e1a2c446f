package convergence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/caravel-sh/caravel/internal/core/compose"
)

// =============================================================================
// Configuration Fingerprinting
// =============================================================================

// fingerprintInput is the canonical shape hashed into a fingerprint. Field
// order is fixed and map keys are sorted by encoding/json, so the same
// configuration always serializes to the same bytes.
type fingerprintInput struct {
	Image       string                   `json:"image"`
	Build       *compose.BuildConfig     `json:"build,omitempty"`
	Command     []string                 `json:"command,omitempty"`
	Entrypoint  []string                 `json:"entrypoint,omitempty"`
	Environment map[string]string        `json:"environment,omitempty"`
	Volumes     []compose.VolumeMount    `json:"volumes,omitempty"`
	Ports       []compose.Port           `json:"ports,omitempty"`
	Networks    []string                 `json:"networks,omitempty"`
	NetworkMode string                   `json:"network_mode,omitempty"`
	HealthCheck *compose.HealthCheck     `json:"healthcheck,omitempty"`
	VolumesFrom []string                 `json:"volumes_from,omitempty"`
	Links       []compose.Link           `json:"links,omitempty"`
	Restart     compose.RestartPolicy    `json:"restart,omitempty"`
	Resources   compose.ServiceResources `json:"resources"`
	Labels      map[string]string        `json:"labels,omitempty"`

	// Upstreams carries the already-decided fingerprints of every direct
	// dependency, sorted by service name. A dependency being recreated gets
	// a new fingerprint only when its own config changed; newly created or
	// recreated dependencies are handled by the planner's propagation rule,
	// while config drift anywhere in the dependency closure shows up here.
	Upstreams []upstreamFingerprint `json:"upstreams,omitempty"`
}

type upstreamFingerprint struct {
	Service     string `json:"service"`
	Fingerprint string `json:"fingerprint"`
}

// Fingerprint computes the stable hash of a service's resolved
// configuration plus the fingerprints of its direct dependencies.
// Only the image reference participates, never a resolved digest:
// resolution failures are execution errors, not planning errors.
func Fingerprint(svc compose.Service, upstreams map[string]string) string {
	input := fingerprintInput{
		Image:       svc.Image,
		Build:       svc.Build,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		Environment: svc.Environment,
		Volumes:     svc.Volumes,
		Ports:       svc.Ports,
		Networks:    sortedCopy(svc.Networks),
		NetworkMode: svc.NetworkMode,
		HealthCheck: svc.HealthCheck,
		VolumesFrom: sortedCopy(svc.VolumesFrom),
		Links:       sortedLinks(svc.Links),
		Restart:     svc.Restart,
		Resources:   svc.Resources,
		Labels:      svc.Labels,
	}

	names := make([]string, 0, len(upstreams))
	for name := range upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		input.Upstreams = append(input.Upstreams, upstreamFingerprint{
			Service:     name,
			Fingerprint: upstreams[name],
		})
	}

	// Marshalling a struct of plain values cannot fail.
	raw, _ := json.Marshal(input)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	copy(out, list)
	sort.Strings(out)
	return out
}

func sortedLinks(links []compose.Link) []compose.Link {
	if len(links) == 0 {
		return nil
	}
	out := make([]compose.Link, len(links))
	copy(out, links)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}
