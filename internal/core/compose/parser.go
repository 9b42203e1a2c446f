package compose

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCPUPerService is the default CPU cores per service.
	DefaultCPUPerService = 0.5
	// DefaultMemoryPerService is the default memory per service in bytes.
	DefaultMemoryPerService = 256 * 1024 * 1024 // 256 MB
	// DefaultDiskPerVolume is the default disk per volume in MB.
	DefaultDiskPerVolume = 1024 // 1024 MB
)

// =============================================================================
// Parser Functions
// =============================================================================

// ParseComposeSpec parses Compose YAML into a ParsedSpec.
// This is a pure function - no I/O, no side effects. Merging of multiple
// files, inheritance and variable interpolation are handled by compose-go;
// the output is sealed, fully-resolved configuration.
func ParseComposeSpec(projectName, yamlContent string) (*ParsedSpec, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadComposeSpec(projectName, yamlContent)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	spec := &ParsedSpec{
		Services: make([]Service, 0, len(project.Services)),
		Networks: make([]Network, 0, len(project.Networks)),
		Volumes:  make([]Volume, 0, len(project.Volumes)),
	}

	// ServiceNames() sorts alphabetically; compose-go stores services in a
	// map, so the sorted order is the canonical service order downstream.
	for _, name := range project.ServiceNames() {
		svc := project.Services[name]
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		spec.Services = append(spec.Services, converted)
	}

	for name, net := range project.Networks {
		spec.Networks = append(spec.Networks, convertNetwork(name, net))
	}
	if !hasNetwork(spec.Networks, "default") && usesDefaultNetwork(spec.Services) {
		spec.Networks = append(spec.Networks, Network{Name: "default", Driver: "bridge"})
	}
	sort.Slice(spec.Networks, func(i, j int) bool { return spec.Networks[i].Name < spec.Networks[j].Name })

	for name, vol := range project.Volumes {
		spec.Volumes = append(spec.Volumes, convertVolume(name, vol))
	}
	sort.Slice(spec.Volumes, func(i, j int) bool { return spec.Volumes[i].Name < spec.Volumes[j].Name })

	if err := validatePorts(spec.Services); err != nil {
		return nil, err
	}
	if err := validateReferences(spec); err != nil {
		return nil, err
	}

	return spec, nil
}

// loadComposeSpec loads a compose spec using compose-go.
func loadComposeSpec(projectName, yamlContent string) (*types.Project, error) {
	// Parse YAML into a map first to fail early on syntax errors.
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	if projectName == "" {
		projectName = "caravel"
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(projectName, false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// Don't resolve paths since we're in-memory
		opts.SkipNormalization = true
		opts.SkipExtends = true
		// Cross-references are validated here and by the graph builder,
		// with our own error taxonomy.
		opts.SkipConsistencyCheck = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must have image or build", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// checkUnsupportedFeatures checks for features we don't support.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to our Service type.
func convertService(svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:        svc.Name,
		Image:       svc.Image,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		NetworkMode: svc.NetworkMode,
		Environment: make(map[string]string),
		Labels:      make(map[string]string),
		Networks:    make([]string, 0),
		DependsOn:   make([]string, 0),
	}

	if svc.Build != nil {
		service.Build = &BuildConfig{
			Context:    svc.Build.Context,
			Dockerfile: svc.Build.Dockerfile,
		}
	}

	if service.Image == "" && service.Build == nil {
		return Service{}, NewParseError("services."+svc.Name, "service must have image or build", ErrServiceNoImage)
	}

	// Ports
	for _, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			pub, err := strconv.ParseUint(p.Published, 10, 32)
			if err == nil {
				published = uint32(pub)
			}
		}
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
			HostIP:    p.HostIP,
		})
	}

	// Environment
	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}

	// Volumes
	for _, v := range svc.Volumes {
		mount := VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		}
		switch v.Type {
		case "bind":
			mount.Type = VolumeMountTypeBind
		case "volume":
			mount.Type = VolumeMountTypeVolume
		case "tmpfs":
			mount.Type = VolumeMountTypeTmpfs
		default:
			// Infer type from source
			if strings.HasPrefix(v.Source, "./") || strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, "~") {
				mount.Type = VolumeMountTypeBind
			} else {
				mount.Type = VolumeMountTypeVolume
			}
		}
		service.Volumes = append(service.Volumes, mount)
	}

	// Networks. A service that neither joins a network nor another
	// container's namespace lands on the project default network.
	for net := range svc.Networks {
		service.Networks = append(service.Networks, net)
	}
	if len(service.Networks) == 0 && service.NetworkMode == "" {
		service.Networks = append(service.Networks, "default")
	}
	sort.Strings(service.Networks)

	// DependsOn
	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}
	sort.Strings(service.DependsOn)

	// Links ("service" or "service:alias")
	for _, link := range svc.Links {
		parts := strings.SplitN(link, ":", 2)
		l := Link{Service: parts[0]}
		if len(parts) == 2 {
			l.Alias = parts[1]
		}
		service.Links = append(service.Links, l)
	}

	// VolumesFrom, raw form: "service", "service:ro", "container:name"
	service.VolumesFrom = append(service.VolumesFrom, svc.VolumesFrom...)

	// HealthCheck
	if svc.HealthCheck != nil && !svc.HealthCheck.Disable {
		service.HealthCheck = &HealthCheck{
			Test: svc.HealthCheck.Test,
		}
		if svc.HealthCheck.Retries != nil {
			service.HealthCheck.Retries = int(*svc.HealthCheck.Retries)
		}
		if svc.HealthCheck.Interval != nil {
			service.HealthCheck.Interval = svc.HealthCheck.Interval.String()
		}
		if svc.HealthCheck.Timeout != nil {
			service.HealthCheck.Timeout = svc.HealthCheck.Timeout.String()
		}
		if svc.HealthCheck.StartPeriod != nil {
			service.HealthCheck.StartPeriod = svc.HealthCheck.StartPeriod.String()
		}
	}

	service.Restart = RestartPolicy(svc.Restart)

	for k, v := range svc.Labels {
		service.Labels[k] = v
	}

	// Scale: deploy.replicas wins over the legacy scale field.
	if svc.Scale != nil {
		service.Scale = *svc.Scale
	}
	if svc.Deploy != nil && svc.Deploy.Replicas != nil {
		service.Scale = *svc.Deploy.Replicas
	}

	// Resources
	// Note: compose-go's NanoCPUs is misnamed - it's actually the CPU count as float32
	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		limits := svc.Deploy.Resources.Limits
		service.Resources.CPULimit = float64(limits.NanoCPUs)
		service.Resources.MemoryLimit = int64(limits.MemoryBytes)
	}
	if svc.Deploy != nil && svc.Deploy.Resources.Reservations != nil {
		reservations := svc.Deploy.Resources.Reservations
		service.Resources.CPUReservation = float64(reservations.NanoCPUs)
		service.Resources.MemoryReservation = int64(reservations.MemoryBytes)
	}

	return service, nil
}

// convertNetwork converts a compose-go network to our Network type.
func convertNetwork(name string, net types.NetworkConfig) Network {
	return Network{
		Name:       name,
		Driver:     net.Driver,
		External:   bool(net.External),
		Internal:   net.Internal,
		Attachable: net.Attachable,
		Labels:     net.Labels,
	}
}

// convertVolume converts a compose-go volume to our Volume type.
func convertVolume(name string, vol types.VolumeConfig) Volume {
	return Volume{
		Name:     name,
		Driver:   vol.Driver,
		External: bool(vol.External),
		Labels:   vol.Labels,
	}
}

// CalculateResources estimates total resource requirements for a parsed spec.
// Uses defaults when resources are not explicitly specified.
// Per service: 0.5 CPU cores, 256MB memory
// Per volume: 1024MB disk
func CalculateResources(spec *ParsedSpec) Resources {
	var totalCPU float64
	var totalMemoryBytes int64
	var totalDiskMB int64

	for _, svc := range spec.Services {
		// Use explicit limits if set, otherwise defaults
		if svc.Resources.CPULimit > 0 {
			totalCPU += svc.Resources.CPULimit
		} else {
			totalCPU += DefaultCPUPerService
		}

		if svc.Resources.MemoryLimit > 0 {
			totalMemoryBytes += svc.Resources.MemoryLimit
		} else {
			totalMemoryBytes += DefaultMemoryPerService
		}
	}

	// Disk for each named volume
	totalDiskMB = int64(len(spec.Volumes)) * DefaultDiskPerVolume

	return Resources{
		CPUCores: totalCPU,
		MemoryMB: totalMemoryBytes / (1024 * 1024),
		DiskMB:   totalDiskMB,
	}
}

// ValidateParsedSpec performs semantic validation on a parsed spec.
// Returns all validation errors found.
func ValidateParsedSpec(spec *ParsedSpec) []error {
	var errs []error

	for _, svc := range spec.Services {
		// Validate CPU
		if svc.Resources.CPULimit < 0 {
			errs = append(errs, NewParseError(
				"services."+svc.Name+".resources.cpu_limit",
				"CPU limit cannot be negative",
				ErrInvalidCPU,
			))
		}
		if svc.Resources.CPUReservation < 0 {
			errs = append(errs, NewParseError(
				"services."+svc.Name+".resources.cpu_reservation",
				"CPU reservation cannot be negative",
				ErrInvalidCPU,
			))
		}

		// Validate memory
		if svc.Resources.MemoryLimit < 0 {
			errs = append(errs, NewParseError(
				"services."+svc.Name+".resources.memory_limit",
				"Memory limit cannot be negative",
				ErrInvalidMemory,
			))
		}
		if svc.Resources.MemoryReservation < 0 {
			errs = append(errs, NewParseError(
				"services."+svc.Name+".resources.memory_reservation",
				"Memory reservation cannot be negative",
				ErrInvalidMemory,
			))
		}
	}

	return errs
}

func hasNetwork(networks []Network, name string) bool {
	for _, n := range networks {
		if n.Name == name {
			return true
		}
	}
	return false
}

func usesDefaultNetwork(services []Service) bool {
	for _, svc := range services {
		for _, n := range svc.Networks {
			if n == "default" {
				return true
			}
		}
	}
	return false
}

// validatePorts validates all port configurations.
func validatePorts(services []Service) error {
	for _, svc := range services {
		for i, port := range svc.Ports {
			field := fmt.Sprintf("services.%s.ports[%d]", svc.Name, i)
			if port.Target == 0 {
				return NewParseError(field, "target port cannot be 0", ErrServiceInvalidPort)
			}
			if port.Target > 65535 {
				return NewParseError(field, "target port must be <= 65535", ErrServiceInvalidPort)
			}
			if port.Published > 65535 {
				return NewParseError(field, "published port must be <= 65535", ErrServiceInvalidPort)
			}
		}
	}
	return nil
}

// validateReferences checks that every network and named volume a service
// mounts is declared at the top level. Dependency references between
// services are validated by the graph builder, not here.
func validateReferences(spec *ParsedSpec) error {
	networks := make(map[string]bool, len(spec.Networks))
	for _, net := range spec.Networks {
		networks[net.Name] = true
	}
	volumes := make(map[string]bool, len(spec.Volumes))
	for _, vol := range spec.Volumes {
		volumes[vol.Name] = true
	}

	for _, svc := range spec.Services {
		for _, net := range svc.Networks {
			if net == "default" {
				continue
			}
			if !networks[net] {
				return NewParseError(
					"services."+svc.Name+".networks",
					fmt.Sprintf("service %q uses an undefined network %q", svc.Name, net),
					ErrUndefinedNetwork,
				)
			}
		}
		for _, mount := range svc.Volumes {
			if mount.Type != VolumeMountTypeVolume {
				continue
			}
			if !volumes[mount.Source] {
				return NewParseError(
					"services."+svc.Name+".volumes",
					fmt.Sprintf("service %q uses an undefined volume %q", svc.Name, mount.Source),
					ErrUndefinedVolume,
				)
			}
		}
	}
	return nil
}
