package convergence

import "fmt"

// =============================================================================
// Resource Naming and Labels
// =============================================================================

// Label keys recorded on every resource caravel creates. The config hash
// label is what planning compares against on subsequent runs.
const (
	LabelManaged    = "sh.caravel.managed"
	LabelProject    = "sh.caravel.project"
	LabelService    = "sh.caravel.service"
	LabelConfigHash = "sh.caravel.config-hash"
	LabelNumber     = "sh.caravel.container-number"
	LabelOneOff     = "sh.caravel.oneoff"
)

// ContainerName generates the name for a numbered service container.
// Pattern: {project}_{service}_{number}
//
// Example:
//
//	ContainerName("shop", "web", 1) // returns "shop_web_1"
func ContainerName(project, service string, number int) string {
	return fmt.Sprintf("%s_%s_%d", project, service, number)
}

// NetworkName generates a project-scoped network name.
// Pattern: {project}_{network}
func NetworkName(project, network string) string {
	return fmt.Sprintf("%s_%s", project, network)
}

// VolumeName generates a project-scoped volume name.
// Pattern: {project}_{volume}
func VolumeName(project, volume string) string {
	return fmt.Sprintf("%s_%s", project, volume)
}
