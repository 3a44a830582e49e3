package instance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	dockerpkg "github.com/dyluth/forge/internal/docker"
)

// Status represents the health status of a forge instance
type Status string

const (
	// StatusRunning indicates all containers are running
	StatusRunning Status = "Running"

	// StatusDegraded indicates some containers are stopped or missing
	StatusDegraded Status = "Degraded"

	// StatusStopped indicates all containers exist but are stopped
	StatusStopped Status = "Stopped"
)

// Info holds summary information about a forge instance
type Info struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Workers int    `json:"workers"`
	Uptime  string `json:"uptime"`
}

// DetermineStatus analyzes a set of containers and determines the overall
// instance status.
func DetermineStatus(containers []types.Container) Status {
	if len(containers) == 0 {
		return StatusStopped
	}

	runningCount := 0
	for _, c := range containers {
		if c.State == "running" {
			runningCount++
		}
	}

	switch {
	case runningCount == len(containers):
		return StatusRunning
	case runningCount > 0:
		return StatusDegraded
	default:
		return StatusStopped
	}
}

// ListInstances returns summary info for every forge instance known to
// Docker, sorted by name.
func ListInstances(ctx context.Context, cli *client.Client) ([]Info, error) {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=true", dockerpkg.LabelProject))

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	byInstance := make(map[string][]types.Container)
	for _, container := range containers {
		name := container.Labels[dockerpkg.LabelInstanceName]
		if name == "" {
			continue
		}
		byInstance[name] = append(byInstance[name], container)
	}

	infos := make([]Info, 0, len(byInstance))
	for name, group := range byInstance {
		workers := 0
		for _, container := range group {
			if container.Labels[dockerpkg.LabelComponent] == dockerpkg.ComponentWorker {
				workers++
			}
		}

		status := DetermineStatus(group)

		uptime := "-"
		if status == StatusRunning {
			uptime = formatUptime(time.Since(time.Unix(group[0].Created, 0)))
		}

		infos = append(infos, Info{
			Name:    name,
			Status:  status,
			Workers: workers,
			Uptime:  uptime,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos, nil
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)

	hours := d / time.Hour
	d -= hours * time.Hour

	minutes := d / time.Minute
	d -= minutes * time.Minute

	seconds := d / time.Second

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// GetInstanceRedisPort retrieves the Redis port for the given instance
// from Docker labels. Returns an error if the Redis container is not found
// or the port label is missing.
func GetInstanceRedisPort(ctx context.Context, cli *client.Client, instanceName string) (int, error) {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, instanceName))
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelComponent, dockerpkg.ComponentRedis))

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	if len(containers) == 0 {
		return 0, fmt.Errorf("Redis container not found for instance '%s'", instanceName)
	}

	portStr, ok := containers[0].Labels[dockerpkg.LabelRedisPort]
	if !ok {
		return 0, fmt.Errorf("Redis port label missing for instance '%s'", instanceName)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid Redis port '%s': %w", portStr, err)
	}

	return port, nil
}

// VerifyInstanceRunning checks if the given instance's essential
// containers (Redis, coordinator) are running. Worker containers may be
// scaled to zero and are not checked.
func VerifyInstanceRunning(ctx context.Context, cli *client.Client, instanceName string) error {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, instanceName))

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	if len(containers) == 0 {
		return fmt.Errorf("instance '%s' not found", instanceName)
	}

	essential := map[string]bool{
		dockerpkg.ComponentRedis:       false,
		dockerpkg.ComponentCoordinator: false,
	}

	for _, container := range containers {
		component := container.Labels[dockerpkg.LabelComponent]
		if _, isEssential := essential[component]; isEssential {
			essential[component] = true
			if container.State != "running" {
				return fmt.Errorf("instance '%s' is not running (component '%s' is %s)", instanceName, component, container.State)
			}
		}
	}

	for component, found := range essential {
		if !found {
			return fmt.Errorf("instance '%s' is missing essential component '%s'", instanceName, component)
		}
	}

	return nil
}
