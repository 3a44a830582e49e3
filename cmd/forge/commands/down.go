package commands

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	dockerpkg "github.com/dyluth/forge/internal/docker"
	"github.com/dyluth/forge/internal/instance"
	"github.com/dyluth/forge/internal/printer"
)

var downInstanceName string

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop a forge build farm",
	Long: `Stop and remove all containers and networks for a forge instance.

Containers are given 10 seconds to shut down gracefully before being
force-removed. The Redis container is removed last so in-flight build
state can be drained.`,
	RunE: runDown,
}

func init() {
	downCmd.Flags().StringVar(&downInstanceName, "name", "", "Instance name (required)")
	downCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if err := instance.ValidateName(downInstanceName); err != nil {
		return err
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, downInstanceName))

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	if len(containers) == 0 {
		return printer.Error(
			fmt.Sprintf("instance '%s' not found", downInstanceName),
			"No containers exist with this instance name.",
			[]string{"List running instances: forge list"},
		)
	}

	// Stop workers and coordinator before Redis so shutdown status updates
	// still have somewhere to go.
	var redisContainers []string
	stopTimeout := 10

	for _, c := range containers {
		if c.Labels[dockerpkg.LabelComponent] == dockerpkg.ComponentRedis {
			redisContainers = append(redisContainers, c.ID)
			continue
		}
		if err := stopAndRemove(ctx, cli, c.ID, stopTimeout); err != nil {
			return err
		}
		printer.Step("Removed container: %s\n", containerDisplayName(c))
	}

	for _, id := range redisContainers {
		if err := stopAndRemove(ctx, cli, id, stopTimeout); err != nil {
			return err
		}
		printer.Step("Removed Redis container\n")
	}

	networks, err := cli.NetworkList(ctx, types.NetworkListOptions{Filters: filter})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}

	for _, net := range networks {
		if err := cli.NetworkRemove(ctx, net.ID); err != nil {
			return fmt.Errorf("failed to remove network '%s': %w", net.Name, err)
		}
		printer.Step("Removed network: %s\n", net.Name)
	}

	printer.Success("Instance '%s' is down\n", downInstanceName)
	return nil
}

func stopAndRemove(ctx context.Context, cli *client.Client, containerID string, timeoutSeconds int) error {
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		printer.Warning("failed to stop container %s: %v\n", containerID[:12], err)
	}
	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID[:12], err)
	}
	return nil
}

func containerDisplayName(c types.Container) string {
	if len(c.Names) > 0 {
		name := c.Names[0]
		if len(name) > 0 && name[0] == '/' {
			name = name[1:]
		}
		return name
	}
	return c.ID[:12]
}
