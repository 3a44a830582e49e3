package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/spf13/cobra"

	"github.com/dyluth/forge/internal/config"
	dockerpkg "github.com/dyluth/forge/internal/docker"
	"github.com/dyluth/forge/internal/instance"
	"github.com/dyluth/forge/internal/printer"
)

var upInstanceName string

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a forge build farm",
	Long: `Start a new forge instance from forge.yml in the current directory.

Creates and starts:
  • Isolated Docker network
  • Redis container (build plane storage and messaging)
  • Coordinator container (build sessions, scheduler, cache)
  • Worker containers (one per configured replica)

The instance name is auto-generated (default-N) unless specified with --name.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upInstanceName, "name", "", "Instance name (auto-generated if omitted)")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Phase 1: Configuration validation
	cfg, err := config.Load("forge.yml")
	if err != nil {
		return printer.Error(
			"forge.yml not found or invalid",
			fmt.Sprintf("Error details: %v", err),
			[]string{"Initialize your project first:\n  forge init\n\nThen retry: forge up"},
		)
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	// Phase 2: Instance name determination
	targetInstanceName := upInstanceName
	if targetInstanceName == "" {
		targetInstanceName, err = instance.GenerateDefaultName(ctx, cli)
		if err != nil {
			return fmt.Errorf("failed to generate instance name: %w", err)
		}
	}

	if err := instance.ValidateName(targetInstanceName); err != nil {
		return err
	}

	nameCollision, err := instance.CheckNameCollision(ctx, cli, targetInstanceName)
	if err != nil {
		return err
	}
	if nameCollision {
		return printer.Error(
			fmt.Sprintf("instance '%s' already exists", targetInstanceName),
			"Found existing containers with this instance name.",
			[]string{
				fmt.Sprintf("Stop the existing instance: forge down --name %s", targetInstanceName),
				"Choose a different name: forge up --name other-name",
			},
		)
	}

	// Phase 3: Resource creation with rollback on failure
	runID := dockerpkg.GenerateRunID()
	if err := createInstance(ctx, cli, cfg, targetInstanceName, runID); err != nil {
		printer.Warning("Resource creation failed. Rolling back...\n")
		if rollbackErr := rollbackInstance(ctx, cli, targetInstanceName); rollbackErr != nil {
			printer.Warning("rollback encountered errors: %v\n", rollbackErr)
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}

	printer.Success("Instance '%s' is up\n", targetInstanceName)
	printer.Info("\nNext steps:\n")
	printer.Info("  forge build --name %s <target>...\n", targetInstanceName)
	printer.Info("  forge status --name %s\n", targetInstanceName)

	return nil
}

func createInstance(ctx context.Context, cli *client.Client, cfg *config.ForgeConfig, instanceName, runID string) error {
	// Step 1: Allocate Redis port
	redisPort, err := instance.FindNextAvailablePort(ctx, cli)
	if err != nil {
		return fmt.Errorf("failed to allocate Redis port: %w", err)
	}

	printer.Step("Allocated Redis port: %d\n", redisPort)

	// Step 2: Create isolated network
	networkName := dockerpkg.NetworkName(instanceName)
	_, err = cli.NetworkCreate(ctx, networkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: dockerpkg.BuildLabels(instanceName, runID, ""),
	})
	if err != nil {
		return fmt.Errorf("failed to create network '%s': %w", networkName, err)
	}

	printer.Step("Created network: %s\n", networkName)

	// Step 3: Start Redis container with port mapping
	redisImage := "redis:7-alpine"
	if cfg.Services != nil && cfg.Services.Redis != nil && cfg.Services.Redis.Image != "" {
		redisImage = cfg.Services.Redis.Image
	}

	redisName := dockerpkg.RedisContainerName(instanceName)
	redisLabels := dockerpkg.BuildLabels(instanceName, runID, dockerpkg.ComponentRedis)
	redisLabels[dockerpkg.LabelRedisPort] = fmt.Sprintf("%d", redisPort)

	redisResp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:  redisImage,
		Labels: redisLabels,
		ExposedPorts: nat.PortSet{
			"6379/tcp": struct{}{},
		},
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(networkName),
		PortBindings: nat.PortMap{
			"6379/tcp": []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", redisPort)},
			},
		},
	}, nil, nil, redisName)
	if err != nil {
		return fmt.Errorf("failed to create Redis container: %w", err)
	}

	if err := cli.ContainerStart(ctx, redisResp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start Redis container: %w", err)
	}

	printer.Step("Started Redis container: %s (port %d)\n", redisName, redisPort)

	// Redis container name doubles as its hostname on the instance network.
	redisURL := fmt.Sprintf("redis://%s:6379", redisName)

	// Step 4: Start coordinator container
	coordinatorImage := "forge-coordinator:latest"
	if cfg.Services != nil && cfg.Services.Coordinator != nil && cfg.Services.Coordinator.Image != "" {
		coordinatorImage = cfg.Services.Coordinator.Image
	}

	coordinatorName := dockerpkg.CoordinatorContainerName(instanceName)
	coordinatorResp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:  coordinatorImage,
		Labels: dockerpkg.BuildLabels(instanceName, runID, dockerpkg.ComponentCoordinator),
		Env: []string{
			fmt.Sprintf("FORGE_INSTANCE_NAME=%s", instanceName),
			fmt.Sprintf("REDIS_URL=%s", redisURL),
			fmt.Sprintf("FORGE_MAX_CONCURRENT_BUILDS=%d", *cfg.Coordinator.MaxConcurrentBuilds),
			fmt.Sprintf("FORGE_TASK_TIMEOUT_SECONDS=%d", *cfg.Coordinator.TaskTimeoutSeconds),
			fmt.Sprintf("FORGE_CACHE_MAX_AGE_HOURS=%d", *cfg.Coordinator.CacheMaxAgeHours),
		},
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(networkName),
	}, nil, nil, coordinatorName)
	if err != nil {
		return fmt.Errorf("failed to create coordinator container: %w", err)
	}

	if err := cli.ContainerStart(ctx, coordinatorResp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start coordinator container: %w", err)
	}

	printer.Step("Started coordinator container: %s\n", coordinatorName)

	// Step 5: Start worker containers, one per replica
	for workerName, worker := range cfg.Workers {
		capsJSON, err := json.Marshal(map[string]any{
			"cores":      worker.Cores,
			"memory_gb":  worker.MemoryGB,
			"storage_gb": worker.StorageGB,
			"platforms":  worker.Platforms,
		})
		if err != nil {
			return fmt.Errorf("failed to encode capabilities for worker '%s': %w", workerName, err)
		}

		for replica := 0; replica < *worker.Replicas; replica++ {
			containerName := dockerpkg.WorkerContainerName(instanceName, workerName, replica)
			nodeID := fmt.Sprintf("%s-%d", workerName, replica)

			labels := dockerpkg.BuildLabels(instanceName, runID, dockerpkg.ComponentWorker)
			labels[dockerpkg.LabelWorkerName] = workerName
			labels[dockerpkg.LabelWorkerImage] = worker.Image

			resp, err := cli.ContainerCreate(ctx, &container.Config{
				Image:  worker.Image,
				Labels: labels,
				Env: []string{
					fmt.Sprintf("FORGE_INSTANCE_NAME=%s", instanceName),
					fmt.Sprintf("FORGE_NODE_ID=%s", nodeID),
					fmt.Sprintf("FORGE_NODE_HOST=%s", containerName),
					fmt.Sprintf("REDIS_URL=%s", redisURL),
					fmt.Sprintf("FORGE_NODE_CAPABILITIES=%s", capsJSON),
					fmt.Sprintf("FORGE_NODE_CAPACITY=%d", *worker.Capacity),
				},
			}, &container.HostConfig{
				NetworkMode: container.NetworkMode(networkName),
			}, nil, nil, containerName)
			if err != nil {
				return fmt.Errorf("failed to create worker container '%s': %w", containerName, err)
			}

			if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
				return fmt.Errorf("failed to start worker container '%s': %w", containerName, err)
			}

			printer.Step("Started worker container: %s\n", containerName)
		}
	}

	return nil
}

// rollbackInstance removes any containers and networks created for the
// instance before a failure.
func rollbackInstance(ctx context.Context, cli *client.Client, instanceName string) error {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, instanceName))

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return fmt.Errorf("failed to list containers for rollback: %w", err)
	}

	for _, c := range containers {
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", c.ID, err)
		}
	}

	networks, err := cli.NetworkList(ctx, types.NetworkListOptions{Filters: filter})
	if err != nil {
		return fmt.Errorf("failed to list networks for rollback: %w", err)
	}

	for _, net := range networks {
		if err := cli.NetworkRemove(ctx, net.ID); err != nil {
			return fmt.Errorf("failed to remove network %s: %w", net.Name, err)
		}
	}

	return nil
}
