package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/forge/internal/coordinator"
	dockerpkg "github.com/dyluth/forge/internal/docker"
	"github.com/dyluth/forge/internal/instance"
	"github.com/dyluth/forge/internal/printer"
	"github.com/dyluth/forge/pkg/buildplane"
)

// cliSenderID identifies CLI-originated messages on the build plane.
const cliSenderID = "forge-cli"

// requestTimeout bounds every CLI request/reply round trip except build
// submission, which may wait on admission.
const requestTimeout = 10 * time.Second

// connectInstance resolves the instance's Redis port through Docker labels
// and opens a build plane client against it. The caller must Close the
// returned client.
func connectInstance(ctx context.Context, instanceName string) (*buildplane.Client, error) {
	if err := instance.ValidateName(instanceName); err != nil {
		return nil, err
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	if err := instance.VerifyInstanceRunning(ctx, cli, instanceName); err != nil {
		return nil, printer.Error(
			fmt.Sprintf("instance '%s' is not available", instanceName),
			fmt.Sprintf("Error details: %v", err),
			[]string{
				"List running instances: forge list",
				fmt.Sprintf("Start the instance: forge up --name %s", instanceName),
			},
		)
	}

	port, err := instance.GetInstanceRedisPort(ctx, cli, instanceName)
	if err != nil {
		return nil, err
	}

	client, err := buildplane.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", instance.GetRedisHost(), port),
	}, instanceName)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to instance '%s': %w", instanceName, err)
	}

	return client, nil
}

// requestCoordinator sends one envelope to the coordinator inbox and
// decodes the reply payload into out.
func requestCoordinator(ctx context.Context, client *buildplane.Client, msgType buildplane.MessageType, payload any, timeout time.Duration, out any) error {
	env, err := buildplane.NewEnvelope(msgType, cliSenderID, payload)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	reply, err := client.Request(ctx, env, coordinator.CoordinatorInboxID, timeout)
	if err != nil {
		return fmt.Errorf("coordinator did not respond: %w", err)
	}

	if out != nil {
		if err := reply.DecodePayload(out); err != nil {
			return fmt.Errorf("malformed coordinator reply: %w", err)
		}
	}

	return nil
}
