// Package docker wraps the Docker SDK for forge resource management:
// daemon connectivity, the label taxonomy shared by all forge containers,
// and resource naming conventions.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
)

// pingTimeout bounds the daemon reachability check so CLI commands fail
// fast when Docker is down rather than hanging on the socket.
const pingTimeout = 5 * time.Second

// NewClient creates a Docker client and verifies the daemon is
// reachable. Every forge instance runs as Docker containers, so nothing
// works without the daemon.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("cannot reach the Docker daemon: %w\n\nforge runs its coordinator, workers, and Redis as containers; start Docker and retry (set DOCKER_HOST for a remote daemon)", err)
	}

	return cli, nil
}
