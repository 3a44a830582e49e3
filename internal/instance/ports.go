package instance

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/docker/docker/client"

	dockerpkg "github.com/dyluth/forge/internal/docker"
)

// Each instance publishes its Redis on one loopback port; the range
// bounds how many instances can run on one host.
const (
	redisPortBase = 6379
	redisPortMax  = 6478
)

// FindNextAvailablePort returns the lowest Redis port that is neither
// claimed by another instance's labels nor already bound on the host.
func FindNextAvailablePort(ctx context.Context, cli *client.Client) (int, error) {
	claimed, err := claimedRedisPorts(ctx, cli)
	if err != nil {
		return 0, err
	}

	for port := redisPortBase; port <= redisPortMax; port++ {
		if claimed[port] || !portFree(port) {
			continue
		}
		return port, nil
	}

	return 0, fmt.Errorf("no free Redis port between %d and %d; remove unused instances with 'forge down'", redisPortBase, redisPortMax)
}

// claimedRedisPorts collects the ports recorded on existing forge Redis
// containers, including stopped instances that may restart.
func claimedRedisPorts(ctx context.Context, cli *client.Client) (map[int]bool, error) {
	containers, err := listForgeContainers(ctx, cli,
		fmt.Sprintf("%s=%s", dockerpkg.LabelComponent, dockerpkg.ComponentRedis))
	if err != nil {
		return nil, fmt.Errorf("failed to query forge Redis containers: %w", err)
	}

	claimed := make(map[int]bool, len(containers))
	for _, container := range containers {
		portStr, ok := container.Labels[dockerpkg.LabelRedisPort]
		if !ok {
			continue
		}
		if port, err := strconv.Atoi(portStr); err == nil {
			claimed[port] = true
		}
	}

	return claimed, nil
}

// portFree reports whether the port can be bound on the loopback
// interface, where instance Redis ports are published.
func portFree(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
