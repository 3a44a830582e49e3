// Package instance manages forge instance identity and discovery: name
// validation, Redis port allocation, and locating a running instance's
// containers through Docker labels.
package instance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	dockerpkg "github.com/dyluth/forge/internal/docker"
)

const (
	// DefaultNamePrefix is the prefix for auto-generated instance names
	DefaultNamePrefix = "default-"

	// MaxNameLength caps instance names at 40 characters. The name is
	// embedded in worker container names (forge-worker-<instance>-<pool>-<N>),
	// which must still fit a 63-character DNS label on the instance network.
	MaxNameLength = 40
)

// NamePattern matches valid instance names. Must be DNS-compatible:
// lowercase alphanumeric, hyphens allowed but not at start or end.
var NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateName checks that an instance name is usable as a forge
// container name component.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("instance name %q is %d characters; forge container names allow at most %d", name, len(name), MaxNameLength)
	}

	if !NamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: use lowercase letters, digits, and inner hyphens", name)
	}

	return nil
}

// listForgeContainers lists all forge-labelled containers matching the
// given additional label filters, running or not.
func listForgeContainers(ctx context.Context, cli *client.Client, extraLabels ...string) ([]types.Container, error) {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=true", dockerpkg.LabelProject))
	for _, label := range extraLabels {
		filter.Add("label", label)
	}

	return cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filter,
	})
}

// GenerateDefaultName returns the next free default-N instance name,
// one past the highest N among existing forge containers.
func GenerateDefaultName(ctx context.Context, cli *client.Client) (string, error) {
	containers, err := listForgeContainers(ctx, cli)
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}

	next := 1
	for _, container := range containers {
		name := container.Labels[dockerpkg.LabelInstanceName]
		if !strings.HasPrefix(name, DefaultNamePrefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, DefaultNamePrefix)); err == nil && n >= next {
			next = n + 1
		}
	}

	return fmt.Sprintf("%s%d", DefaultNamePrefix, next), nil
}

// CheckNameCollision reports whether any container already belongs to an
// instance with this name.
func CheckNameCollision(ctx context.Context, cli *client.Client, instanceName string) (bool, error) {
	containers, err := listForgeContainers(ctx, cli,
		fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, instanceName))
	if err != nil {
		return false, fmt.Errorf("failed to check for name collision: %w", err)
	}

	return len(containers) > 0, nil
}
