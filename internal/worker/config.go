// Package worker implements the forge worker node daemon: it registers
// itself on the build plane, executes assigned build tasks, and reports
// results and liveness back to the coordinator.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/dyluth/forge/pkg/buildplane"
)

// Config holds the worker node's runtime configuration loaded from
// environment variables. All fields are required and validated at startup
// to ensure fail-fast behavior.
type Config struct {
	// InstanceName is the forge instance identifier (from FORGE_INSTANCE_NAME)
	InstanceName string

	// NodeID is the unique identifier of this node (from FORGE_NODE_ID)
	NodeID string

	// Host is the advertised address of this node (from FORGE_NODE_HOST)
	Host string

	// RedisURL is the Redis connection string (from REDIS_URL)
	RedisURL string

	// Capabilities describe what this node can build (from FORGE_NODE_CAPABILITIES)
	// Expected format: JSON object like {"cores":8,"memory_gb":16,"storage_gb":256,"platforms":["macOS","iOS"]}
	Capabilities buildplane.NodeCapabilities

	// Capacity is the number of tasks this node runs concurrently (from FORGE_NODE_CAPACITY)
	Capacity int
}

// LoadConfig reads and validates configuration from environment variables.
// Returns an error if any required variable is missing or invalid. All
// errors are detected at startup before any resources are allocated.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		InstanceName: os.Getenv("FORGE_INSTANCE_NAME"),
		NodeID:       os.Getenv("FORGE_NODE_ID"),
		Host:         os.Getenv("FORGE_NODE_HOST"),
		RedisURL:     os.Getenv("REDIS_URL"),
		Capacity:     1,
	}

	capsJSON := os.Getenv("FORGE_NODE_CAPABILITIES")
	if capsJSON != "" {
		if err := json.Unmarshal([]byte(capsJSON), &cfg.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to parse FORGE_NODE_CAPABILITIES as JSON object: %w", err)
		}
	}

	if capacity := os.Getenv("FORGE_NODE_CAPACITY"); capacity != "" {
		n, err := strconv.Atoi(capacity)
		if err != nil {
			return nil, fmt.Errorf("failed to parse FORGE_NODE_CAPACITY as integer: %w", err)
		}
		cfg.Capacity = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present and
// valid. Returns the first validation error encountered.
func (c *Config) Validate() error {
	if c.InstanceName == "" {
		return fmt.Errorf("FORGE_INSTANCE_NAME environment variable is required")
	}

	if c.NodeID == "" {
		return fmt.Errorf("FORGE_NODE_ID environment variable is required")
	}

	if c.Host == "" {
		return fmt.Errorf("FORGE_NODE_HOST environment variable is required")
	}

	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL environment variable is required")
	}

	if c.Capabilities.Cores < 1 {
		return fmt.Errorf("FORGE_NODE_CAPABILITIES must declare at least 1 core")
	}

	if len(c.Capabilities.Platforms) == 0 {
		return fmt.Errorf("FORGE_NODE_CAPABILITIES must declare at least one platform")
	}

	if c.Capacity < 1 {
		return fmt.Errorf("FORGE_NODE_CAPACITY must be at least 1")
	}

	return nil
}

// Node builds the registry record this worker advertises.
func (c *Config) Node() *buildplane.BuildNode {
	return &buildplane.BuildNode{
		ID:                c.NodeID,
		Host:              c.Host,
		Capabilities:      c.Capabilities,
		Status:            buildplane.NodeStatusIdle,
		AvailableCapacity: c.Capacity,
	}
}
