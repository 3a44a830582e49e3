// Package config loads and validates forge.yml, the per-project
// configuration describing the coordinator settings and the worker pool.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CoordinatorConfig specifies coordinator behavior settings
type CoordinatorConfig struct {
	MaxConcurrentBuilds *int `yaml:"max_concurrent_builds,omitempty"` // How many builds execute at once (default = 4)
	TaskTimeoutSeconds  *int `yaml:"task_timeout_seconds,omitempty"`  // Per-task dispatch deadline (default = 60)
	CacheMaxAgeHours    *int `yaml:"cache_max_age_hours,omitempty"`   // Cache entry validity window (default = 168, one week)
}

// ForgeConfig represents the top-level forge.yml configuration
type ForgeConfig struct {
	Version     string             `yaml:"version"`
	Coordinator *CoordinatorConfig `yaml:"coordinator,omitempty"`
	Workers     map[string]Worker  `yaml:"workers"`
	Services    *ServicesConfig    `yaml:"services,omitempty"`
}

// Worker represents a single worker node configuration
type Worker struct {
	Image     string           `yaml:"image"` // Required: Docker image name for this worker
	Cores     int              `yaml:"cores"`
	MemoryGB  int              `yaml:"memory_gb"`
	StorageGB int              `yaml:"storage_gb,omitempty"`
	Platforms []string         `yaml:"platforms"`          // Required: e.g. macOS, iOS, linux
	Capacity  *int             `yaml:"capacity,omitempty"` // Concurrent task slots (default = 1)
	Replicas  *int             `yaml:"replicas,omitempty"` // Identical nodes to launch (default = 1)
	Resources *ResourcesConfig `yaml:"resources,omitempty"`
}

// ResourcesConfig specifies container resource limits and reservations
type ResourcesConfig struct {
	Limits       *ResourceLimits `yaml:"limits,omitempty"`
	Reservations *ResourceLimits `yaml:"reservations,omitempty"`
}

// ResourceLimits specifies CPU and memory limits
type ResourceLimits struct {
	CPUs   string `yaml:"cpus,omitempty"`
	Memory string `yaml:"memory,omitempty"`
}

// ServicesConfig specifies service-level overrides
type ServicesConfig struct {
	Coordinator *ServiceOverride `yaml:"coordinator,omitempty"`
	Redis       *ServiceOverride `yaml:"redis,omitempty"`
}

// ServiceOverride allows overriding default service images
type ServiceOverride struct {
	Image     string           `yaml:"image,omitempty"`
	Resources *ResourcesConfig `yaml:"resources,omitempty"`
}

// Validate performs strict validation on the configuration and fills in
// defaults for omitted optional fields.
func (c *ForgeConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: at least one worker
	if len(c.Workers) == 0 {
		return fmt.Errorf("no workers defined")
	}

	for name, worker := range c.Workers {
		if err := worker.Validate(name); err != nil {
			return err
		}

		// Apply defaults in place.
		if worker.Capacity == nil {
			one := 1
			worker.Capacity = &one
		}
		if worker.Replicas == nil {
			one := 1
			worker.Replicas = &one
		}
		c.Workers[name] = worker
	}

	if c.Coordinator == nil {
		c.Coordinator = &CoordinatorConfig{}
	}
	if c.Coordinator.MaxConcurrentBuilds == nil {
		defaultBuilds := 4
		c.Coordinator.MaxConcurrentBuilds = &defaultBuilds
	}
	if c.Coordinator.TaskTimeoutSeconds == nil {
		defaultTimeout := 60
		c.Coordinator.TaskTimeoutSeconds = &defaultTimeout
	}
	if c.Coordinator.CacheMaxAgeHours == nil {
		defaultAge := 168
		c.Coordinator.CacheMaxAgeHours = &defaultAge
	}

	if *c.Coordinator.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("coordinator.max_concurrent_builds must be >= 1, got %d", *c.Coordinator.MaxConcurrentBuilds)
	}
	if *c.Coordinator.TaskTimeoutSeconds < 1 {
		return fmt.Errorf("coordinator.task_timeout_seconds must be >= 1, got %d", *c.Coordinator.TaskTimeoutSeconds)
	}
	if *c.Coordinator.CacheMaxAgeHours < 1 {
		return fmt.Errorf("coordinator.cache_max_age_hours must be >= 1, got %d", *c.Coordinator.CacheMaxAgeHours)
	}

	return nil
}

// Validate performs validation on a single worker configuration
func (w *Worker) Validate(name string) error {
	// Required: image
	if w.Image == "" {
		return fmt.Errorf("worker '%s': image is required", name)
	}

	if w.Cores < 1 {
		return fmt.Errorf("worker '%s': cores must be >= 1, got %d", name, w.Cores)
	}

	if w.MemoryGB < 1 {
		return fmt.Errorf("worker '%s': memory_gb must be >= 1, got %d", name, w.MemoryGB)
	}

	if len(w.Platforms) == 0 {
		return fmt.Errorf("worker '%s': at least one platform is required", name)
	}

	for _, platform := range w.Platforms {
		switch platform {
		case "macOS", "iOS", "linux", "windows":
		default:
			return fmt.Errorf("worker '%s': unknown platform '%s' (valid: macOS, iOS, linux, windows)", name, platform)
		}
	}

	if w.Capacity != nil && *w.Capacity < 1 {
		return fmt.Errorf("worker '%s': capacity must be >= 1, got %d", name, *w.Capacity)
	}

	if w.Replicas != nil && *w.Replicas < 1 {
		return fmt.Errorf("worker '%s': replicas must be >= 1, got %d", name, *w.Replicas)
	}

	return nil
}

// Load reads and validates forge.yml from the specified path
func Load(path string) (*ForgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config ForgeConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
