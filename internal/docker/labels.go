package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys used for forge resources
const (
	LabelProject       = "forge.project"
	LabelInstanceName  = "forge.instance.name"
	LabelInstanceRunID = "forge.instance.run_id"
	LabelComponent     = "forge.component"
	LabelRedisPort     = "forge.redis.port"
	LabelWorkerName    = "forge.worker.name"
	LabelWorkerImage   = "forge.worker.image"
)

// Component values for the forge.component label
const (
	ComponentRedis       = "redis"
	ComponentCoordinator = "coordinator"
	ComponentWorker      = "worker"
)

// BuildLabels creates the standard label set for all forge resources.
// All parameters are required except component (which is resource-specific).
func BuildLabels(instanceName, runID, component string) map[string]string {
	labels := map[string]string{
		LabelProject:       "true",
		LabelInstanceName:  instanceName,
		LabelInstanceRunID: runID,
	}

	if component != "" {
		labels[LabelComponent] = component
	}

	return labels
}

// GenerateRunID creates a new UUID for an instance run.
// Each invocation of `forge up` gets a unique run ID.
func GenerateRunID() string {
	return uuid.New().String()
}

// Resource naming conventions for forge components

// NetworkName returns the Docker network name for an instance
func NetworkName(instanceName string) string {
	return fmt.Sprintf("forge-network-%s", instanceName)
}

// RedisContainerName returns the Redis container name for an instance
func RedisContainerName(instanceName string) string {
	return fmt.Sprintf("forge-redis-%s", instanceName)
}

// CoordinatorContainerName returns the coordinator container name for an instance
func CoordinatorContainerName(instanceName string) string {
	return fmt.Sprintf("forge-coordinator-%s", instanceName)
}

// WorkerContainerName returns the worker container name for an instance,
// worker pool, and replica index.
func WorkerContainerName(instanceName, workerName string, replica int) string {
	return fmt.Sprintf("forge-worker-%s-%s-%d", instanceName, workerName, replica)
}
