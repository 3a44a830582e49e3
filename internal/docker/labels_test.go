package docker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBuildLabels(t *testing.T) {
	labels := BuildLabels("prod", "test-run-123", ComponentRedis)

	assert.Equal(t, "true", labels[LabelProject])
	assert.Equal(t, "prod", labels[LabelInstanceName])
	assert.Equal(t, "test-run-123", labels[LabelInstanceRunID])
	assert.Equal(t, "redis", labels[LabelComponent])
	assert.Len(t, labels, 4)
}

func TestBuildLabels_NoComponent(t *testing.T) {
	labels := BuildLabels("dev", "test-run-456", "")

	assert.Equal(t, "true", labels[LabelProject])
	assert.NotContains(t, labels, LabelComponent)
	assert.Len(t, labels, 3)
}

func TestGenerateRunID(t *testing.T) {
	runID1 := GenerateRunID()
	runID2 := GenerateRunID()

	_, err1 := uuid.Parse(runID1)
	assert.NoError(t, err1)

	_, err2 := uuid.Parse(runID2)
	assert.NoError(t, err2)

	assert.NotEqual(t, runID1, runID2)
}

func TestContainerNames(t *testing.T) {
	assert.Equal(t, "forge-network-prod", NetworkName("prod"))
	assert.Equal(t, "forge-redis-prod", RedisContainerName("prod"))
	assert.Equal(t, "forge-coordinator-prod", CoordinatorContainerName("prod"))
	assert.Equal(t, "forge-worker-prod-mac-builder-0", WorkerContainerName("prod", "mac-builder", 0))
	assert.Equal(t, "forge-worker-dev-linux-2", WorkerContainerName("dev", "linux", 2))
}
