package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "forge.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
coordinator:
  max_concurrent_builds: 8
workers:
  mac-builder:
    image: "forge-worker:latest"
    cores: 8
    memory_gb: 16
    platforms: ["macOS", "iOS"]
    capacity: 4
    replicas: 2
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.NotNil(t, config)
	assert.Equal(t, "1.0", config.Version)
	assert.Len(t, config.Workers, 1)

	worker := config.Workers["mac-builder"]
	assert.Equal(t, "forge-worker:latest", worker.Image)
	assert.Equal(t, 8, worker.Cores)
	assert.Equal(t, []string{"macOS", "iOS"}, worker.Platforms)
	assert.Equal(t, 4, *worker.Capacity)
	assert.Equal(t, 2, *worker.Replicas)

	assert.Equal(t, 8, *config.Coordinator.MaxConcurrentBuilds)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
workers:
  linux-builder:
    image: "forge-worker:latest"
    cores: 4
    memory_gb: 8
    platforms: ["linux"]
`)

	config, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 4, *config.Coordinator.MaxConcurrentBuilds)
	assert.Equal(t, 60, *config.Coordinator.TaskTimeoutSeconds)
	assert.Equal(t, 168, *config.Coordinator.CacheMaxAgeHours)

	worker := config.Workers["linux-builder"]
	assert.Equal(t, 1, *worker.Capacity)
	assert.Equal(t, 1, *worker.Replicas)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/forge.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
workers:
  - this is invalid
    yaml syntax
`)

	config, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "wrong version",
			content: "version: \"2.0\"\nworkers:\n  w:\n    image: i\n    cores: 1\n    memory_gb: 1\n    platforms: [\"linux\"]\n",
			wantErr: "unsupported version",
		},
		{
			name:    "no workers",
			content: "version: \"1.0\"\nworkers: {}\n",
			wantErr: "no workers defined",
		},
		{
			name:    "missing image",
			content: "version: \"1.0\"\nworkers:\n  w:\n    cores: 1\n    memory_gb: 1\n    platforms: [\"linux\"]\n",
			wantErr: "image is required",
		},
		{
			name:    "zero cores",
			content: "version: \"1.0\"\nworkers:\n  w:\n    image: i\n    cores: 0\n    memory_gb: 1\n    platforms: [\"linux\"]\n",
			wantErr: "cores must be >= 1",
		},
		{
			name:    "no platforms",
			content: "version: \"1.0\"\nworkers:\n  w:\n    image: i\n    cores: 1\n    memory_gb: 1\n    platforms: []\n",
			wantErr: "at least one platform",
		},
		{
			name:    "unknown platform",
			content: "version: \"1.0\"\nworkers:\n  w:\n    image: i\n    cores: 1\n    memory_gb: 1\n    platforms: [\"amiga\"]\n",
			wantErr: "unknown platform",
		},
		{
			name:    "zero capacity",
			content: "version: \"1.0\"\nworkers:\n  w:\n    image: i\n    cores: 1\n    memory_gb: 1\n    platforms: [\"linux\"]\n    capacity: 0\n",
			wantErr: "capacity must be >= 1",
		},
		{
			name:    "zero concurrent builds",
			content: "version: \"1.0\"\ncoordinator:\n  max_concurrent_builds: 0\nworkers:\n  w:\n    image: i\n    cores: 1\n    memory_gb: 1\n    platforms: [\"linux\"]\n",
			wantErr: "max_concurrent_builds must be >= 1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			configPath := writeConfig(t, tc.content)

			config, err := Load(configPath)
			require.Error(t, err)
			assert.Nil(t, config)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
