package instance

import (
	"fmt"
	"os"
)

// GetRedisHost returns the hostname the CLI should use to reach an
// instance's published Redis port. FORGE_REDIS_HOST overrides detection
// for setups where neither default reaches the daemon host. Inside a
// container the loopback interface is not the host's, so
// host.docker.internal is used instead.
func GetRedisHost() string {
	if host := os.Getenv("FORGE_REDIS_HOST"); host != "" {
		return host
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "host.docker.internal"
	}

	return "localhost"
}

// GetRedisURL constructs the full Redis URL for a given port.
func GetRedisURL(port int) string {
	return fmt.Sprintf("redis://%s:%d", GetRedisHost(), port)
}
