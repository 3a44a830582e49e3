package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/forge/internal/worker"
	"github.com/dyluth/forge/pkg/buildplane"
)

func main() {
	os.Exit(run())
}

// run contains the main logic and returns an exit code.
// This separation makes the logic testable and ensures deferred functions run.
func run() int {
	// Load configuration from environment variables
	config, err := worker.LoadConfig()
	if err != nil {
		log.Printf("[ERROR] Configuration error: %v", err)
		return 1
	}

	log.Printf("[INFO] Worker starting for node='%s' instance='%s'", config.NodeID, config.InstanceName)

	// Parse Redis URL
	redisOpts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		log.Printf("[ERROR] Invalid REDIS_URL: %v", err)
		return 1
	}

	// Create build plane client
	client, err := buildplane.NewClient(redisOpts, config.InstanceName)
	if err != nil {
		log.Printf("[ERROR] Failed to create build plane client: %v", err)
		return 1
	}
	defer client.Close()

	// Verify Redis connectivity
	if err := client.Ping(context.Background()); err != nil {
		log.Printf("[ERROR] Redis not accessible: %v", err)
		return 1
	}

	// Graceful shutdown on SIGTERM/SIGINT: the engine marks the node
	// offline before returning.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("[INFO] Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	engine := worker.New(config, client, nil)
	if err := engine.Start(runCtx); err != nil && runCtx.Err() == nil {
		log.Printf("[ERROR] Worker engine error: %v", err)
		return 1
	}

	log.Printf("[INFO] Worker stopped")
	return 0
}
