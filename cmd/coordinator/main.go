package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/forge/internal/cache"
	"github.com/dyluth/forge/internal/coordinator"
	"github.com/dyluth/forge/internal/scheduler"
	"github.com/dyluth/forge/pkg/buildplane"
)

func main() {
	// 1. Load environment variables
	instanceName := os.Getenv("FORGE_INSTANCE_NAME")
	redisURL := os.Getenv("REDIS_URL")

	if instanceName == "" || redisURL == "" {
		fmt.Fprintf(os.Stderr, "Error: FORGE_INSTANCE_NAME and REDIS_URL must be set\n")
		os.Exit(1)
	}

	opts := &coordinator.Options{
		MaxConcurrentBuilds: envInt("FORGE_MAX_CONCURRENT_BUILDS", 4),
		TaskTimeout:         time.Duration(envInt("FORGE_TASK_TIMEOUT_SECONDS", 60)) * time.Second,
	}
	cacheMaxAge := time.Duration(envInt("FORGE_CACHE_MAX_AGE_HOURS", 168)) * time.Hour

	// 2. Parse Redis URL
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid REDIS_URL: %v\n", err)
		os.Exit(1)
	}

	// 3. Create build plane client
	client, err := buildplane.NewClient(redisOpts, instanceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create build plane client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	// 4. Verify Redis connectivity
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	// 5. Assemble the coordinator: cache, scheduler, engine
	buildCache := cache.New(client, client, cacheMaxAge)
	if err := buildCache.LoadIndex(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load cache index, starting cold: %v\n", err)
	}

	sched := scheduler.New(nil)

	coord := coordinator.New(instanceName, buildCache, sched, client, client, nil, opts)
	engine := coordinator.NewEngine(coord, client, 30*time.Second)

	fmt.Printf("Coordinator starting for instance '%s' (max %d concurrent builds)\n",
		instanceName, opts.MaxConcurrentBuilds)

	// Health endpoint for container health checks
	health := coordinator.NewHealthServer(coord, client)
	if err := health.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to start health server: %v\n", err)
	}

	// 6. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sched.Start(runCtx)

	// 7. Serve the coordinator inbox
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(runCtx)
	}()

	// 8. Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		<-errCh
	case runErr := <-errCh:
		if runErr != nil && runCtx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Coordinator error: %v\n", runErr)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Health server shutdown error: %v\n", err)
	}

	fmt.Println("Coordinator stopped")
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		fmt.Fprintf(os.Stderr, "Error: %s must be a positive integer, got %q\n", key, raw)
		os.Exit(1)
	}
	return n
}
