package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/dyluth/forge/pkg/buildplane"
)

// HealthServer exposes the coordinator's liveness over HTTP for container
// health checks.
type HealthServer struct {
	coordinator *Coordinator
	client      *buildplane.Client
	server      *http.Server
}

// NewHealthServer creates a health check server for the coordinator.
func NewHealthServer(coordinator *Coordinator, client *buildplane.Client) *HealthServer {
	return &HealthServer{
		coordinator: coordinator,
		client:      client,
	}
}

// Start serves /healthz on port 8080 in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)

	h.server = &http.Server{
		Addr:         ":8080",
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Health] Server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible, 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy"}

	if err := h.client.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(response)
		return
	}

	response.Redis = "connected"

	h.coordinator.mu.Lock()
	response.ActiveBuilds = h.coordinator.active
	response.QueuedBuilds = len(h.coordinator.admission)
	h.coordinator.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status       string `json:"status"`
	Redis        string `json:"redis,omitempty"`
	ActiveBuilds int    `json:"active_builds"`
	QueuedBuilds int    `json:"queued_builds"`
	Error        string `json:"error,omitempty"`
}
