package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus represents the health status of the hub
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// Pinger is anything that can answer a deep health probe
type Pinger interface {
	Ping(ctx context.Context) error
}

var healthChecker = &HealthChecker{
	probes:    make(map[string]Pinger),
	startTime: time.Now(),
}

// HealthChecker runs deep health probes against registered backends
type HealthChecker struct {
	mu        sync.RWMutex
	probes    map[string]Pinger
	startTime time.Time
	version   string
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterProbe registers a backend for deep health checking. The worker
// registers its stores at startup; the hub registers all three.
func RegisterProbe(name string, p Pinger) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.probes[name] = p
}

// GetHealth pings every registered backend and aggregates the result. Each
// probe gets a short deadline so one dead store cannot hang the endpoint.
func GetHealth(ctx context.Context) HealthStatus {
	healthChecker.mu.RLock()
	probes := make(map[string]Pinger, len(healthChecker.probes))
	for name, p := range healthChecker.probes {
		probes[name] = p
	}
	version := healthChecker.version
	startTime := healthChecker.startTime
	healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(probes))
	for name, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Ping(probeCtx)
		cancel()
		if err != nil {
			status = "unhealthy"
			components[name] = "unhealthy: " + err.Error()
		} else {
			components[name] = "healthy"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    version,
		Uptime:     time.Since(startTime).String(),
		StartTime:  startTime,
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)

		_ = json.NewEncoder(w).Encode(health)
	}
}

// LivenessHandler returns a simple liveness check (always 200 while the
// process runs)
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "hub running",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}
