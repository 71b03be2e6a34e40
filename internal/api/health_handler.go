package api

import (
	"net/http"
)

// HealthResponse is the JSON response for the /health endpoint
type HealthResponse struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	Goroutines int64  `json:"goroutines"`
	Version    string `json:"version"`
	Reason     string `json:"reason,omitempty"`
}

// handleHealthCheck handles GET /health for load balancer health probes.
// No authentication is required.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	if !running {
		s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Reason:  "server not running",
			Version: Version,
		})
		return
	}

	m := s.metrics.GetMetrics()
	goroutines, ok := s.metrics.Collector().CheckGoroutineHealth()
	if !ok {
		s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:     "unhealthy",
			Uptime:     m.Uptime,
			Goroutines: int64(goroutines),
			Version:    Version,
			Reason:     "goroutine count above alert threshold",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Uptime:     m.Uptime,
		Goroutines: int64(goroutines),
		Version:    Version,
	})
}
