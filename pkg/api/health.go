package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/magpie/pkg/health"
)

var startTime = time.Now()

// HealthResponse is the liveness summary body
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
}

// ReadyResponse is the readiness probe body
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// DeepHealthResponse carries the full result of every registered check
type DeepHealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Checks    map[string]health.Result `json:"checks"`
}

// handleHealth is the basic liveness summary: 200 whenever the process
// is serving requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
	})
}

// handleReady checks that the service can actually take traffic: both
// stores must answer. Checks are inline pings, cheap enough for a
// frequent probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if err := s.store.Ping(); err != nil {
		checks["database"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Task store not accessible"
	} else {
		checks["database"] = "ok"
	}

	if err := s.coord.Ping(r.Context()); err != nil {
		checks["redis"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "Coordination store not accessible"
		}
	} else {
		checks["redis"] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
		Message:   message,
	})
}

// handleDeep runs every registered checker, including the slow ones
// (tool binaries, disk headroom)
func (s *Server) handleDeep(w http.ResponseWriter, r *http.Request) {
	results := s.checks.Run(r.Context())

	status := "healthy"
	statusCode := http.StatusOK
	if !health.Healthy(results) {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, DeepHealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    results,
	})
}
