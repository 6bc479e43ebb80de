package handlers

import (
	"context"
	"net/http"
	"sync"

	apperrors "github.com/kryahq/kryad/internal/errors"
)

// Checker is a named readiness probe.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates registered checkers.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]Checker),
	}
}

func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// HealthHandler reports aggregate health: 200 when every checker passes,
// 503 otherwise.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	checks := make(map[string]string, len(checkers))
	healthy := true
	for name, c := range checkers {
		if err := c.CheckHealth(r.Context()); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			checks[name] = "healthy"
		}
	}

	if !healthy {
		details := make(map[string]any, len(checks))
		for k, v := range checks {
			details[k] = v
		}
		writeJSON(w, http.StatusServiceUnavailable, apperrors.HTTPErrorResponse{
			Error: apperrors.HTTPErrorBody{
				Code:    apperrors.CodeInternal,
				Message: "one or more health checks failed",
				Details: details,
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: m.version,
		Checks:  checks,
	})
}

// LiveHandler always succeeds while the process is up.
func (m *HealthManager) LiveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive", Version: m.version})
}
