package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/toolgate-io/toolgate/internal/domain/breaker"
	"github.com/toolgate-io/toolgate/internal/domain/token"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports component health. An open breaker degrades the
// report but only makes it unhealthy when every upstream is open.
type HealthChecker struct {
	breakers   *breaker.Registry
	tokenCache *token.Cache
	version    string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(breakers *breaker.Registry, tokenCache *token.Cache, version string) *HealthChecker {
	return &HealthChecker{
		breakers:   breakers,
		tokenCache: tokenCache,
		version:    version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.breakers != nil {
		states := h.breakers.States()
		open := 0
		for source, state := range states {
			if state != breaker.StateClosed {
				checks["breaker_"+source] = string(state)
			}
			if state == breaker.StateOpen {
				open++
			}
		}
		if len(states) > 0 && open == len(states) {
			checks["breakers"] = "all open"
			healthy = false
		} else {
			checks["breakers"] = fmt.Sprintf("%d/%d open", open, len(states))
		}
	} else {
		checks["breakers"] = "not configured"
	}

	if h.tokenCache != nil {
		checks["token_cache"] = fmt.Sprintf("%d entries", h.tokenCache.Len())
	} else {
		checks["token_cache"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
