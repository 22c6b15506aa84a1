package health

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/atomic"
)

// FailureReporter exposes the most recent delivery failure, if any
// indexer.Indexer satisfies it
type FailureReporter interface {
	LastFailure() error
}

// HealthHandler handles health check endpoints for Kubernetes probes
// Follows constructor injection pattern - no global state
type HealthHandler struct {
	readiness *atomic.Bool
	failures  FailureReporter
}

// NewHealthHandler creates a new HealthHandler with dependency injection
// readiness: Thread-safe boolean flag indicating if service is ready to handle traffic
// failures: optional source of the last delivery failure, reported by /readyz
func NewHealthHandler(readiness *atomic.Bool, failures FailureReporter) *HealthHandler {
	return &HealthHandler{
		readiness: readiness,
		failures:  failures,
	}
}

type readinessResponse struct {
	Ready       bool   `json:"ready"`
	LastFailure string `json:"last_failure,omitempty"`
}

// HandleLiveness handles GET /healthz - liveness probe
// Always returns 200 OK to indicate the container is alive
func (h *HealthHandler) HandleLiveness(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// HandleReadiness handles GET /readyz - readiness probe
// Returns 200 when accepting documents, 503 while starting or draining
// A delivery failure does not make the daemon unready, it is only reported
func (h *HealthHandler) HandleReadiness(c echo.Context) error {
	resp := readinessResponse{Ready: h.readiness.Load()}
	if h.failures != nil {
		if err := h.failures.LastFailure(); err != nil {
			resp.LastFailure = err.Error()
		}
	}

	if resp.Ready {
		return c.JSON(http.StatusOK, resp)
	}
	return c.JSON(http.StatusServiceUnavailable, resp)
}
