package health

import (
	"github.com/labstack/echo/v4"
)

// SetupRoutes mounts the health endpoints; the app's readiness middleware lets both through during shutdown
func (h *HealthHandler) SetupRoutes(e *echo.Echo) {
	e.GET("/healthz", h.HandleLiveness)
	e.GET("/readyz", h.HandleReadiness)
	e.HEAD("/healthz", h.HandleLiveness)
}
