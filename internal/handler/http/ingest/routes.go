package ingest

import (
	"github.com/labstack/echo/v4"
)

// SetupRoutes registers ingest routes with the Echo instance
// Static /v1/_* routes take precedence over the :index parameter
func (h *IngestHandler) SetupRoutes(e *echo.Echo) {
	e.POST("/v1/:index/_doc", h.HandleIndex)
	e.POST("/v1/:index/_doc/:id", h.HandleIndex)
	e.PUT("/v1/:index/_doc/:id", h.HandleIndex)
	e.POST("/v1/_batch", h.HandleBatch)
	e.POST("/v1/_flush", h.HandleFlush)
	e.GET("/v1/_stats", h.HandleStats)
}
