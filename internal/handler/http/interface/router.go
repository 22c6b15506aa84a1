package httpiface

import "github.com/labstack/echo/v4"

// HttpRouter is implemented by every handler group (health, ingest).
// The app collects them in injectDependency and mounts each one in setupServer.
type HttpRouter interface {
	SetupRoutes(e *echo.Echo)
}
