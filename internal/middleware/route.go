package middleware

import (
	"github.com/labstack/echo/v4"

	"banner-cache-proxy/internal/metrics"
)

// routeLabel maps the request onto one of the routes registered on the
// admin server, or "other". The metrics route is configurable, so the set
// is read from the router rather than fixed.
func routeLabel(c echo.Context) string {
	registered := c.Echo().Routes()
	paths := make([]string, 0, len(registered))
	for _, r := range registered {
		paths = append(paths, r.Path)
	}
	return metrics.NormalizeRoute(c.Request().URL.Path, paths)
}
