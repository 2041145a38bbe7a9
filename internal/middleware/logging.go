// Package middleware provides Echo middleware for the admin server.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each admin request with
// slog. Successful requests log at debug, 5xx responses at warn.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "admin")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := adminStatus(c, err)
			level := slog.LevelDebug
			if status >= 500 {
				level = slog.LevelWarn
			}

			req := c.Request()
			attrs := []any{
				"method", req.Method,
				"route", routeLabel(c),
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
			}
			if err != nil {
				attrs = append(attrs, "err", err)
			}
			logger.Log(req.Context(), level, "admin request", attrs...)

			return err
		}
	}
}
