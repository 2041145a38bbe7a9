package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"banner-cache-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that counts and times admin
// requests by method, status and registered route.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(adminStatus(c, err)),
				routeLabel(c),
			}
			m.AdminRequestsTotal.WithLabelValues(labels...).Inc()
			m.AdminRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// adminStatus is the status the client will see. Echo writes an
// *echo.HTTPError only after the middleware chain returns.
func adminStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
