package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"banner-cache-proxy/internal/config"
)

// RateLimit returns a per-IP rate limiter for the admin server, or nil when
// cfg disables it. Over-limit requests get 429.
func RateLimit(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return nil
	}
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiter(store)
}
