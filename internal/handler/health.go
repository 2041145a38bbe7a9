// Package handler serves the admin HTTP endpoints.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"banner-cache-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Listen        string `json:"listen"`
	TTLSeconds    int64  `json:"ttl_seconds"`
	CacheDir      string `json:"cache_dir"`
	CacheBackend  string `json:"cache_backend"`
	Workers       int    `json:"workers"`
	OriginPort    int    `json:"origin_port"`
	OriginCharset string `json:"origin_charset,omitempty"`
}

// Status reports the running proxy configuration.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:        "ok",
		Version:       string(h.version),
		Listen:        h.cfg.Server.Addr(),
		TTLSeconds:    int64(h.cfg.TTL().Seconds()),
		CacheDir:      h.cfg.Cache.Dir,
		CacheBackend:  h.cfg.Cache.Backend,
		Workers:       max(h.cfg.Server.Workers, 1),
		OriginPort:    h.cfg.Origin.Port,
		OriginCharset: h.cfg.Origin.Charset,
	})
}
