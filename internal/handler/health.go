package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"flodrama-edge-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UpstreamURL string `json:"upstream_url"`
	Stage       string `json:"stage"`
	StripPrefix string `json:"strip_prefix"`
	CORSMode    string `json:"cors_mode"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes. It never
// contacts the upstream.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and the effective forwarding settings.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.UpstreamURL(),
		Stage:       h.cfg.Upstream.Stage,
		StripPrefix: h.cfg.Upstream.StripPrefix,
		CORSMode:    h.cfg.CORS.Mode,
	})
}
