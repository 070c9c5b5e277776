package handler

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flodrama-edge-proxy/internal/config"
	"flodrama-edge-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The metrics
// endpoint is only mounted when m is non-nil.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET(config.HealthPath, health.Healthz)
	e.GET(config.StatusPath, health.Status)

	if m != nil && cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	prefix := strings.TrimSuffix(cfg.Upstream.StripPrefix, "/")
	if prefix == "" {
		e.Any("/*", proxy.Handle)
		return
	}

	e.Any(prefix, proxy.Handle)
	e.Any(prefix+"/*", proxy.Handle)
	e.RouteNotFound("/*", proxy.NotFound)
}
