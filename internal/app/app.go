// Package app holds the dependency graph shared by the server and Lambda
// binaries.
package app

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"flodrama-edge-proxy/internal/client"
	"flodrama-edge-proxy/internal/config"
	"flodrama-edge-proxy/internal/cors"
	"flodrama-edge-proxy/internal/metrics"
	"flodrama-edge-proxy/internal/service"
)

// Module provides the forwarding pipeline from a *config.CLI.
var Module = fx.Module("proxy",
	fx.Provide(
		config.Load,
		NewLogger,
		NewMetrics,
		cors.New,
		client.NewUpstreamClient,
		service.NewProxyService,
	),
)

// WithLogger routes fx's own events through the application logger.
func WithLogger() fx.Option {
	return fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
		return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
	})
}

// NewLogger builds the process logger from the [log] config section.
func NewLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// NewMetrics returns the collectors, or nil when metrics are disabled.
func NewMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	m := metrics.New(strings.TrimSuffix(cfg.Upstream.StripPrefix, "/"))
	m.AddLocalRoutes(cfg.Metrics.Path)
	return m
}
