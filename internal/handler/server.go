package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"flodrama-edge-proxy/internal/config"
	"flodrama-edge-proxy/internal/metrics"
	"flodrama-edge-proxy/internal/middleware"
)

// NewEcho builds the Echo instance with the middleware chain. Rejections
// raised by the chain itself go through proxy.HandleError so they carry the
// same CORS headers as forwarded responses.
func NewEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, proxy *ProxyHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = proxy.HandleError

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Responses are streamed; the upstream timeout and the request context bound them.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
			// Preflights are answered locally and never cost the upstream anything.
			Skipper: func(c echo.Context) bool { return c.Request().Method == http.MethodOptions },
			Store:   store,
		}))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// HandleError answers errors returned by middleware or the router with a
// CORS-decorated JSON body.
func (h *ProxyHandler) HandleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
	} else {
		h.logger.Error("unhandled error",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	msg := strings.ToLower(http.StatusText(code))
	if msg == "" {
		msg = "internal error"
	}

	_ = h.write(c, h.service.Error(c.Request().Header, code, msg))
}
