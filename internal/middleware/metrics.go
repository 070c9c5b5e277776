package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"flodrama-edge-proxy/internal/metrics"
)

// MetricsMiddleware records request count and latency. The kind label keeps
// preflights apart from forwarded calls.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			req := c.Request()
			kind := m.Kind(req.Method, req.URL.Path)
			start := time.Now()

			err := next(c)

			labels := []string{
				metrics.NormalizeMethod(req.Method),
				strconv.Itoa(resolveStatus(c, err)),
				m.NormalizePath(req.URL.Path),
				kind,
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// resolveStatus returns the status the client will see. An error returned up
// the chain is written later by the HTTP error handler, which maps anything
// other than an *echo.HTTPError to 500.
func resolveStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
