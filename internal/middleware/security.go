package middleware

import (
	"github.com/labstack/echo/v4"
)

// leakyHeaders identify the upstream stack and are removed from relayed responses.
var leakyHeaders = []string{
	"Server",
	"X-Powered-By",
	"X-Amzn-Remapped-Server",
}

// SecurityHeaders returns an Echo middleware that sets browser hardening
// headers. They are set before the handler runs because proxied responses
// are streamed and their headers are committed early.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderXContentTypeOptions, "nosniff")
			h.Set(echo.HeaderXFrameOptions, "DENY")
			h.Set(echo.HeaderReferrerPolicy, "no-referrer")

			c.Response().Before(func() {
				for _, name := range leakyHeaders {
					c.Response().Header().Del(name)
				}
			})

			return next(c)
		}
	}
}
