package handler

import (
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"

	"flodrama-edge-proxy/internal/model"
	"flodrama-edge-proxy/internal/service"
)

// ProxyHandler adapts Echo requests to the forwarding pipeline.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle runs the request through the pipeline and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	return h.write(c, h.service.Serve(pr))
}

// NotFound answers routes outside the proxied prefix with a CORS-decorated 404.
func (h *ProxyHandler) NotFound(c echo.Context) error {
	return h.write(c, h.service.NotFound(c.Request().Header))
}

func (h *ProxyHandler) write(c echo.Context, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a failed copy can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	return nil
}
