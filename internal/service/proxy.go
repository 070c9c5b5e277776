// Package service implements the forwarding pipeline shared by every
// deployment target.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"flodrama-edge-proxy/internal/client"
	"flodrama-edge-proxy/internal/config"
	"flodrama-edge-proxy/internal/cors"
	"flodrama-edge-proxy/internal/metrics"
	"flodrama-edge-proxy/internal/model"
)

// secretPattern matches credential query values in URLs embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:api_?key|access_token|token)=)[^&\s"]+`)

// Transport failure reasons used in logs and metrics.
const (
	ReasonDNS        = "dns"
	ReasonTimeout    = "timeout"
	ReasonCanceled   = "canceled"
	ReasonConnection = "connection"
	ReasonOther      = "other"
)

// ErrorBody is the JSON body of a proxy-generated error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ProxyService runs the per-request pipeline:
// preflight short-circuit, or rewrite, forward and decorate.
type ProxyService struct {
	client   *client.UpstreamClient
	policy   *cors.Policy
	rewriter *Rewriter
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, policy *cors.Policy, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	rw, err := NewRewriter(cfg)
	if err != nil {
		return nil, err
	}

	return &ProxyService{
		client:   c,
		policy:   policy,
		rewriter: rw,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}, nil
}

// Serve handles one inbound request and always returns a well-formed,
// CORS-decorated response. Upstream statuses pass through unchanged; only
// transport failures become a 500. The caller must close the response body.
func (s *ProxyService) Serve(pr *model.ProxyRequest) *model.ProxyResponse {
	reqOrigin := pr.Header.Get("Origin")
	allowOrigin := s.policy.ResolveOrigin(reqOrigin)

	if pr.Method == http.MethodOptions {
		return s.preflight(reqOrigin, allowOrigin)
	}

	resp, err := s.Forward(pr)
	if err != nil {
		return s.fail(pr, allowOrigin, err)
	}

	resp.Header = s.policy.Decorate(resp.Header, allowOrigin)
	return resp
}

// Forward rewrites pr and sends it upstream once. Upstream non-2xx answers are
// not errors. The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	upstreamURL := s.rewriter.URL(pr.Path, pr.RawQuery)
	header := s.rewriter.Header(pr.Header)

	var body io.Reader
	if carriesBody(pr.Method) && pr.Body != nil && pr.Body != http.NoBody {
		body = pr.Body
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"upstream_path", upstreamPath(upstreamURL),
	)

	resp, err := s.client.DoStream(ctx, pr.Method, upstreamURL, header, body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// NotFound answers requests that carry no usable routing information.
func (s *ProxyService) NotFound(header http.Header) *model.ProxyResponse {
	allowOrigin := s.policy.ResolveOrigin(header.Get("Origin"))
	return s.jsonResponse(http.StatusNotFound, allowOrigin, ErrorBody{Error: "not found"})
}

// Error answers a failure raised outside the pipeline, such as a body limit or
// rate limit rejection, with a CORS-decorated JSON body.
func (s *ProxyService) Error(header http.Header, status int, msg string) *model.ProxyResponse {
	allowOrigin := s.policy.ResolveOrigin(header.Get("Origin"))
	return s.jsonResponse(status, allowOrigin, ErrorBody{Error: msg})
}

func (s *ProxyService) preflight(reqOrigin, allowOrigin string) *model.ProxyResponse {
	if s.metrics != nil {
		allowed := reqOrigin != "" && (allowOrigin == "*" || allowOrigin == reqOrigin)
		s.metrics.PreflightsTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: http.StatusNoContent,
		Header:     s.policy.Preflight(allowOrigin),
		Body:       http.NoBody,
	}
}

// Fail converts a failure that happened after routing, such as a broken
// upstream body, into the CORS-decorated 500 response.
func (s *ProxyService) Fail(pr *model.ProxyRequest, err error) *model.ProxyResponse {
	return s.fail(pr, s.policy.ResolveOrigin(pr.Header.Get("Origin")), err)
}

func (s *ProxyService) fail(pr *model.ProxyRequest, allowOrigin string, err error) *model.ProxyResponse {
	reason := ClassifyError(err)
	msg := sanitizeError(err)

	s.logger.Error("proxy error",
		"err", msg,
		"reason", reason,
		"method", pr.Method,
		"path", pr.Path,
	)
	if s.metrics != nil {
		s.metrics.ProxyErrors.WithLabelValues(reason).Inc()
	}

	return s.jsonResponse(http.StatusInternalServerError, allowOrigin, ErrorBody{
		Error:   "proxy error",
		Message: msg,
	})
}

func (s *ProxyService) jsonResponse(status int, allowOrigin string, body ErrorBody) *model.ProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		b = []byte(`{"error":"proxy error"}`)
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(b)))
	h.Set("Cache-Control", "no-store")

	return &model.ProxyResponse{
		StatusCode: status,
		Header:     s.policy.Decorate(h, allowOrigin),
		Body:       io.NopCloser(bytes.NewReader(b)),
	}
}

// ClassifyError maps a transport failure to one of the Reason* labels.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReasonDNS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ReasonConnection
	}

	return ReasonOther
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

func carriesBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

func upstreamPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.EscapedPath()
}
