// Package apigw adapts AWS API Gateway events (REST v1, which Netlify
// Functions also use, and HTTP API v2) to the forwarding pipeline.
package apigw

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"

	"flodrama-edge-proxy/internal/model"
)

// ErrMalformedEvent reports an event without the fields needed for routing.
var ErrMalformedEvent = errors.New("apigw: malformed event")

// Relay is the pipeline the adapter feeds.
type Relay interface {
	Serve(pr *model.ProxyRequest) *model.ProxyResponse
	NotFound(header http.Header) *model.ProxyResponse
	Fail(pr *model.ProxyRequest, err error) *model.ProxyResponse
}

// Handler translates Lambda events to proxy requests and back.
type Handler struct {
	relay  Relay
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(relay Relay, logger *slog.Logger) *Handler {
	return &Handler{
		relay:  relay,
		logger: logger.With("component", "apigw_handler"),
	}
}

// response is the payload-independent result written back to either event shape.
type response struct {
	status   int
	header   http.Header
	body     string
	isBase64 bool
}

// HandleREST serves an API Gateway REST (payload v1) or Netlify Functions event.
// It never returns an invocation error; failures become HTTP responses.
func (h *Handler) HandleREST(ctx context.Context, ev events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	header := restHeader(ev)

	pr, err := newRequest(ctx, ev.HTTPMethod, escapePath(ev.Path), restQuery(ev), header, ev.Body, ev.IsBase64Encoded)
	if err != nil {
		h.logger.Warn("rejecting event", "err", err, "payload", "v1")
		return toREST(h.collect(nil, h.relay.NotFound(header))), nil
	}

	return toREST(h.collect(pr, h.relay.Serve(pr))), nil
}

// HandleHTTP serves an API Gateway HTTP API or function URL event (payload v2).
func (h *Handler) HandleHTTP(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	header := make(http.Header, len(ev.Headers)+1)
	for k, v := range ev.Headers {
		header.Set(k, v)
	}
	if len(ev.Cookies) > 0 {
		header.Set("Cookie", strings.Join(ev.Cookies, "; "))
	}

	path := ev.RawPath
	if path == "" {
		path = ev.RequestContext.HTTP.Path
	}

	pr, err := newRequest(ctx, ev.RequestContext.HTTP.Method, escapePath(path), ev.RawQueryString, header, ev.Body, ev.IsBase64Encoded)
	if err != nil {
		h.logger.Warn("rejecting event", "err", err, "payload", "v2")
		return toHTTP(h.collect(nil, h.relay.NotFound(header))), nil
	}

	return toHTTP(h.collect(pr, h.relay.Serve(pr))), nil
}

func newRequest(ctx context.Context, method, path, rawQuery string, header http.Header, body string, isBase64 bool) (*model.ProxyRequest, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: missing http method", ErrMalformedEvent)
	}

	raw := []byte(body)
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("%w: decode body: %v", ErrMalformedEvent, err)
		}
		raw = decoded
	}

	return &model.ProxyRequest{
		Ctx:           ctx,
		Method:        strings.ToUpper(method),
		Path:          path,
		RawQuery:      rawQuery,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(raw)),
		ContentLength: int64(len(raw)),
	}, nil
}

// collect buffers resp, since Lambda responses are not streamed. A body that
// fails mid-read turns into the pipeline's error response.
func (h *Handler) collect(pr *model.ProxyRequest, resp *model.ProxyResponse) response {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil && pr != nil {
		h.logger.Error("reading upstream body", "err", err, "path", pr.Path)
		return h.collect(nil, h.relay.Fail(pr, fmt.Errorf("read upstream body: %w", err)))
	}

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	// The platform computes framing for the returned payload.
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	out := response{status: resp.StatusCode, header: header}
	if isText(header.Get("Content-Type"), body) {
		out.body = string(body)
	} else {
		out.body = base64.StdEncoding.EncodeToString(body)
		out.isBase64 = true
	}
	return out
}

func toREST(r response) events.APIGatewayProxyResponse {
	out := events.APIGatewayProxyResponse{
		StatusCode:      r.status,
		Body:            r.body,
		IsBase64Encoded: r.isBase64,
	}
	for k, vals := range r.header {
		if len(vals) == 1 {
			if out.Headers == nil {
				out.Headers = make(map[string]string)
			}
			out.Headers[k] = vals[0]
			continue
		}
		if out.MultiValueHeaders == nil {
			out.MultiValueHeaders = make(map[string][]string)
		}
		out.MultiValueHeaders[k] = vals
	}
	return out
}

func toHTTP(r response) events.APIGatewayV2HTTPResponse {
	out := events.APIGatewayV2HTTPResponse{
		StatusCode:      r.status,
		Headers:         make(map[string]string, len(r.header)),
		Body:            r.body,
		IsBase64Encoded: r.isBase64,
	}
	for k, vals := range r.header {
		if k == "Set-Cookie" {
			out.Cookies = append(out.Cookies, vals...)
			continue
		}
		out.Headers[k] = strings.Join(vals, ", ")
	}
	return out
}

func restHeader(ev events.APIGatewayProxyRequest) http.Header {
	header := make(http.Header, len(ev.Headers))
	if len(ev.MultiValueHeaders) > 0 {
		for k, vals := range ev.MultiValueHeaders {
			for _, v := range vals {
				header.Add(k, v)
			}
		}
		return header
	}
	for k, v := range ev.Headers {
		header.Set(k, v)
	}
	return header
}

// restQuery rebuilds the query string from the decoded parameter maps of a v1
// event. v1 and Netlify events never carry the raw query, so the result is not
// byte-for-byte what the client sent. Keys are sorted and every key and value
// is re-escaped with url.QueryEscape, so "%20" arrives upstream as "+". Values
// of one key keep their order.
func restQuery(ev events.APIGatewayProxyRequest) string {
	params := ev.MultiValueQueryStringParameters
	if len(params) == 0 {
		params = make(map[string][]string, len(ev.QueryStringParameters))
		for k, v := range ev.QueryStringParameters {
			params[k] = []string{v}
		}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range params[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// escapePath returns the escaped form of an event path. Paths that already
// hold valid escapes are kept as sent.
func escapePath(p string) string {
	if p == "" {
		return "/"
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		u := url.URL{Path: decoded, RawPath: p}
		return u.EscapedPath()
	}
	return (&url.URL{Path: p}).EscapedPath()
}

var binaryTypes = []string{"image/", "audio/", "video/", "font/"}

var binarySubtypes = map[string]bool{
	"application/octet-stream": true,
	"application/pdf":          true,
	"application/zip":          true,
	"application/gzip":         true,
	"application/wasm":         true,
}

// isText reports whether body can travel as a plain string.
func isText(contentType string, body []byte) bool {
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if binarySubtypes[mt] {
				return false
			}
			for _, prefix := range binaryTypes {
				if strings.HasPrefix(mt, prefix) && mt != "image/svg+xml" {
					return false
				}
			}
		}
	}
	return utf8.Valid(body)
}
