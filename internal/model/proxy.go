// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is an inbound browser request, independent of the host that
// received it.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // escaped form, as in url.URL.EscapedPath
	RawQuery string // forwarded byte-for-byte, never re-encoded
	Header   http.Header
	Body     io.ReadCloser
	// ContentLength is the inbound body length, -1 when unknown. It is
	// request framing; the Content-Length header itself is never forwarded.
	ContentLength int64
}

// ProxyResponse is the response handed back to the platform adapter.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
