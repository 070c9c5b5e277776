package service

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"flodrama-edge-proxy/internal/config"
)

// hopByHopHeaders are meaningful for a single connection only and are never
// relayed in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Rewriter turns inbound paths and headers into their upstream form. The
// target scheme and host come from configuration only.
type Rewriter struct {
	base     url.URL
	basePath string // escaped base path + stage, no trailing slash
	prefix   string
	strip    map[string]bool // canonical header names removed before forwarding
}

// NewRewriter builds a Rewriter from the [upstream] config section.
func NewRewriter(cfg *config.Config) (*Rewriter, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q has no host", cfg.Upstream.BaseURL)
	}

	r := &Rewriter{
		base:     url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host},
		basePath: strings.TrimSuffix(u.EscapedPath(), "/") + strings.TrimSuffix(cfg.Upstream.Stage, "/"),
		prefix:   strings.TrimSuffix(cfg.Upstream.StripPrefix, "/"),
		strip:    make(map[string]bool),
	}

	for _, h := range []string{"Host", "Content-Length"} {
		r.strip[h] = true
	}
	for _, h := range hopByHopHeaders {
		r.strip[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range cfg.Upstream.StripHeaders {
		r.strip[http.CanonicalHeaderKey(h)] = true
	}

	return r, nil
}

// StripPrefix removes the virtual prefix from an escaped path. Paths outside
// the prefix are returned unchanged; an empty result becomes "/".
func (r *Rewriter) StripPrefix(path string) string {
	switch {
	case path == "":
		return "/"
	case r.prefix == "":
		return path
	case path == r.prefix:
		return "/"
	}
	if rest, ok := strings.CutPrefix(path, r.prefix+"/"); ok {
		return "/" + rest
	}
	return path
}

// URL returns the upstream URL for an inbound escaped path and raw query.
// The query is forwarded byte-for-byte.
func (r *Rewriter) URL(escapedPath, rawQuery string) string {
	p := r.StripPrefix(escapedPath)
	if !strings.HasPrefix(p, "/") {
		// Anything else would be glued onto the host name.
		p = "/" + p
	}

	u := r.base
	raw := r.basePath + p
	if decoded, err := url.PathUnescape(raw); err == nil {
		u.Path = decoded
		u.RawPath = raw
	} else {
		u.Path = raw
	}
	u.RawQuery = rawQuery

	return u.String()
}

// Header returns a copy of src without Host, Content-Length, hop-by-hop
// headers, headers named in Connection and configured strip headers. Matching
// ignores case, including for keys that are not in canonical form.
func (r *Rewriter) Header(src http.Header) http.Header {
	dst := make(http.Header, len(src))

	connection := make(map[string]bool)
	for key, vals := range src {
		if http.CanonicalHeaderKey(key) != "Connection" {
			continue
		}
		for _, v := range vals {
			for _, f := range strings.Split(v, ",") {
				if f = strings.TrimSpace(f); f != "" {
					connection[http.CanonicalHeaderKey(f)] = true
				}
			}
		}
	}

	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if r.strip[ck] || connection[ck] {
			continue
		}
		dst[ck] = append(dst[ck], vals...)
	}
	return dst
}

// filterResponseHeaders drops hop-by-hop headers from an upstream response;
// everything else is relayed verbatim.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				dst.Del(f)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}
