package cors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"flodrama-edge-proxy/internal/config"
)

// Mode selects how Access-Control-Allow-Origin is chosen.
type Mode string

const (
	// Restricted echoes allow-listed origins and falls back to the first exact entry.
	Restricted Mode = config.CORSModeRestricted
	// Wildcard always answers "*" and never allows credentials.
	Wildcard Mode = config.CORSModeWildcard
)

// ErrWildcardCredentials is returned for a wildcard policy that also allows
// credentials; browsers reject that combination.
var ErrWildcardCredentials = errors.New("cors: wildcard origin cannot be combined with credentials")

var baseMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodOptions,
}

// Options configures a Policy.
type Options struct {
	Mode           Mode
	AllowedOrigins []string
	Credentials    bool
	AllowPatch     bool
	AllowedHeaders []string
	MaxAge         time.Duration
}

// Policy is the immutable cross-origin policy of a deployment. It is safe for
// concurrent use.
type Policy struct {
	mode         Mode
	entries      []AllowlistEntry
	fallback     string
	credentials  bool
	allowMethods string
	allowHeaders string
	maxAge       string
}

// New builds the Policy described by the [cors] config section.
func New(cfg *config.Config) (*Policy, error) {
	return NewPolicy(Options{
		Mode:           Mode(cfg.CORS.Mode),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Credentials:    cfg.CORS.Credentials,
		AllowPatch:     cfg.CORS.AllowPatch,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		MaxAge:         time.Duration(cfg.CORS.MaxAgeSeconds) * time.Second,
	})
}

// NewPolicy validates opts and precomputes the header values.
func NewPolicy(opts Options) (*Policy, error) {
	if opts.Mode == "" {
		opts.Mode = Restricted
	}
	p := &Policy{
		mode:         opts.Mode,
		credentials:  opts.Credentials,
		allowHeaders: strings.Join(opts.AllowedHeaders, ", "),
	}

	methods := baseMethods
	if opts.AllowPatch {
		methods = append(methods[:len(methods):len(methods)], http.MethodPatch)
	}
	p.allowMethods = strings.Join(methods, ", ")

	if opts.MaxAge > 0 {
		p.maxAge = strconv.Itoa(int(opts.MaxAge / time.Second))
	}

	switch opts.Mode {
	case Wildcard:
		if opts.Credentials {
			return nil, ErrWildcardCredentials
		}
	case Restricted:
		for _, raw := range opts.AllowedOrigins {
			if raw == "*" {
				return nil, fmt.Errorf("cors: \"*\" is not allowed in restricted mode")
			}
			e, err := ParseEntry(raw)
			if err != nil {
				return nil, fmt.Errorf("cors: %w", err)
			}
			if e.Kind == Exact && p.fallback == "" {
				p.fallback = e.Value
			}
			p.entries = append(p.entries, e)
		}
		if p.fallback == "" {
			return nil, fmt.Errorf("cors: restricted mode needs at least one exact origin")
		}
	default:
		return nil, fmt.Errorf("cors: unknown mode %q", opts.Mode)
	}

	return p, nil
}

// Mode returns the policy mode.
func (p *Policy) Mode() Mode { return p.mode }

// ResolveOrigin returns the Access-Control-Allow-Origin value for a request
// carrying the given Origin header (empty when absent). A restricted policy
// only ever returns an allow-listed origin.
func (p *Policy) ResolveOrigin(origin string) string {
	if p.mode == Wildcard {
		return "*"
	}
	if origin == "" {
		return p.fallback
	}
	for _, e := range p.entries {
		if e.Matches(origin) {
			return origin
		}
	}
	return p.fallback
}

// Decorate returns a copy of h carrying the CORS headers for the resolved
// origin. h is not modified and may be nil.
func (p *Policy) Decorate(h http.Header, allowOrigin string) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}

	out.Set(echo.HeaderAccessControlAllowOrigin, allowOrigin)
	out.Set(echo.HeaderAccessControlAllowMethods, p.allowMethods)
	if p.allowHeaders != "" {
		out.Set(echo.HeaderAccessControlAllowHeaders, p.allowHeaders)
	} else {
		out.Del(echo.HeaderAccessControlAllowHeaders)
	}

	// Credentials only ever accompany an echoed origin; whatever the upstream
	// sent is replaced.
	if p.credentials && p.mode == Restricted {
		out.Set(echo.HeaderAccessControlAllowCredentials, "true")
	} else {
		out.Del(echo.HeaderAccessControlAllowCredentials)
	}

	if p.mode == Restricted && !hasToken(out.Values(echo.HeaderVary), echo.HeaderOrigin) {
		out.Add(echo.HeaderVary, echo.HeaderOrigin)
	}

	return out
}

// Preflight returns the headers of a preflight response: the CORS set plus
// Access-Control-Max-Age.
func (p *Policy) Preflight(allowOrigin string) http.Header {
	h := p.Decorate(nil, allowOrigin)
	if p.maxAge != "" {
		h.Set(echo.HeaderAccessControlMaxAge, p.maxAge)
	}
	return h
}

// hasToken reports whether any comma-separated value equals token, ignoring case.
func hasToken(values []string, token string) bool {
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t == "*" || strings.EqualFold(t, token) {
				return true
			}
		}
	}
	return false
}
