// Package cors resolves the Access-Control-Allow-Origin value for a request
// and decorates responses with the deployment's cross-origin headers.
package cors

import (
	"fmt"
	"net/url"
	"strings"
)

// EntryKind tags an allow-list entry.
type EntryKind int

const (
	// Exact matches one serialized origin, byte for byte.
	Exact EntryKind = iota
	// SubdomainPattern matches any origin one or more labels below a domain,
	// written as scheme://*.domain[:port].
	SubdomainPattern
)

func (k EntryKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case SubdomainPattern:
		return "subdomain_pattern"
	default:
		return fmt.Sprintf("EntryKind(%d)", int(k))
	}
}

// AllowlistEntry is one configured origin or origin pattern.
type AllowlistEntry struct {
	Kind  EntryKind
	Value string

	scheme string
	suffix string // ".domain", lower case
	port   string
}

// ParseEntry parses a configured allow-list value.
//
//	https://flodrama.com        exact
//	https://*.flodrama.com      any subdomain over https, default port
//	http://*.localhost:3000     any subdomain of localhost on port 3000
func ParseEntry(s string) (AllowlistEntry, error) {
	if !strings.Contains(s, "*") {
		if _, ok := parseOrigin(s); !ok {
			return AllowlistEntry{}, fmt.Errorf("invalid origin %q: want scheme://host[:port]", s)
		}
		return AllowlistEntry{Kind: Exact, Value: s}, nil
	}

	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return AllowlistEntry{}, fmt.Errorf("invalid origin pattern %q: missing scheme", s)
	}
	domain, found := strings.CutPrefix(rest, "*.")
	if !found {
		return AllowlistEntry{}, fmt.Errorf("invalid origin pattern %q: only a leading \"*.\" label is supported", s)
	}
	if strings.ContainsAny(domain, "*/?#@") {
		return AllowlistEntry{}, fmt.Errorf("invalid origin pattern %q: unexpected character after \"*.\"", s)
	}
	host, port, _ := strings.Cut(domain, ":")
	if host == "" {
		return AllowlistEntry{}, fmt.Errorf("invalid origin pattern %q: empty domain", s)
	}

	return AllowlistEntry{
		Kind:   SubdomainPattern,
		Value:  s,
		scheme: strings.ToLower(scheme),
		suffix: "." + strings.ToLower(host),
		port:   port,
	}, nil
}

// Matches reports whether origin is covered by the entry.
func (e AllowlistEntry) Matches(origin string) bool {
	switch e.Kind {
	case Exact:
		return origin == e.Value
	case SubdomainPattern:
		u, ok := parseOrigin(origin)
		if !ok {
			return false
		}
		host := strings.ToLower(u.Hostname())
		return strings.EqualFold(u.Scheme, e.scheme) &&
			u.Port() == e.port &&
			len(host) > len(e.suffix) &&
			strings.HasSuffix(host, e.suffix)
	default:
		return false
	}
}

// parseOrigin accepts only the serialized origin form: scheme, host and
// optional port, nothing else.
func parseOrigin(s string) (*url.URL, bool) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, false
	}
	if u.Scheme == "" || u.Host == "" || u.User != nil {
		return nil, false
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return nil, false
	}
	return u, true
}
