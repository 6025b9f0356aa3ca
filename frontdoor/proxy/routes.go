package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// ErrDuplicatePrefix is returned when two routes claim the same path prefix.
var ErrDuplicatePrefix = errors.New("duplicate route prefix")

// RouteKind selects the fallback used when a route's upstream is unavailable.
type RouteKind string

const (
	// KindAPI routes answer with a JSON error envelope.
	KindAPI RouteKind = "api"
	// KindUI routes answer with the built index page or a self-refreshing HTML page.
	KindUI RouteKind = "ui"
)

// Route maps a path prefix to an upstream.
type Route struct {
	Prefix      string
	Target      *url.URL
	Kind        RouteKind
	StripPrefix bool // Remove Prefix from the path before forwarding.
}

// RouteTable is an immutable set of routes matched by longest prefix.
type RouteTable struct {
	routes []Route
}

// NewRouteTable validates routes and returns a table. Prefixes are normalized to a leading
// slash and no trailing slash.
func NewRouteTable(routes []Route) (*RouteTable, error) {
	seen := make(map[string]bool, len(routes))
	table := make([]Route, 0, len(routes))
	for _, r := range routes {
		r.Prefix = normalizePrefix(r.Prefix)
		if seen[r.Prefix] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePrefix, r.Prefix)
		}
		seen[r.Prefix] = true
		if r.Target == nil || r.Target.Host == "" {
			return nil, fmt.Errorf("route %s: target must be an absolute URL", r.Prefix)
		}
		switch r.Kind {
		case KindAPI, KindUI:
		case "":
			r.Kind = KindUI
		default:
			return nil, fmt.Errorf("route %s: unknown kind %q", r.Prefix, r.Kind)
		}
		table = append(table, r)
	}
	sort.SliceStable(table, func(i, j int) bool {
		return len(table[i].Prefix) > len(table[j].Prefix)
	})
	return &RouteTable{routes: table}, nil
}

func normalizePrefix(prefix string) string {
	prefix = path.Clean("/" + prefix)
	return prefix
}

// Match returns the route with the longest prefix matching p. A prefix matches itself and
// anything below it: /api matches /api and /api/x but not /apiary.
func (rt *RouteTable) Match(p string) (Route, bool) {
	for _, r := range rt.routes {
		if matchPrefix(r.Prefix, p) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns the routes, longest prefix first.
func (rt *RouteTable) Routes() []Route {
	return append([]Route(nil), rt.routes...)
}

func matchPrefix(prefix, p string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

var staticExtensions = map[string]bool{
	".js":   true,
	".css":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".ico":  true,
	".svg":  true,
}

// isStaticAsset reports whether the request path names a static asset by extension.
func isStaticAsset(p string) bool {
	return staticExtensions[strings.ToLower(path.Ext(p))]
}
