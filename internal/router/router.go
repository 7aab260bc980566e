// Package router matches inbound requests to routes. Exact paths go through
// an httprouter tree; prefix routes are checked as a fallback, longest
// prefix first. A router is built once per config apply and never mutated,
// so lookups need no locking.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/relaymesh/relay/internal/errors"
)

// Route is a compiled route entry: the match rule plus the handler that
// serves it.
type Route struct {
	ID         string
	Path       string
	PathPrefix bool
	// Methods is the allowed method set; nil allows all methods.
	Methods map[string]bool
	Handler http.Handler
}

// Allows reports whether the route accepts the method.
func (r *Route) Allows(method string) bool {
	return r.Methods == nil || r.Methods[method]
}

type prefixRoute struct {
	route    *Route
	segments []string
}

// Router dispatches requests to compiled routes.
type Router struct {
	tree     *httprouter.Router
	exact    map[string][]*Route
	prefixes []*prefixRoute
	notFound http.Handler
}

// New creates an empty router.
func New() *Router {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	return &Router{
		tree:  tree,
		exact: make(map[string][]*Route),
		notFound: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			errors.ErrNotFound.WriteJSON(w)
		}),
	}
}

// AddRoute registers a compiled route. Exact routes enter the httprouter
// tree; prefix routes enter the fallback list sorted by segment count so
// the longest prefix wins.
func (rt *Router) AddRoute(route *Route) error {
	if route.Path == "" || !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("router: route %q: path must start with /", route.ID)
	}

	if route.PathPrefix {
		rt.prefixes = append(rt.prefixes, &prefixRoute{
			route:    route,
			segments: splitSegments(route.Path),
		})
		sort.SliceStable(rt.prefixes, func(i, j int) bool {
			return len(rt.prefixes[i].segments) > len(rt.prefixes[j].segments)
		})
		return nil
	}

	if _, exists := rt.exact[route.Path]; !exists {
		path := route.Path
		rt.tree.Handler(http.MethodGet, path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt.serveExact(w, r, path)
		}))
	}
	rt.exact[route.Path] = append(rt.exact[route.Path], route)
	return nil
}

// ServeHTTP matches the request and dispatches to the route's handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The tree is keyed on GET only; method filtering happens per route.
	handle, _, _ := rt.tree.Lookup(http.MethodGet, r.URL.Path)
	if handle != nil {
		handle(w, r, nil)
		return
	}

	rt.servePrefix(w, r)
}

func (rt *Router) serveExact(w http.ResponseWriter, r *http.Request, path string) {
	routes := rt.exact[path]
	for _, route := range routes {
		if route.Allows(r.Method) {
			route.Handler.ServeHTTP(w, r)
			return
		}
	}
	if len(routes) > 0 {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	rt.servePrefix(w, r)
}

func (rt *Router) servePrefix(w http.ResponseWriter, r *http.Request) {
	segments := splitSegments(r.URL.Path)
	methodMismatch := false
	for _, pr := range rt.prefixes {
		if !prefixMatches(pr.segments, segments) {
			continue
		}
		if !pr.route.Allows(r.Method) {
			methodMismatch = true
			continue
		}
		pr.route.Handler.ServeHTTP(w, r)
		return
	}
	if methodMismatch {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	rt.notFound.ServeHTTP(w, r)
}

// Routes returns every registered route, exact first.
func (rt *Router) Routes() []*Route {
	var out []*Route
	for _, routes := range rt.exact {
		out = append(out, routes...)
	}
	for _, pr := range rt.prefixes {
		out = append(out, pr.route)
	}
	return out
}

func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// prefixMatches reports whether want is a segment-wise prefix of got. A
// prefix of /api matches /api and /api/v1 but not /apiary.
func prefixMatches(want, got []string) bool {
	if len(want) > len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}
