// Package routing resolves requests to the handler they are routed to, along with
// the caching policy of that handler.
package routing

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/ericselin/routecache/policy"
	"github.com/go-chi/chi/v5"
)

// Route identifies the handler a request is dispatched to.
type Route struct {
	Group   string
	Handler string
}

// Match is the outcome of resolving a request.
type Match struct {
	Route   Route
	Method  string
	Pattern string
	// Policy is meaningful only if HasPolicy is true.
	Policy    policy.Policy
	HasPolicy bool
}

type matchKey struct{}

// Table maps method and path patterns to routes.
// Policies are resolved once, when a route is registered.
// Patterns use chi syntax, e.g. `/items/{id}`.
type Table struct {
	mutex    sync.RWMutex
	mux      *chi.Mux
	policies *policy.Table
	routes   []Match
}

func NewTable(policies *policy.Table) *Table {
	if policies == nil {
		policies = policy.NewTable()
	}
	mux := chi.NewMux()
	mux.NotFound(func(http.ResponseWriter, *http.Request) {})
	mux.MethodNotAllowed(func(http.ResponseWriter, *http.Request) {})
	return &Table{
		mux:      mux,
		policies: policies,
	}
}

// Handle registers route for requests matching method and pattern.
func (t *Table) Handle(method, pattern string, route Route) Match {
	p, ok := t.policies.Resolve(route.Group, route.Handler)
	match := Match{
		Route:     route,
		Method:    strings.ToUpper(method),
		Pattern:   pattern,
		Policy:    p,
		HasPolicy: ok,
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.mux.MethodFunc(method, pattern, func(_ http.ResponseWriter, r *http.Request) {
		if m, ok := r.Context().Value(matchKey{}).(*Match); ok {
			*m = match
		}
	})
	t.routes = append(t.routes, match)
	return match
}

// Register routes method and pattern to h on router and records route in the table.
func (t *Table) Register(router chi.Router, method, pattern string, route Route, h http.HandlerFunc) Match {
	router.MethodFunc(method, pattern, h)
	return t.Handle(method, pattern, route)
}

// Lookup resolves the request against the table.
// The request itself is not modified.
func (t *Table) Lookup(r *http.Request) (Match, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if len(t.routes) == 0 {
		return Match{}, false
	}
	found := &Match{}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext())
	ctx = context.WithValue(ctx, matchKey{}, found)
	probe := r.WithContext(ctx)
	probe.Method = strings.ToUpper(probe.Method)
	t.mux.ServeHTTP(discard{}, probe)
	if found.Pattern == "" {
		return Match{}, false
	}
	return *found, true
}

// Routes returns all registered routes with their resolved policies, in registration order.
func (t *Table) Routes() []Match {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	routes := make([]Match, len(t.routes))
	copy(routes, t.routes)
	return routes
}

type discard struct{}

func (discard) Header() http.Header         { return http.Header{} }
func (discard) Write(b []byte) (int, error) { return len(b), nil }
func (discard) WriteHeader(int)             {}
