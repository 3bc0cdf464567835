package telesession

import (
	"log/slog"
	"slices"
	"sync"
)

// HandlerFunc is the function signature for route handlers.
type HandlerFunc func(ctx *Context) error

// Route pairs a matcher with a handler.
type Route struct {
	matcher Matcher
	handler HandlerFunc
}

// Matcher returns the route's matcher.
func (r *Route) Matcher() Matcher {
	return r.matcher
}

// RouteController holds a session's ordered routes. The first route whose
// matcher accepts an update is the only one executed.
type RouteController struct {
	mu     sync.RWMutex
	routes []*Route
	logger *slog.Logger
}

// NewRouteController creates an empty controller.
func NewRouteController(logger *slog.Logger) *RouteController {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteController{logger: logger}
}

// Register appends a route. Routes are tried in registration order.
func (rc *RouteController) Register(m Matcher, fn HandlerFunc) *Route {
	r := &Route{matcher: m, handler: fn}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.routes = append(slices.Clip(rc.routes), r)
	return r
}

// Remove deletes a route. It reports whether the route was registered.
func (rc *RouteController) Remove(r *Route) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	i := slices.Index(rc.routes, r)
	if i < 0 {
		return false
	}
	rc.routes = slices.Delete(slices.Clone(rc.routes), i, i+1)
	return true
}

// Clear removes all routes.
func (rc *RouteController) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.routes = nil
}

// Len returns the number of routes.
func (rc *RouteController) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.routes)
}

// Route runs the first matching route for the context's update and reports
// whether one matched. A handler error is logged; the route still counts as
// executed.
func (rc *RouteController) Route(ctx *Context) bool {
	return rc.RouteRequest(ctx, ctx.update.Kind())
}

// RouteRequest is like Route but matches as if the update had the given kind.
func (rc *RouteController) RouteRequest(ctx *Context, kind Kind) bool {
	if kind == KindUnknown {
		return false
	}

	rc.mu.RLock()
	routes := rc.routes
	rc.mu.RUnlock()

	u := ctx.update
	for _, r := range routes {
		if len(r.matcher.kinds) > 0 && !slices.Contains(r.matcher.kinds, kind) {
			continue
		}
		text, _ := u.Text()
		m, ok := r.matcher.match(u, text)
		if !ok {
			continue
		}

		ctx.args = m.args
		ctx.groups = m.groups
		if err := r.handler(ctx); err != nil {
			rc.logger.Error("route handler error",
				"route", r.matcher.String(),
				"kind", kind.String(),
				"error", err)
		}
		return true
	}

	return false
}
