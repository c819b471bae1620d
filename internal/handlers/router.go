package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/joaosutil/pede-ai2/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// Middleware is the chi/net/http middleware shape used throughout the router.
type Middleware = func(http.Handler) http.Handler

const (
	apiPrefix             = "/api/v1"
	defaultRequestTimeout = 60 * time.Second
)

// Route groups mounted under the API prefix. A group without a registrar answers 501 so clients
// can tell a disabled surface (payments without a gateway key) from a typo.
const (
	GroupOrders   = "/orders"
	GroupPayments = "/payments"
	GroupAdmin    = "/admin"
	GroupWebhooks = "/webhooks"
	GroupInternal = "/internal"
)

var knownGroups = []string{GroupOrders, GroupPayments, GroupAdmin, GroupWebhooks, GroupInternal}

type routeGroup struct {
	routes      RouteRegistrar
	middlewares []Middleware
}

type routerConfig struct {
	timeout     time.Duration
	middlewares []Middleware
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

// Option customises the router before construction.
type Option func(*routerConfig)

func (c *routerConfig) group(path string) *routeGroup {
	path = "/" + strings.Trim(path, "/")
	g, ok := c.groups[path]
	if !ok {
		g = &routeGroup{}
		c.groups[path] = g
	}
	return g
}

// NewRouter builds the API router: probes at the root and every route group under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		timeout: defaultRequestTimeout,
		groups:  make(map[string]*routeGroup, len(knownGroups)),
	}
	for _, path := range knownGroups {
		cfg.group(path)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	if cfg.timeout > 0 {
		r.Use(middleware.Timeout(cfg.timeout))
	}
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for path, g := range cfg.groups {
			api.Route(path, func(sub chi.Router) {
				for _, mw := range g.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if g.routes == nil {
					disabledGroup(sub, strings.TrimPrefix(path, "/"))
					return
				}
				g.routes(sub)
			})
		}
	})
	return r
}

// WithMiddlewares appends router-wide middleware. It runs after request id, real ip and timeout.
func WithMiddlewares(mw ...Middleware) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithRequestTimeout bounds handler execution; zero or less disables the timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		cfg.timeout = d
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithGroup mounts routes under /api/v1/<path>. Middleware passed here applies to the group only
// and accumulates with earlier WithGroupMiddlewares calls.
func WithGroup(path string, routes RouteRegistrar, mw ...Middleware) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(path)
		g.routes = routes
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithGroupMiddlewares adds middleware to a group without changing its routes.
func WithGroupMiddlewares(path string, mw ...Middleware) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(path)
		g.middlewares = append(g.middlewares, mw...)
	}
}

func disabledGroup(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes are not enabled", http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
