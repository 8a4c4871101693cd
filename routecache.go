// Package routecache is an HTTP middleware that caches the responses of routes
// according to the caching policy of the handler each route is dispatched to.
package routecache

import (
	"net/http"
	"strings"

	"github.com/ericselin/routecache/cache"
	cachekey "github.com/ericselin/routecache/pkg/cache-key"
	cachestatus "github.com/ericselin/routecache/pkg/cache-status"
	"github.com/ericselin/routecache/routing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Router resolves a request to its route and the caching policy of the route.
// *routing.Table implements it.
type Router interface {
	Lookup(r *http.Request) (routing.Match, bool)
}

type Config struct {
	// Storage for cache entries.
	// A new MemoryStore is used if nil.
	Store cache.Store
	// Route resolution. Requests are never cached if nil.
	Routes Router
	// Logger to use. A console logger is used if nil.
	// Request-scoped loggers (hlog) take precedence.
	Logger *zerolog.Logger
	// Include the query string in cache keys.
	KeyIncludesQuery bool
	// Methods that invalidate cached responses unless the policy marks them as safe reads.
	// Defaults to PATCH, POST and PUT. DELETE always invalidates.
	MutatingMethods []string
	// Add a Cache-Status header to responses of cached routes.
	StatusHeader bool
	// Register metrics here if not nil.
	Registerer prometheus.Registerer
	// Tracer provider for request spans. The global provider is used if nil.
	TracerProvider trace.TracerProvider
}

type Cache struct {
	store        cache.Store
	routes       Router
	keyer        cachekey.CacheKeyer
	log          zerolog.Logger
	mutating     map[string]struct{}
	statusHeader bool
	metrics      *metrics
	tracer       trace.Tracer
}

var defaultMutatingMethods = []string{http.MethodPatch, http.MethodPost, http.MethodPut}

// New creates the cache middleware instance.
func New(config Config) *Cache {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	store := config.Store
	if store == nil {
		store = cache.NewMemoryStore(cache.MemoryOptions{})
	}

	methods := config.MutatingMethods
	if methods == nil {
		methods = defaultMutatingMethods
	}
	mutating := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		mutating[strings.ToUpper(m)] = struct{}{}
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Cache{
		store:        store,
		routes:       config.Routes,
		keyer:        cachekey.NewCacheKeyer(config.KeyIncludesQuery),
		log:          logger,
		mutating:     mutating,
		statusHeader: config.StatusHeader,
		metrics:      newMetrics(config.Registerer),
		tracer:       tp.Tracer("github.com/ericselin/routecache"),
	}
}

// Middleware wraps next with the cache.
// Requests that do not resolve to a route with an enabled policy are passed through untouched.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.routes == nil {
			next.ServeHTTP(w, r)
			return
		}
		match, ok := c.routes.Lookup(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if !match.HasPolicy || !match.Policy.Enabled {
			c.metrics.requests.WithLabelValues(outcomeBypass).Inc()
			if c.statusHeader && match.HasPolicy {
				cs := cachestatus.CacheStatus{}
				cs.Forward(cachestatus.FwdBypass)
				cs.Detail("disabled")
				w.Header().Set(cachestatus.HeaderName, cs.String())
			}
			next.ServeHTTP(w, r)
			return
		}
		c.intercept(w, r, next, match)
	})
}

// getLogger returns the request logger if the request carries one, otherwise the cache logger.
func (c *Cache) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &c.log
	}
	return logger
}
