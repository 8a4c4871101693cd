package routecache

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ericselin/routecache/policy"
	cacheinvalidate "github.com/ericselin/routecache/pkg/cache-invalidate"
	cachekey "github.com/ericselin/routecache/pkg/cache-key"
	cachestatus "github.com/ericselin/routecache/pkg/cache-status"
	tee "github.com/ericselin/routecache/pkg/response-writer-tee"
	"github.com/ericselin/routecache/routing"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// state is what the interceptor does with a single request.
type state string

const (
	// the request goes downstream untouched and nothing is cached
	passThrough state = "pass-through"
	// a stored response is sent, downstream is not invoked
	replaying state = "replaying"
	// the downstream response is buffered and possibly stored
	capturing state = "capturing"
)

// intercept handles a request on a route with an enabled caching policy.
func (c *Cache) intercept(w http.ResponseWriter, r *http.Request, next http.Handler, match routing.Match) {
	ctx, span := c.tracer.Start(r.Context(), "routecache.intercept",
		trace.WithAttributes(
			attribute.String("cache.route.group", match.Route.Group),
			attribute.String("cache.route.handler", match.Route.Handler),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	key, err := c.keyer.Key(r)
	if err != nil {
		c.getLogger(r).Warn().Err(err).Str("path", r.URL.Path).Msg("Could not derive cache key")
		span.SetAttributes(attribute.String("cache.state", string(passThrough)))
		next.ServeHTTP(w, r)
		return
	}
	span.SetAttributes(attribute.String("cache.key", key))
	logger := c.getLogger(r).With().Str("key", key).Logger()

	if c.isInvalidation(r.Method, match.Policy) {
		span.SetAttributes(attribute.String("cache.state", string(passThrough)))
		c.invalidate(w, r, next, key, &logger)
		return
	}

	if body, ok := c.get(ctx, key, &logger); ok {
		span.SetAttributes(attribute.String("cache.state", string(replaying)))
		c.replay(w, r, key, body, &logger)
		return
	}

	span.SetAttributes(attribute.String("cache.state", string(capturing)))
	status := c.capture(w, r, next, key, match.Policy, &logger)
	span.SetAttributes(attribute.Int("http.response.status_code", status))
}

// isInvalidation reports whether a request with this method removes cached responses.
func (c *Cache) isInvalidation(method string, p policy.Policy) bool {
	method = strings.ToUpper(method)
	if method == http.MethodDelete {
		return true
	}
	_, mutating := c.mutating[method]
	return mutating && !p.SafeRead
}

// cacheable reports whether a response with this status may be stored.
func cacheable(status int) bool {
	return status >= 200 && status < 300 &&
		status != http.StatusNoContent && status != http.StatusResetContent
}

func (c *Cache) invalidate(w http.ResponseWriter, r *http.Request, next http.Handler, key string, logger *zerolog.Logger) {
	c.metrics.requests.WithLabelValues(outcomeInvalidate).Inc()
	// removal happens even if the client goes away
	ctx := context.WithoutCancel(r.Context())
	c.remove(ctx, c.keyer.InvalidationKeys(r, key), logger)
	logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Cache invalidated")

	if c.statusHeader {
		cs := cachestatus.CacheStatus{}
		cs.Forward(cachestatus.FwdMethod)
		w.Header().Set(cachestatus.HeaderName, cs.String())
	}
	next.ServeHTTP(w, r)

	for _, inv := range cacheinvalidate.FromResponse(r, w.Header()) {
		keys := make([]string, 0, 4)
		for _, k := range c.keyer.ReadKeys(inv.Path) {
			keys = append(keys, k, cachekey.ContentTypeKey(k))
		}
		path := inv.Path
		if inv.Delay == 0 {
			c.remove(ctx, keys, logger)
			logger.Debug().Str("path", path).Msg("Related path invalidated")
			continue
		}
		time.AfterFunc(inv.Delay, func() {
			c.remove(ctx, keys, logger)
			logger.Debug().Str("path", path).Msg("Related path invalidated")
		})
	}
}

func (c *Cache) replay(w http.ResponseWriter, r *http.Request, key string, body []byte, logger *zerolog.Logger) {
	c.metrics.requests.WithLabelValues(outcomeHit).Inc()
	// a missing content type is tolerated, the body is still sent
	if ct, ok := c.get(r.Context(), cachekey.ContentTypeKey(key), logger); ok && len(ct) > 0 {
		w.Header().Set("Content-Type", string(ct))
	}
	if c.statusHeader {
		cs := cachestatus.CacheStatus{}
		cs.Hit()
		w.Header().Set(cachestatus.HeaderName, cs.String())
	}
	logger.Trace().Str("path", r.URL.Path).Msg("Cache hit")
	if _, err := w.Write(body); err != nil {
		logger.Debug().Err(err).Msg("Could not send cached response")
	}
}

// capture runs downstream against a buffer, stores the response if it is cacheable
// and sends it on. It returns the response status.
// If downstream panics, nothing is stored and nothing is sent.
func (c *Cache) capture(w http.ResponseWriter, r *http.Request, next http.Handler, key string, p policy.Policy, logger *zerolog.Logger) int {
	c.metrics.requests.WithLabelValues(outcomeMiss).Inc()
	rs := tee.NewResponseSaver(w)
	next.ServeHTTP(rs, r)

	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	status := rs.StatusCode()
	switch {
	case !cacheable(status):
		logger.Trace().Int("status", status).Msg("Response not cacheable")
	case r.Context().Err() != nil:
		logger.Debug().Err(r.Context().Err()).Msg("Request cancelled, response not cached")
	default:
		if c.write(r.Context(), key, rs, p, logger) {
			cs.Stored()
		}
	}

	if c.statusHeader {
		w.Header().Set(cachestatus.HeaderName, cs.String())
	}
	if err := rs.Commit(); err != nil {
		logger.Debug().Err(err).Msg("Could not send response")
	}
	return status
}

// write stores the body and the content type of the captured response.
// It reports whether the body was stored.
func (c *Cache) write(ctx context.Context, key string, rs *tee.ResponseSaver, p policy.Policy, logger *zerolog.Logger) bool {
	opts := p.EntryOptions()
	body := rs.Body()
	if err := c.store.Set(ctx, key, body, opts); err != nil {
		c.metrics.storeErrors.WithLabelValues("set").Inc()
		logger.Warn().Err(err).Msg("Could not write response to cache")
		return false
	}

	// the content type entry is not charged against the size limit
	ctOpts := opts
	ctOpts.Size = 0
	ctKey := cachekey.ContentTypeKey(key)
	var err error
	if ct := rs.Header().Get("Content-Type"); ct != "" {
		err = c.store.Set(ctx, ctKey, []byte(ct), ctOpts)
	} else {
		err = c.store.Remove(ctx, ctKey)
	}
	if err != nil {
		c.metrics.storeErrors.WithLabelValues("set").Inc()
		logger.Warn().Err(err).Msg("Could not write content type to cache")
	}

	c.metrics.stores.Inc()
	c.metrics.storedBytes.Add(float64(len(body)))
	logger.Trace().Str("size", humanize.Bytes(uint64(len(body)))).Msg("Cache write")
	return true
}

func (c *Cache) get(ctx context.Context, key string, logger *zerolog.Logger) ([]byte, bool) {
	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.metrics.storeErrors.WithLabelValues("get").Inc()
		logger.Warn().Err(err).Msg("Could not read from cache")
		return nil, false
	}
	return value, ok
}

func (c *Cache) remove(ctx context.Context, keys []string, logger *zerolog.Logger) {
	for _, k := range keys {
		if err := c.store.Remove(ctx, k); err != nil {
			c.metrics.storeErrors.WithLabelValues("remove").Inc()
			logger.Warn().Err(err).Str("entry", k).Msg("Could not remove cache entry")
			continue
		}
		c.metrics.invalidatedKeys.Inc()
	}
}
