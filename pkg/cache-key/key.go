package cachekey

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
)

const contentTypeSuffix = ":content-type"

// readMethods are the methods whose stored responses are dropped when
// a request to the same path invalidates the cache.
var readMethods = []string{http.MethodGet, http.MethodHead}

type CacheKeyer struct {
	// Hash the raw query together with the path.
	// By default only the path takes part in the key.
	IncludeQuery bool
}

func NewCacheKeyer(includeQuery bool) CacheKeyer {
	return CacheKeyer{IncludeQuery: includeQuery}
}

// Key returns the fingerprint of the request: the uppercase hex sha256 of
// the path, the method and the raw body, in that order.
// The request body is consumed and replaced with an equivalent reader,
// so it can still be read downstream.
func (c CacheKeyer) Key(r *http.Request) (string, error) {
	body, err := readBody(r)
	if err != nil {
		return "", err
	}
	return c.KeyFor(r.Method, c.path(r), body), nil
}

// KeyFor is the fingerprint of a request with the given method, path and body.
func (c CacheKeyer) KeyFor(method, path string, body []byte) string {
	h := sha256.New()
	io.WriteString(h, path)
	io.WriteString(h, method)
	h.Write(body)
	return fmt.Sprintf("%X", h.Sum(nil))
}

// ReadKeys returns the keys that bodiless GET and HEAD requests to path map to.
func (c CacheKeyer) ReadKeys(path string) []string {
	keys := make([]string, 0, len(readMethods))
	for _, method := range readMethods {
		keys = append(keys, c.KeyFor(method, path, nil))
	}
	return keys
}

// InvalidationKeys returns every entry key that an invalidating request must remove:
// the request's own key and the read keys of its path, each with its content type key.
func (c CacheKeyer) InvalidationKeys(r *http.Request, key string) []string {
	keys := []string{key, ContentTypeKey(key)}
	for _, k := range c.ReadKeys(c.path(r)) {
		if k == key {
			continue
		}
		keys = append(keys, k, ContentTypeKey(k))
	}
	return keys
}

// ContentTypeKey returns the key of the entry holding the content type
// of the response stored under key.
func ContentTypeKey(key string) string {
	return key + contentTypeSuffix
}

func (c CacheKeyer) path(r *http.Request) string {
	if c.IncludeQuery {
		return r.URL.RequestURI()
	}
	return r.URL.Path
}

// readBody reads the request body, if any, and rewinds it.
// A body of unknown length (chunked) is read as well.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		// put back what was read so downstream sees the same stream
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
		return nil, fmt.Errorf("read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}
