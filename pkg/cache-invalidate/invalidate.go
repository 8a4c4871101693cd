package cacheinvalidate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const HeaderName = "Cache-Invalidate"

var delayDirective = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// Invalidation represents a single `Cache-Invalidate` entry.
type Invalidation struct {
	// Fully resolved relative path to the resource.
	// Equivalent to `url.URL.Path`.
	Path string
	// Invalidate after this duration instead of immediately.
	Delay time.Duration
}

// FromResponse gets the invalidations listed in the response header of an unsafe request.
// The incoming request is used in order to resolve potentially relative paths.
func FromResponse(req *http.Request, header http.Header) []Invalidation {
	if !unsafeMethod(req.Method) {
		return nil
	}
	values := header.Values(HeaderName)
	if len(values) == 0 {
		return nil
	}
	invalidations := make([]Invalidation, 0, len(values))
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			path := strings.TrimSpace(strings.Split(entry, ";")[0])
			if path == "" {
				continue
			}
			invalidations = append(invalidations, Invalidation{
				Path:  resolve(req, path).Path,
				Delay: getDelay(entry),
			})
		}
	}
	return invalidations
}

func resolve(r *http.Request, path string) *url.URL {
	return r.URL.ResolveReference(&url.URL{Path: path})
}

// getDelay returns the `delay=N` directive as a duration, where N is the number of seconds to wait.
// If no delay directive is found, it returns 0.
func getDelay(entry string) time.Duration {
	if matches := delayDirective.FindStringSubmatch(entry); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}

func unsafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}
