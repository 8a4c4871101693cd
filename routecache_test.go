package routecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericselin/routecache/cache"
	"github.com/ericselin/routecache/policy"
	cachekey "github.com/ericselin/routecache/pkg/cache-key"
	"github.com/ericselin/routecache/routing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var allMethods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE"}

// routesWithPolicy routes every path and method to a single handler with policy p.
func routesWithPolicy(p policy.Policy) *routing.Table {
	policies := policy.NewTable()
	policies.DeclareGroup("test", p)
	table := routing.NewTable(policies)
	for _, m := range allMethods {
		table.Handle(m, "/*", routing.Route{Group: "test", Handler: "Handler"})
	}
	return table
}

func newCache(config Config) *Cache {
	if config.Logger == nil {
		nop := zerolog.Nop()
		config.Logger = &nop
	}
	if config.Routes == nil {
		config.Routes = routesWithPolicy(policy.Policy{Enabled: true})
	}
	return New(config)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMiddlewareReturnsResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()

	newCache(Config{}).Middleware(handler).ServeHTTP(rr, req)

	if body, err := io.ReadAll(rr.Result().Body); err != nil || fmt.Sprintf("%s", body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
}

func TestMiddlewareReturnsSecondRequestFromCache(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("Hello world"))
	})
	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	mw := newCache(Config{}).Middleware(handler)

	mw.ServeHTTP(httptest.NewRecorder(), req)
	mw.ServeHTTP(rr, req)

	if handleCount != 1 {
		t.Fatalf("Next handler called %d times", handleCount)
	}
	if body, err := io.ReadAll(rr.Result().Body); err != nil || fmt.Sprintf("%s", body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
}

func TestCacheHeaders(t *testing.T) {
	var handleCount int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Add("content-type", "text/test")
		w.Write([]byte("Hello world"))
	})
	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	mw := newCache(Config{}).Middleware(handler)

	mw.ServeHTTP(httptest.NewRecorder(), req)
	mw.ServeHTTP(rr, req)

	if handleCount != 1 {
		t.Fatalf("Next handler called %d times", handleCount)
	}
	if ct := rr.Result().Header.Get("content-type"); ct != "text/test" {
		body, _ := io.ReadAll(rr.Result().Body)
		t.Fatalf("Content-Type header is %s with body %s", ct, body)
	}
}

func TestInvalidationOnDelete(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1}]`))
	})
	mw := newCache(Config{}).Middleware(handler)

	first := httptest.NewRecorder()
	mw.ServeHTTP(first, httptest.NewRequest("GET", "/items", nil))
	second := httptest.NewRecorder()
	mw.ServeHTTP(second, httptest.NewRequest("GET", "/items", nil))
	if handleCount != 1 {
		t.Fatalf("Handler called %d times, expected 1", handleCount)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("Bodies differ: %s != %s", first.Body.String(), second.Body.String())
	}
	if ct := second.Result().Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %s", ct)
	}

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("DELETE", "/items", nil))
	if handleCount != 2 {
		t.Fatalf("Handler called %d times, expected DELETE to reach it", handleCount)
	}

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/items", nil))
	if handleCount != 3 {
		t.Fatalf("Handler called %d times, expected GET after DELETE to reach it", handleCount)
	}
}

func TestMutatingMethodsInvalidate(t *testing.T) {
	for _, method := range []string{"POST", "PUT", "PATCH", "post", "DELETE"} {
		t.Run(method, func(t *testing.T) {
			handleCount := 0
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handleCount++
				w.Write([]byte(r.Method))
			})
			mw := newCache(Config{}).Middleware(handler)

			mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/items", nil))
			mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/items", nil))
			mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/items", nil))
			if handleCount != 3 {
				t.Fatalf("Handler called %d times, %s responses must not be cached", handleCount, method)
			}
			rr := httptest.NewRecorder()
			mw.ServeHTTP(rr, httptest.NewRequest("GET", "/items", nil))
			if handleCount != 4 || rr.Body.String() != "GET" {
				t.Fatalf("Handler called %d times with body %s", handleCount, rr.Body.String())
			}
		})
	}
}

func TestSafeReadCachesByBody(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		body, _ := io.ReadAll(r.Body)
		w.Write([]byte("results for " + string(body)))
	})
	mw := newCache(Config{Routes: routesWithPolicy(policy.Policy{Enabled: true, SafeRead: true})}).Middleware(handler)
	post := func(body string) string {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest("POST", "/search", strings.NewReader(body)))
		return rr.Body.String()
	}

	if got := post("a"); got != "results for a" {
		t.Fatalf("Body is %s", got)
	}
	if got := post("a"); got != "results for a" || handleCount != 1 {
		t.Fatalf("Handler called %d times, body %s", handleCount, got)
	}
	if got := post("b"); got != "results for b" || handleCount != 2 {
		t.Fatalf("Handler called %d times, body %s", handleCount, got)
	}
}

func TestSafeReadStillInvalidatesOnDelete(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("ok"))
	})
	mw := newCache(Config{Routes: routesWithPolicy(policy.Policy{Enabled: true, SafeRead: true})}).Middleware(handler)

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/items", nil))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("DELETE", "/items", nil))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("DELETE", "/items", nil))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/items", nil))
	if handleCount != 4 {
		t.Fatalf("Handler called %d times", handleCount)
	}
}

// Invalidation removes the read keys of the path. Safe reads keyed by a body stay cached.
func TestDeleteKeepsSafeReadsWithBody(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("ok"))
	})
	mw := newCache(Config{Routes: routesWithPolicy(policy.Policy{Enabled: true, SafeRead: true})}).Middleware(handler)

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/search", strings.NewReader("a")))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("DELETE", "/search", nil))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/search", strings.NewReader("a")))
	if handleCount != 2 {
		t.Fatalf("Handler called %d times", handleCount)
	}
}

func TestBodyAvailableDownstream(t *testing.T) {
	var received string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		w.Write([]byte("ok"))
	})
	for _, safeRead := range []bool{true, false} {
		received = ""
		mw := newCache(Config{Routes: routesWithPolicy(policy.Policy{Enabled: true, SafeRead: safeRead})}).Middleware(handler)
		mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/items", strings.NewReader(`{"name":"x"}`)))
		if received != `{"name":"x"}` {
			t.Fatalf("Downstream received %q (safe read %v)", received, safeRead)
		}
	}
}

func TestCacheOnlySuccess(t *testing.T) {
	tests := []struct {
		status int
		cached bool
	}{
		{http.StatusOK, true},
		{http.StatusCreated, true},
		{http.StatusAccepted, true},
		{http.StatusNonAuthoritativeInfo, true},
		{http.StatusPartialContent, true},
		{http.StatusNoContent, false},
		{http.StatusResetContent, false},
		{http.StatusMovedPermanently, false},
		{http.StatusNotModified, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			handleCount := 0
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handleCount++
				w.WriteHeader(tt.status)
			})
			mw := newCache(Config{}).Middleware(handler)
			rr := httptest.NewRecorder()
			mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
			mw.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

			wantCount := 2
			if tt.cached {
				wantCount = 1
			}
			if handleCount != wantCount {
				t.Fatalf("Handler called %d times, expected %d", handleCount, wantCount)
			}
			if !tt.cached && rr.Code != tt.status {
				t.Fatalf("Status is %d", rr.Code)
			}
		})
	}
}

func TestExpiration(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte(fmt.Sprintf("Called %d times", handleCount)))
	})
	mw := newCache(Config{
		Store:  cache.NewMemoryStore(cache.MemoryOptions{Clock: clock.Now}),
		Routes: routesWithPolicy(policy.Policy{Enabled: true, ExpiresAfter: time.Second}),
	}).Middleware(handler)

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	clock.Advance(500 * time.Millisecond)
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if handleCount != 1 {
		t.Fatalf("Handler called %d times before expiry", handleCount)
	}
	clock.Advance(1500 * time.Millisecond)
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if handleCount != 2 || rr.Body.String() != "Called 2 times" {
		t.Fatalf("Handler called %d times after expiry, body %s", handleCount, rr.Body.String())
	}
}

func TestSlidingExpiration(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("ok"))
	})
	mw := newCache(Config{
		Store:  cache.NewMemoryStore(cache.MemoryOptions{Clock: clock.Now}),
		Routes: routesWithPolicy(policy.Policy{Enabled: true, SlidingExpiration: 10 * time.Second}),
	}).Middleware(handler)

	for i := 0; i < 4; i++ {
		mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
		clock.Advance(8 * time.Second)
	}
	if handleCount != 1 {
		t.Fatalf("Handler called %d times while entry was read", handleCount)
	}
	clock.Advance(10 * time.Second)
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if handleCount != 2 {
		t.Fatalf("Handler called %d times after idle period", handleCount)
	}
}

func TestBinaryBodyRoundTrip(t *testing.T) {
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	})
	mw := newCache(Config{}).Middleware(handler)
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/blob", nil))
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest("GET", "/blob", nil))
	if got := rr.Body.Bytes(); string(got) != string(payload) {
		t.Fatalf("Replayed body differs, %d bytes", len(got))
	}
}

func TestMissingContentTypeIsTolerated(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	key := cachekey.NewCacheKeyer(false).KeyFor("GET", "/page", nil)
	store.Set(context.Background(), key, []byte("stored"), cache.EntryOptions{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("Handler must not be called on a hit")
	})
	rr := httptest.NewRecorder()
	newCache(Config{Store: store}).Middleware(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/page", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "stored" {
		t.Fatalf("Status %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestUnmatchedRoutePassesThrough(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("ok"))
	})
	policies := policy.NewTable()
	policies.DeclareGroup("items", policy.Policy{Enabled: true})
	table := routing.NewTable(policies)
	table.Handle("GET", "/items", routing.Route{Group: "items", Handler: "List"})
	table.Handle("GET", "/other", routing.Route{Group: "other", Handler: "List"})
	mw := newCache(Config{Routes: table, StatusHeader: true}).Middleware(handler)

	for _, path := range []string{"/unknown", "/other"} {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		mw.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		if h := rr.Result().Header.Get("Cache-Status"); h != "" {
			t.Fatalf("Cache-Status on %s is %s", path, h)
		}
	}
	if handleCount != 4 {
		t.Fatalf("Handler called %d times", handleCount)
	}

	mw = New(Config{}).Middleware(handler)
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/items", nil))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/items", nil))
	if handleCount != 6 {
		t.Fatalf("Handler called %d times without routes", handleCount)
	}
}

func TestDisabledPolicyPassesThrough(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("ok"))
	})
	mw := newCache(Config{
		Routes:       routesWithPolicy(policy.Policy{Enabled: false, ExpiresAfter: time.Hour}),
		StatusHeader: true,
	}).Middleware(handler)

	rr := httptest.NewRecorder()
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	mw.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if handleCount != 2 {
		t.Fatalf("Handler called %d times", handleCount)
	}
	if h := rr.Result().Header.Get("Cache-Status"); h != "RouteCache; fwd=bypass; detail=disabled" {
		t.Fatalf("Cache-Status is %s", h)
	}
}

func TestCacheStatusHeader(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mw := newCache(Config{StatusHeader: true}).Middleware(handler)
	steps := []struct {
		method string
		want   string
	}{
		{"GET", "RouteCache; fwd=uri-miss; stored"},
		{"GET", "RouteCache; hit"},
		{"DELETE", "RouteCache; fwd=method"},
		{"GET", "RouteCache; fwd=uri-miss; stored"},
	}
	for i, step := range steps {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest(step.method, "/status", nil))
		if h := rr.Result().Header.Get("Cache-Status"); h != step.want {
			t.Fatalf("Step %d: Cache-Status is %q, expected %q", i, h, step.want)
		}
	}
}

func TestPanicPropagates(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		panic("handler failed")
	})
	mw := newCache(Config{Store: store}).Middleware(handler)
	rr := httptest.NewRecorder()

	func() {
		defer func() {
			if recovered := recover(); recovered != "handler failed" {
				t.Fatalf("Recovered %v", recovered)
			}
		}()
		mw.ServeHTTP(rr, httptest.NewRequest("GET", "/boom", nil))
	}()

	if rr.Body.Len() != 0 {
		t.Fatalf("Partial body reached the client: %s", rr.Body.String())
	}
	// the writer is still usable by outer recovery
	rr.WriteHeader(http.StatusInternalServerError)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Status is %d", rr.Code)
	}
	if store.Len() != 0 {
		t.Fatalf("Store holds %d entries", store.Len())
	}
}

func TestCancelledRequestIsNotStored(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		// the client goes away while the response is produced
		cancel()
		w.Write([]byte("ok"))
	})
	mw := newCache(Config{Store: store}).Middleware(handler)

	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil).WithContext(ctx))
	if store.Len() != 0 {
		t.Fatalf("Store holds %d entries after cancelled request", store.Len())
	}
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if handleCount != 2 {
		t.Fatalf("Handler called %d times", handleCount)
	}
}

type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errStoreDown
}

func (failingStore) Set(context.Context, string, []byte, cache.EntryOptions) error {
	return errStoreDown
}

func (failingStore) Remove(context.Context, string) error {
	return errStoreDown
}

func TestStoreFailuresDoNotFailRequests(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("ok"))
	})
	c := newCache(Config{Store: failingStore{}})
	mw := c.Middleware(handler)

	for _, method := range []string{"GET", "GET", "DELETE"} {
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, httptest.NewRequest(method, "/", nil))
		if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
			t.Fatalf("%s: status %d, body %s", method, rr.Code, rr.Body.String())
		}
	}
	if handleCount != 3 {
		t.Fatalf("Handler called %d times", handleCount)
	}
	if n := testutil.ToFloat64(c.metrics.storeErrors.WithLabelValues("set")); n != 2 {
		t.Fatalf("Set errors counted %v", n)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newCache(Config{Registerer: reg})
	mw := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("12345"))
	}))
	for _, method := range []string{"GET", "GET", "GET", "DELETE"} {
		mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/", nil))
	}

	expect := map[string]float64{
		outcomeHit:        2,
		outcomeMiss:       1,
		outcomeInvalidate: 1,
	}
	for outcome, want := range expect {
		if got := testutil.ToFloat64(c.metrics.requests.WithLabelValues(outcome)); got != want {
			t.Fatalf("%s counted %v, expected %v", outcome, got, want)
		}
	}
	if got := testutil.ToFloat64(c.metrics.storedBytes); got != 5 {
		t.Fatalf("Stored bytes %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "routecache_requests_total"); err != nil || n != 3 {
		t.Fatalf("Gathered %d series, err %v", n, err)
	}
}

func TestCacheInvalidateHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Cache-Invalidate", "/count")
		w.Write([]byte("Hello world"))
	})
	var handleCount int
	mux.HandleFunc("/count", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte(fmt.Sprintf("Called %d times", handleCount)))
	})
	mw := newCache(Config{}).Middleware(mux)
	req, _ := http.NewRequest("POST", "/update", nil)
	countReq, _ := http.NewRequest("GET", "/count", nil)

	rr := httptest.NewRecorder()

	mw.ServeHTTP(httptest.NewRecorder(), countReq)
	mw.ServeHTTP(httptest.NewRecorder(), countReq)
	mw.ServeHTTP(httptest.NewRecorder(), req)
	mw.ServeHTTP(rr, countReq)

	if body, err := io.ReadAll(rr.Result().Body); err != nil || fmt.Sprintf("%s", body) != "Called 2 times" {
		t.Fatalf("Body is %s", body)
	}
}

func TestConcurrentRequests(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("body of " + r.URL.Path))
	})
	mw := newCache(Config{}).Middleware(handler)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/items/%d", i%5)
			method := "GET"
			if i%7 == 0 {
				method = "DELETE"
			}
			rr := httptest.NewRecorder()
			mw.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
			if rr.Body.String() != "body of "+path {
				t.Errorf("Body of %s is %s", path, rr.Body.String())
			}
		}(i)
	}
	wg.Wait()
}

func TestChiMiddleware(t *testing.T) {
	listLength := 0
	policies := policy.NewTable()
	policies.DeclareGroup("list", policy.Policy{Enabled: true, ExpiresAfter: time.Minute})
	table := routing.NewTable(policies)

	r := chi.NewRouter()
	r.Use(newCache(Config{Routes: table}).Middleware)
	table.Register(r, "GET", "/chi", routing.Route{Group: "list", Handler: "Get"},
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(fmt.Sprintf("List %d items", listLength)))
		})
	table.Register(r, "POST", "/chi", routing.Route{Group: "list", Handler: "Add"},
		func(w http.ResponseWriter, r *http.Request) {
			listLength++
			w.Write([]byte("post"))
		})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/chi", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/chi", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/chi", nil))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/chi", nil))

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("Status code is %d", rec.Result().StatusCode)
	}
	if rec.Body.String() != "List 1 items" {
		t.Fatalf("body is %s", rec.Body.String())
	}
}
