package sw

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// TestHarness provides a fluent API for setting up a proxy in front of a
// test origin. Use this in tests to reduce boilerplate setup code.
//
// Example:
//
//	harness := NewTestHarness(t, "v1").
//	    WithOrigin(mux).
//	    WithRemoteHosts("api.example").
//	    Setup()
//	defer harness.Cleanup()
//
//	resp := harness.Get("/app.js")
type TestHarness struct {
	t          *testing.T
	generation string
	proxy      *Proxy
	origin     *httptest.Server

	// Configuration options
	handler      http.Handler
	blobRoot     string
	remoteHosts  []string
	extraOptions []Option

	// Network simulation
	offline      atomic.Bool
	networkCalls atomic.Int64

	// Internal state
	initialized bool
	cleanedUp   bool
}

// NewTestHarness creates a harness for the given generation.
func NewTestHarness(t *testing.T, generation string) *TestHarness {
	return &TestHarness{t: t, generation: generation}
}

// WithOrigin serves the origin with handler. Without it every fetch fails.
func (h *TestHarness) WithOrigin(handler http.Handler) *TestHarness {
	h.handler = handler
	return h
}

// WithBlobRoot keeps stores in a local blob store at dir. Harnesses sharing
// dir behave like replicas sharing remote storage.
func (h *TestHarness) WithBlobRoot(dir string) *TestHarness {
	h.blobRoot = dir
	return h
}

// WithRemoteHosts sets the substrings that classify a URL as a remote API.
func (h *TestHarness) WithRemoteHosts(hosts ...string) *TestHarness {
	h.remoteHosts = append(h.remoteHosts, hosts...)
	return h
}

// WithOptions adds proxy options applied after the harness defaults.
func (h *TestHarness) WithOptions(opts ...Option) *TestHarness {
	h.extraOptions = append(h.extraOptions, opts...)
	return h
}

// Setup starts the origin and builds the proxy.
func (h *TestHarness) Setup() *TestHarness {
	if h.initialized {
		h.t.Fatal("Harness already initialized")
	}

	handler := h.handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	h.origin = httptest.NewServer(handler)

	base := NewHTTPFetcher(h.origin.Client(), 0)
	fetcher := FetcherFunc(func(ctx context.Context, req *http.Request) (*Response, error) {
		h.networkCalls.Add(1)
		if h.offline.Load() {
			return nil, fmt.Errorf("%w: simulated offline", ErrNetworkUnavailable)
		}
		return base.Fetch(ctx, req)
	})

	opts := []Option{
		WithOrigin(h.origin.URL),
		WithFetcher(fetcher),
		WithClassifier(NewClassifier(nil, h.remoteHosts)),
	}
	if h.blobRoot != "" {
		if err := os.MkdirAll(h.blobRoot, 0o755); err != nil {
			h.t.Fatalf("Failed to create blob root: %v", err)
		}
		blob := NewLocalBlobStore(filepath.Clean(h.blobRoot))
		opts = append(opts, WithStoreProvider(NewBlobStoreProvider(blob, "")), WithStateStore(NewBlobLifecycleStateStore(blob)))
	}
	opts = append(opts, h.extraOptions...)

	proxy, err := NewProxy(h.generation, opts...)
	if err != nil {
		h.origin.Close()
		h.t.Fatalf("Failed to create proxy: %v", err)
	}
	h.proxy = proxy
	h.initialized = true
	return h
}

// Cleanup drains background work and stops the origin. Call this with defer
// immediately after Setup().
func (h *TestHarness) Cleanup() {
	if h.cleanedUp {
		return
	}
	if h.proxy != nil {
		_ = h.proxy.Close()
	}
	if h.origin != nil {
		h.origin.Close()
	}
	h.cleanedUp = true
}

func (h *TestHarness) Proxy() *Proxy {
	h.mustBeInitialized()
	return h.proxy
}

// URL returns the absolute origin URL for path.
func (h *TestHarness) URL(path string) string {
	h.mustBeInitialized()
	return h.origin.URL + path
}

// SetOffline makes every fetch fail with ErrNetworkUnavailable.
func (h *TestHarness) SetOffline(offline bool) {
	h.offline.Store(offline)
}

// NetworkCalls counts fetch attempts, including simulated offline ones.
func (h *TestHarness) NetworkCalls() int64 {
	return h.networkCalls.Load()
}

// Get sends a GET for path (or an absolute URL) through the proxy.
func (h *TestHarness) Get(target string) *Response {
	return h.Do(h.newRequest(http.MethodGet, target))
}

// Navigate sends a document navigation for path through the proxy.
func (h *TestHarness) Navigate(target string) *Response {
	req := h.newRequest(http.MethodGet, target)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	return h.Do(req)
}

// Do sends req through the proxy.
func (h *TestHarness) Do(req *http.Request) *Response {
	h.mustBeInitialized()
	return h.proxy.Handle(req.Context(), req)
}

func (h *TestHarness) newRequest(method, target string) *http.Request {
	h.mustBeInitialized()
	if len(target) > 0 && target[0] == '/' {
		target = h.origin.URL + target
	}
	req, err := http.NewRequestWithContext(context.Background(), method, target, nil)
	if err != nil {
		h.t.Fatalf("Failed to build request: %v", err)
	}
	return req
}

func (h *TestHarness) mustBeInitialized() {
	if !h.initialized {
		h.t.Fatal("Harness not initialized. Call Setup() first.")
	}
}
