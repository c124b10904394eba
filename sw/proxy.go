package sw

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Proxy is the offline caching and synchronization proxy for one
// generation. Every intercepted request goes through Handle.
type Proxy struct {
	Generation string

	classifier *Classifier
	fetcher    Fetcher
	stores     *StoreManager
	hub        *Hub
	lifecycle  *Lifecycle
	syncBridge *SyncBridge
	metrics    AppMetrics
	logger     *slog.Logger
	conn       *connectivityTracker

	origin   string
	rootPath string
	rootKey  string

	revalidations     singleflight.Group
	revalidateTimeout time.Duration

	bgMu   sync.Mutex
	bg     sync.WaitGroup
	closed bool

	// option values consumed by NewProxy
	provider     StoreProvider
	maxEntries   int
	stateStore   LifecycleStateStore
	leaseManager TransitionLeaseManager
	leaseTTL     time.Duration
	queueSlot    QueueSlot
	syncTags     []string
	coreFiles    []string
	scope        string
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithFetcher sets the network fetcher. Do not pass a fetcher whose client
// uses p.Transport(); it would loop.
func WithFetcher(f Fetcher) Option {
	return func(p *Proxy) {
		if f != nil {
			p.fetcher = f
		}
	}
}

// WithStoreProvider sets where cache stores live.
func WithStoreProvider(provider StoreProvider) Option {
	return func(p *Proxy) {
		if provider != nil {
			p.provider = provider
		}
	}
}

// WithClassifier replaces the default request classifier.
func WithClassifier(c *Classifier) Option {
	return func(p *Proxy) {
		if c != nil {
			p.classifier = c
		}
	}
}

// WithMaxEntries sets the per-store entry limit.
func WithMaxEntries(n int) Option {
	return func(p *Proxy) {
		p.maxEntries = n
	}
}

// WithOrigin sets the base URL that relative core files and the root
// document resolve against.
func WithOrigin(origin string) Option {
	return func(p *Proxy) {
		p.origin = strings.TrimSpace(origin)
	}
}

// WithRootDocument sets the path of the document served to navigations.
func WithRootDocument(path string) Option {
	return func(p *Proxy) {
		if strings.TrimSpace(path) != "" {
			p.rootPath = path
		}
	}
}

// WithCoreFiles sets the files precached on install.
func WithCoreFiles(files []string) Option {
	return func(p *Proxy) {
		p.coreFiles = append([]string(nil), files...)
	}
}

// WithHub shares a message hub with the host.
func WithHub(h *Hub) Option {
	return func(p *Proxy) {
		if h != nil {
			p.hub = h
		}
	}
}

// WithStateStore sets where the lifecycle record is persisted.
func WithStateStore(s LifecycleStateStore) Option {
	return func(p *Proxy) {
		p.stateStore = s
	}
}

// WithLeaseManager sets the lifecycle transition lease manager.
func WithLeaseManager(m TransitionLeaseManager) Option {
	return func(p *Proxy) {
		p.leaseManager = m
	}
}

// WithLeaseTTL sets the TTL of transition leases.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(p *Proxy) {
		p.leaseTTL = ttl
	}
}

// WithScope names the lifecycle record shared by replicas of one deployment.
func WithScope(scope string) Option {
	return func(p *Proxy) {
		p.scope = strings.TrimSpace(scope)
	}
}

// WithQueueSlot sets the persisted offline queue.
func WithQueueSlot(slot QueueSlot) Option {
	return func(p *Proxy) {
		if slot != nil {
			p.queueSlot = slot
		}
	}
}

// WithSyncTags sets the sync identifiers the bridge answers to. The first
// tag fires automatically when connectivity returns.
func WithSyncTags(tags ...string) Option {
	return func(p *Proxy) {
		p.syncTags = append([]string(nil), tags...)
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m AppMetrics) Option {
	return func(p *Proxy) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithRevalidateTimeout bounds each background document refresh. By default
// a refresh is only bounded by the fetcher.
func WithRevalidateTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.revalidateTimeout = d
		}
	}
}

// NewProxy creates a proxy for generation. Without options it keeps stores
// and the queue in memory and fetches with http.DefaultClient.
func NewProxy(generation string, opts ...Option) (*Proxy, error) {
	generation = strings.TrimSpace(generation)
	if generation == "" {
		return nil, fmt.Errorf("generation cannot be empty")
	}

	p := &Proxy{
		Generation: generation,
		classifier: NewClassifier(nil, nil),
		fetcher:    NewHTTPFetcher(nil, 0),
		hub:        NewHub(0),
		metrics:    NoopAppMetrics{},
		logger:     slog.Default(),
		conn:       newConnectivityTracker(),
		rootPath:   "/",
		provider:   NewMemoryStoreProvider(),
		maxEntries: DefaultMaxEntries,
		queueSlot:  NewMemoryQueueSlot(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	rootURL, err := p.resolve(p.rootPath)
	if err != nil {
		return nil, fmt.Errorf("root document: %w", err)
	}
	p.rootKey = RequestDescriptor{Method: http.MethodGet, URL: rootURL}.Key()

	coreURLs := make([]string, 0, len(p.coreFiles))
	for _, f := range p.coreFiles {
		u, err := p.resolve(f)
		if err != nil {
			return nil, fmt.Errorf("core file %q: %w", f, err)
		}
		coreURLs = append(coreURLs, u)
	}

	p.stores = NewStoreManager(p.provider, generation, p.maxEntries, p.logger)
	p.syncBridge = NewSyncBridge(p.queueSlot, p.hub, p.syncTags, p.logger, p.metrics)
	p.lifecycle = NewLifecycle(LifecycleConfig{
		Version:   generation,
		Scope:     p.scope,
		CoreFiles: coreURLs,
		Stores:    p.stores,
		Fetcher:   FetcherFunc(p.fetch),
		Hub:       p.hub,
		State:     p.stateStore,
		Leases:    p.leaseManager,
		LeaseTTL:  p.leaseTTL,
		Logger:    p.logger,
		Metrics:   p.metrics,
		Spawn:     func(fn func()) { p.goBackground(fn) },
	})
	return p, nil
}

// resolve turns a path into an absolute URL against the origin. Absolute
// inputs pass through.
func (p *Proxy) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if p.origin == "" {
		return u.String(), nil
	}
	base, err := url.Parse(p.origin)
	if err != nil {
		return "", fmt.Errorf("origin: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

func (p *Proxy) Stores() *StoreManager   { return p.stores }
func (p *Proxy) Hub() *Hub               { return p.hub }
func (p *Proxy) Lifecycle() *Lifecycle   { return p.lifecycle }
func (p *Proxy) SyncBridge() *SyncBridge { return p.syncBridge }
func (p *Proxy) QueueSlot() QueueSlot    { return p.queueSlot }
func (p *Proxy) Metrics() AppMetrics     { return p.metrics }
func (p *Proxy) RootKey() string         { return p.rootKey }
func (p *Proxy) Origin() string          { return p.origin }

// Online reports the connectivity seen by the last fetch and when it changed.
func (p *Proxy) Online() (bool, time.Time) {
	return p.conn.state()
}

// Handle classifies req and runs its strategy. It always returns a
// response: network failures come back as responses marked with
// OfflineHeader.
func (p *Proxy) Handle(ctx context.Context, req *http.Request) *Response {
	start := time.Now()
	desc := DescribeRequest(req)
	strategy := p.classifier.Classify(desc)

	var (
		resp    *Response
		outcome string
	)
	switch strategy {
	case Static:
		resp, outcome = p.cacheFirst(ctx, req, desc)
	case RemoteAPI:
		resp, outcome = p.networkFirst(ctx, req, desc)
	case Navigation:
		resp, outcome = p.document(ctx, req)
	default:
		resp, outcome = p.passthrough(ctx, req)
	}

	latency := time.Since(start).Milliseconds()
	p.metrics.RecordStrategy(strategy.String(), outcome, latency)
	p.logger.DebugContext(ctx, "request handled", "strategy", strategy.String(), "outcome", outcome, "key", desc.Key(), "status", resp.Status, "latency_ms", latency)
	return resp
}

func (p *Proxy) passthrough(ctx context.Context, req *http.Request) (*Response, string) {
	resp, err := p.fetch(ctx, req)
	if err != nil {
		return offlineTextResponse(), "offline"
	}
	return resp, "network"
}

// fetch is the single network path; every outcome feeds the connectivity
// tracker, and a return to online fires the first sync tag.
func (p *Proxy) fetch(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := p.fetcher.Fetch(ctx, req)
	if p.conn.observe(err) {
		p.logger.InfoContext(ctx, "connectivity restored")
		p.TriggerSync(ctx, p.defaultSyncTag())
	}
	return resp, err
}

func (p *Proxy) defaultSyncTag() string {
	for _, tag := range p.syncTags {
		if tag = strings.TrimSpace(tag); tag != "" {
			return tag
		}
	}
	return DefaultSyncTag
}

// TriggerSync runs the sync bridge for tag in the background.
func (p *Proxy) TriggerSync(ctx context.Context, tag string) bool {
	bg := context.WithoutCancel(ctx)
	return p.goBackground(func() {
		p.syncBridge.OnConnectivityRestored(bg, tag)
	})
}

// ReportConnectivity feeds an external probe result into the tracker, as if
// a fetch had succeeded (err == nil) or failed.
func (p *Proxy) ReportConnectivity(ctx context.Context, err error) {
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if p.conn.observe(err) {
		p.logger.InfoContext(ctx, "connectivity restored")
		p.TriggerSync(ctx, p.defaultSyncTag())
	}
}

// SweepStores applies the entry limit to every current store.
func (p *Proxy) SweepStores(ctx context.Context) map[Role]int {
	out := make(map[Role]int, len(Roles))
	for _, role := range Roles {
		out[role] = p.stores.Trim(ctx, p.stores.Open(ctx, role))
	}
	return out
}

// Transport adapts the proxy to an http.RoundTripper so an http.Client can
// route through it. The proxy's own fetcher must not use this transport.
func (p *Proxy) Transport() http.RoundTripper {
	return proxyTransport{p: p}
}

type proxyTransport struct {
	p *Proxy
}

func (t proxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.p.Handle(req.Context(), req).HTTPResponse(req), nil
}

// goBackground runs fn tracked by Close. It returns false after Close.
func (p *Proxy) goBackground(fn func()) bool {
	p.bgMu.Lock()
	defer p.bgMu.Unlock()
	if p.closed {
		return false
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		fn()
	}()
	return true
}

// Close stops accepting background work and waits for running refreshes
// and sync triggers to finish.
func (p *Proxy) Close() error {
	p.bgMu.Lock()
	p.closed = true
	p.bgMu.Unlock()
	p.bg.Wait()
	return nil
}
