package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mikills/swcore/sw"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	storeSweepTimeout = 2 * time.Second
	probeTimeout      = 3 * time.Second
)

// generationHeader tells the host which proxy generation answered.
const generationHeader = "X-SW-Generation"

type AppConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	SweepInterval     time.Duration
	// ProbeInterval enables the connectivity probe loop when > 0.
	ProbeInterval time.Duration
	ProbeURL      string
	// AutoInstall runs the lifecycle install when the app starts.
	AutoInstall bool
	Logger      *slog.Logger
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		SweepInterval:     30 * time.Second,
		Logger:            slog.Default(),
	}
}

type App struct {
	proxy   *sw.Proxy
	echo    *echo.Echo
	config  AppConfig
	logger  *slog.Logger
	metrics sw.AppMetrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool

	loopCancel context.CancelFunc
	loopDone   sync.WaitGroup

	// closing ends open event streams so Shutdown does not wait on them
	closing   chan struct{}
	closeOnce sync.Once
}

func NewApp(proxy *sw.Proxy, cfg AppConfig) *App {
	cfg = mergeWithDefaultAppConfig(cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := sw.AppMetrics(sw.NoopAppMetrics{})
	if proxy != nil && proxy.Metrics() != nil {
		metrics = proxy.Metrics()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLoggerMiddleware(logger, metrics))
	if proxy != nil {
		e.Use(generationMiddleware(proxy.Generation))
	}

	app := &App{
		proxy:   proxy,
		echo:    e,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		errCh:   make(chan error, 1),
		closing: make(chan struct{}),
	}
	app.registerRoutes()
	return app
}

// generationMiddleware stamps every response with the serving generation.
func generationMiddleware(generation string) echo.MiddlewareFunc {
	generation = strings.TrimSpace(generation)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if generation != "" {
				c.Response().Header().Set(generationHeader, generation)
			}
			return next(c)
		}
	}
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	d := DefaultAppConfig()
	if cfg.Address != "" {
		d.Address = cfg.Address
	}
	if cfg.ReadHeaderTimeout > 0 {
		d.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		d.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if cfg.SweepInterval > 0 {
		d.SweepInterval = cfg.SweepInterval
	}
	if cfg.ProbeInterval > 0 {
		d.ProbeInterval = cfg.ProbeInterval
	}
	d.ProbeURL = strings.TrimSpace(cfg.ProbeURL)
	d.AutoInstall = cfg.AutoInstall
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	}
	return d
}

func requestLoggerMiddleware(logger *slog.Logger, metrics sw.AppMetrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = sw.NoopAppMetrics{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}
			latencyMS := time.Since(start).Milliseconds()
			path := c.Path()
			if path == "" || strings.HasSuffix(path, "*") {
				path = c.Request().URL.Path
			}
			metrics.RecordRequest(c.Request().Method, path, status, latencyMS)
			attrs := []any{
				"method", c.Request().Method,
				"path", path,
				"status", status,
				"latency_ms", latencyMS,
				"remote_ip", c.RealIP(),
			}
			if c.Response().Header().Get(sw.OfflineHeader) == "true" {
				attrs = append(attrs, "offline", true)
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.ErrorContext(c.Request().Context(), "http request", attrs...)
			case status >= http.StatusBadRequest:
				logger.WarnContext(c.Request().Context(), "http request", attrs...)
			default:
				logger.InfoContext(c.Request().Context(), "http request", attrs...)
			}
			return nil
		}
	}
}

func (a *App) registerRoutes() {
	deps := Dependencies{Logger: a.logger, AppMetrics: a.metrics, Closing: a.closing}
	if p := a.proxy; p != nil {
		deps.CacheMetricsHandler = sw.NewCacheOpenMetricsHandler(p.Stores())
		deps.Hub = p.Hub()
		deps.Generation = p.Generation
		deps.LifecycleStatus = p.Lifecycle().Status
		deps.Install = p.Lifecycle().Install
		deps.Activate = p.Lifecycle().Activate
		deps.HandleMessage = p.Lifecycle().HandleMessage
		deps.TriggerSync = func(ctx context.Context, tag string) sw.SyncReport {
			return p.SyncBridge().OnConnectivityRestored(ctx, tag)
		}
		deps.Queue = p.QueueSlot()
		deps.SweepStores = func(ctx context.Context) map[sw.Role]int {
			return p.SweepStores(ctx)
		}
		deps.StoreSize = p.Stores().SizeOf
		deps.Intercept = p.Handle
		deps.Origin = p.Origin()
	}
	Register(a.echo, deps)
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		return err
	}
	a.listener = ln
	a.started = true

	if a.proxy != nil {
		a.startLoopsLocked()
	}

	srv := &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}
	a.echo.Server = srv

	go func() {
		err := a.echo.Server.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		a.errCh <- err
	}()

	return nil
}

func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	addr := a.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "::" || host == "0.0.0.0" || host == "[::]" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (a *App) Wait() error {
	return <-a.errCh
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if !started {
		return nil
	}

	a.mu.Lock()
	a.stopLoopsLocked()
	a.mu.Unlock()
	a.closeOnce.Do(func() { close(a.closing) })

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}

	if err := a.echo.Shutdown(ctx); err != nil {
		return err
	}
	if a.proxy != nil {
		return a.proxy.Close()
	}
	return nil
}

// startLoopsLocked starts the background install, the store sweep ticker and
// the optional connectivity probe.
func (a *App) startLoopsLocked() {
	if a.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.loopCancel = cancel

	if a.config.AutoInstall {
		a.loopDone.Add(1)
		go func() {
			defer a.loopDone.Done()
			if err := a.proxy.Lifecycle().Install(ctx); err != nil {
				a.logger.ErrorContext(ctx, "startup install failed", "generation", a.proxy.Generation, "error", err)
			}
		}()
	}

	if interval := a.config.SweepInterval; interval > 0 {
		a.loopDone.Add(1)
		go func() {
			defer a.loopDone.Done()
			a.runEvery(ctx, interval, func() {
				sweepCtx, sweepCancel := context.WithTimeout(ctx, storeSweepTimeout)
				defer sweepCancel()
				a.proxy.SweepStores(sweepCtx)
			})
		}()
	}

	if interval := a.config.ProbeInterval; interval > 0 && a.config.ProbeURL != "" {
		client := &http.Client{Timeout: probeTimeout}
		a.loopDone.Add(1)
		go func() {
			defer a.loopDone.Done()
			a.runEvery(ctx, interval, func() {
				a.proxy.ReportConnectivity(ctx, probe(ctx, client, a.config.ProbeURL))
			})
		}()
	}
}

func (a *App) stopLoopsLocked() {
	if a.loopCancel == nil {
		return
	}
	a.loopCancel()
	a.loopCancel = nil
	a.loopDone.Wait()
}

func (a *App) runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// probe reports whether url answered at all. Any HTTP status counts as
// reachable.
func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
