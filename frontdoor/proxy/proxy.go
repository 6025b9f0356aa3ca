package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pcbuilderai/frontdoor/frontdoor/proxy/middleware"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	// nginx's code for a client that went away before the response was written.
	statusClientClosedRequest = 499
)

// MetricsCollector receives per-request proxy metrics.
type MetricsCollector interface {
	ProxyRequest(route string, status int, duration time.Duration)
	Fallback(route string, kind RouteKind)
}

type noopMetrics struct{}

func (noopMetrics) ProxyRequest(string, int, time.Duration) {}
func (noopMetrics) Fallback(string, RouteKind)              {}

// Config holds the proxy's configuration.
type Config struct {
	ListenAddr      string
	Port            int // Reported by /health.
	Routes          *RouteTable
	StaticDir       string        // Optional directory for static assets and index.html.
	UpstreamTimeout time.Duration // Optional, defaults to 30s.
	Fallback        *Fallback     // Optional, defaults to NewFallback(StaticDir, "", 5).
	Logger          *slog.Logger  // Optional, defaults to slog.Default().
	Metrics         MetricsCollector
}

// Proxy is the HTTP front door. It answers /health itself, routes requests to upstreams by
// path prefix, serves static assets from disk, and substitutes fallback responses when an
// upstream cannot be reached.
type Proxy struct {
	listenAddr      string
	routes          *RouteTable
	staticDir       string
	upstreamTimeout time.Duration
	fallback        *Fallback
	logger          *slog.Logger
	metrics         MetricsCollector
	transport       *http.Transport
	upstreams       map[string]*httputil.ReverseProxy
	mux             *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewProxy creates and returns a new Proxy instance.
func NewProxy(cfg Config) (*Proxy, error) {
	if cfg.Routes == nil {
		return nil, fmt.Errorf("proxy requires a route table")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{
		listenAddr:      cfg.ListenAddr,
		routes:          cfg.Routes,
		staticDir:       cfg.StaticDir,
		upstreamTimeout: cfg.UpstreamTimeout,
		fallback:        cfg.Fallback,
		logger:          logger.With("component", "Proxy"),
		metrics:         cfg.Metrics,
		upstreams:       make(map[string]*httputil.ReverseProxy),
		mux:             http.NewServeMux(),
	}
	if p.upstreamTimeout <= 0 {
		p.upstreamTimeout = defaultUpstreamTimeout
	}
	if p.fallback == nil {
		p.fallback = NewFallback(cfg.StaticDir, "", 0)
	}
	if p.metrics == nil {
		p.metrics = noopMetrics{}
	}

	dialer := net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	p.transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: p.upstreamTimeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}

	for _, route := range p.routes.Routes() {
		p.upstreams[route.Prefix] = p.newReverseProxy(route)
	}

	p.mux.HandleFunc("GET /health", HealthHandler(cfg.Port))
	p.mux.HandleFunc("/", p.handleRequest)
	return p, nil
}

func (p *Proxy) newReverseProxy(route Route) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if route.StripPrefix && route.Prefix != "/" {
				stripped := strings.TrimPrefix(pr.Out.URL.Path, route.Prefix)
				if stripped == "" {
					stripped = "/"
				}
				pr.Out.URL.Path = stripped
				pr.Out.URL.RawPath = ""
			}
			// SetURL also rewrites the outbound Host to the target's.
			pr.SetURL(route.Target)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Trace-ID", middleware.TraceID(pr.In.Context()))
		},
		Transport: p.transport,
		ErrorLog:  slog.NewLogLogger(p.logger.Handler(), slog.LevelWarn),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			traceID := middleware.TraceID(r.Context())
			if errors.Is(r.Context().Err(), context.Canceled) {
				p.logger.Debug("Client went away before upstream answered", "trace_id", traceID, "path", r.URL.Path)
				w.WriteHeader(statusClientClosedRequest)
				return
			}
			p.logger.Warn("Upstream unavailable, serving fallback",
				"trace_id", traceID,
				"route", route.Prefix,
				"target", route.Target.String(),
				"error", err)
			p.metrics.Fallback(route.Prefix, route.Kind)
			p.fallback.Serve(w, r, route.Kind)
		},
	}
}

// Handle registers an additional handler on the front door. It must be called before Start.
func (p *Proxy) Handle(pattern string, h http.Handler) {
	p.mux.Handle(pattern, h)
}

// Handler returns the complete handler chain served by the proxy.
func (p *Proxy) Handler() http.Handler {
	return middleware.Chain(
		p.mux.ServeHTTP,
		middleware.Cors,
		middleware.SecurityHeaders,
		middleware.Trace,
		middleware.Recover(p.logger),
	)
}

// handleRequest routes one request that is not served by a registered endpoint.
func (p *Proxy) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	if middleware.TraceID(r.Context()) == "" {
		r = r.WithContext(middleware.WithTraceID(r.Context(), uuid.New().String()))
	}

	route, ok := p.routes.Match(r.URL.Path)
	if (!ok || route.Prefix == "/") && isStaticAsset(r.URL.Path) {
		if !serveStatic(rec, r, p.staticDir, r.URL.Path) {
			http.NotFound(rec, r)
		}
		p.finish(r, "static", "static", rec, start)
		return
	}
	if !ok {
		http.NotFound(rec, r)
		p.finish(r, "none", "none", rec, start)
		return
	}

	// The transport's ResponseHeaderTimeout bounds the wait for the upstream; the body may
	// then stream for as long as the client stays connected.
	p.upstreams[route.Prefix].ServeHTTP(rec, r)
	p.finish(r, route.Prefix, route.Target.String(), rec, start)
}

func (p *Proxy) finish(r *http.Request, route, target string, rec *statusRecorder, start time.Time) {
	duration := time.Since(start)
	p.metrics.ProxyRequest(route, rec.Status(), duration)
	p.logger.Info("Request",
		"trace_id", middleware.TraceID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"target", target,
		"status", rec.Status(),
		"duration", duration)
}

// Listen binds the listening socket so that bind errors surface before Serve.
func (p *Proxy) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.listenAddr, err)
	}
	p.listener = l
	p.server = &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelWarn),
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Start listens (if needed) and serves until Stop. It returns nil after a graceful stop.
func (p *Proxy) Start() error {
	if err := p.Listen(); err != nil {
		return err
	}
	p.mu.Lock()
	server, listener := p.server, p.listener
	p.mu.Unlock()

	p.logger.Info("Starting front door", "addr", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops accepting connections and waits for in-flight requests, bounded by ctx.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()
	if server == nil {
		p.logger.Info("Front door was not running, nothing to stop")
		return nil
	}
	p.logger.Info("Stopping front door")
	err := server.Shutdown(ctx)
	p.transport.CloseIdleConnections()
	return err
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 && code >= 200 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status returns the recorded status, 200 if nothing was written explicitly.
func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
