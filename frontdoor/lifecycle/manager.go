// Package lifecycle assembles the front door from its configuration and runs it: children
// first, then the HTTP listener, until a termination signal, a fatal error or a fail-fast
// child ends the run.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pcbuilderai/frontdoor/frontdoor/audit"
	"github.com/pcbuilderai/frontdoor/frontdoor/config"
	"github.com/pcbuilderai/frontdoor/frontdoor/internal/handlers"
	"github.com/pcbuilderai/frontdoor/frontdoor/metrics"
	"github.com/pcbuilderai/frontdoor/frontdoor/processes"
	"github.com/pcbuilderai/frontdoor/frontdoor/proxy"
)

const (
	ExitOK    = 0
	ExitFatal = 1

	// Extra time on top of the child grace period for the kill and the final reap.
	reapSlack = 5 * time.Second
)

// ErrFatal wraps listener failures and recovered panics.
var ErrFatal = errors.New("fatal front door error")

// Options configures a Manager. Only Config is required.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Launcher processes.Launcher // Optional, defaults to processes.ExecLauncher
	// Signals replaces signal.Notify for SIGINT and SIGTERM when set.
	Signals <-chan os.Signal
}

// Manager owns every long-lived component of one front door run.
type Manager struct {
	cfg        *config.Config
	logger     *slog.Logger
	auditLog   *audit.Logger
	collector  *metrics.PrometheusCollector
	supervisor *processes.Supervisor
	proxy      *proxy.Proxy
	signals    <-chan os.Signal
	stopNotify func()

	mu       sync.Mutex
	stopping chan struct{}
	stopOnce sync.Once
	closed   bool
}

// New builds the audit log, metrics, supervisor, proxy and admin endpoints described by
// opts.Config. Nothing is started until Run.
func New(opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("lifecycle requires a config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "Lifecycle"),
		stopping: make(chan struct{}),
	}
	ok := false
	defer func() {
		if !ok {
			m.Close()
		}
	}()

	var auditLogger processes.AuditLogger
	var events handlers.EventSource
	if cfg.Audit.Enabled {
		al, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		m.auditLog = al
		auditLogger = al
		events = al
		if cfg.Audit.Retention > 0 {
			if n, err := al.DeleteOldEvents(cfg.Audit.Retention); err != nil {
				m.logger.Warn("Failed to prune audit events", "error", err)
			} else if n > 0 {
				m.logger.Info("Pruned audit events", "count", n)
			}
		}
	}

	var childMetrics processes.MetricsCollector
	var proxyMetrics proxy.MetricsCollector
	if cfg.Metrics.Enabled {
		m.collector = metrics.NewPrometheusCollector(cfg.Metrics.Namespace)
		childMetrics = m.collector
		proxyMetrics = m.collector
	}

	portManager, err := processes.NewPortManager(20000, 29999)
	if err != nil {
		return nil, err
	}
	portManager.Reserve(cfg.Listen.Port)

	m.supervisor, err = processes.NewSupervisor(processes.Config{
		Children:               cfg.ChildSpecs(),
		Launcher:               opts.Launcher,
		PortManager:            portManager,
		Logger:                 logger,
		Metrics:                childMetrics,
		Audit:                  auditLogger,
		HealthCheckInterval:    cfg.Timeouts.HealthCheckInterval,
		RestartBackoffInitial:  cfg.Timeouts.RestartBackoffInitial,
		RestartBackoffMax:      cfg.Timeouts.RestartBackoffMax,
		GracefulShutdownPeriod: cfg.Timeouts.ChildGrace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	routes, err := cfg.RouteTable()
	if err != nil {
		return nil, err
	}
	m.proxy, err = proxy.NewProxy(proxy.Config{
		ListenAddr:      cfg.ListenAddr(),
		Port:            cfg.Listen.Port,
		Routes:          routes,
		StaticDir:       cfg.StaticDir,
		UpstreamTimeout: cfg.Timeouts.Upstream,
		Fallback:        proxy.NewFallback(cfg.StaticDir, cfg.Fallback.Title, cfg.Fallback.RefreshSeconds),
		Logger:          logger,
		Metrics:         proxyMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	if m.collector != nil {
		m.proxy.Handle("GET /metrics", m.collector.Handler())
	}
	if cfg.Admin.Enabled {
		issuer, err := newIssuer(cfg)
		if err != nil {
			return nil, err
		}
		handlers.NewAdminHandler(m.supervisor, events, logger).Register(m.proxy, issuer)
	}

	m.signals = opts.Signals
	if m.signals == nil {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		m.signals = sigChan
		m.stopNotify = func() { signal.Stop(sigChan) }
	}

	ok = true
	return m, nil
}

func newIssuer(cfg *config.Config) (*handlers.TokenIssuer, error) {
	key, err := handlers.LoadSecretKey(cfg.Admin.SecretKey)
	if err != nil {
		return nil, err
	}
	return handlers.NewTokenIssuer(key), nil
}

// IssueAdminToken mints a bearer token for the /internal endpoints, creating the signing key
// if it does not exist yet.
func IssueAdminToken(cfg *config.Config, subject string, ttl time.Duration) (string, error) {
	if !cfg.Admin.Enabled {
		return "", fmt.Errorf("admin endpoints are disabled")
	}
	issuer, err := newIssuer(cfg)
	if err != nil {
		return "", err
	}
	return issuer.Issue(subject, ttl)
}

// Supervisor returns the child supervisor.
func (m *Manager) Supervisor() *processes.Supervisor {
	return m.supervisor
}

// Addr returns the listener address once Run has bound it.
func (m *Manager) Addr() net.Addr {
	return m.proxy.Addr()
}

// Run starts the children, waits (bounded) for them to become ready, binds the listener and
// serves until ctx is cancelled, a signal arrives, the listener fails, a supervisor goroutine
// panics, or a fail-fast child exits. Signals and child failures are honoured during the
// readiness wait too. Run always shuts everything down before returning and reports the
// process exit code: 0 after a signal or cancellation, 1 after a fatal error, and a
// fail-fast child's own exit code.
func (m *Manager) Run(ctx context.Context) (int, error) {
	defer m.Close()

	names := make([]string, 0, len(m.cfg.Children))
	for _, c := range m.cfg.Children {
		names = append(names, c.Name)
	}
	m.logger.Info("Starting PC Builder AI front door", "children", names, "addr", m.cfg.ListenAddr())
	if m.auditLog != nil {
		if err := m.auditLog.LogSupervisorStarted(names); err != nil {
			m.logger.Warn("Failed to write audit event", "event", "supervisor_started", "error", err)
		}
	}

	if err := m.supervisor.Start(context.WithoutCancel(ctx)); err != nil {
		m.shutdown(syscall.SIGTERM, "supervisor start failed")
		return ExitFatal, err
	}

	result := make(chan outcome, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(m.recovered("watcher", func() error {
		o := m.watch(ctx, gctx)
		m.shutdown(o.sig, o.reason)
		result <- o
		return o.err
	}))
	g.Go(m.recovered("proxy", func() error {
		return m.serve(gctx)
	}))

	groupErr := g.Wait()
	if groupErr != nil {
		m.logger.Error("Front door failed", "error", groupErr)
		return ExitFatal, groupErr
	}
	o := <-result
	m.logger.Info("Front door exited", "reason", o.reason, "code", o.code)
	return o.code, nil
}

// serve waits for the children to become ready, then binds the listener and serves. It
// returns nil without binding if shutdown began first.
func (m *Manager) serve(ctx context.Context) error {
	readyCtx, cancelReady := context.WithTimeout(ctx, m.cfg.Timeouts.Readiness)
	defer cancelReady()
	go func() {
		select {
		case <-m.stopping:
			cancelReady()
		case <-readyCtx.Done():
		}
	}()

	if err := m.supervisor.WaitReady(readyCtx); err != nil {
		if m.isStopping() {
			return nil
		}
		m.logger.Warn("Continuing without every child ready, fallbacks will answer", "error", err)
	} else {
		m.logger.Info("All children ready")
	}

	m.mu.Lock()
	if m.isStopping() {
		m.mu.Unlock()
		return nil
	}
	err := m.proxy.Listen()
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("Failed to bind listener", "error", err)
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	if err := m.proxy.Start(); err != nil {
		return fmt.Errorf("%w: listener: %v", ErrFatal, err)
	}
	return nil
}

func (m *Manager) isStopping() bool {
	select {
	case <-m.stopping:
		return true
	default:
		return false
	}
}

type outcome struct {
	sig    os.Signal
	code   int
	reason string
	err    error
}

// watch blocks until something ends the run and reports how.
func (m *Manager) watch(parent, gctx context.Context) outcome {
	select {
	case sig := <-m.signals:
		m.logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
		return outcome{sig: sig, code: ExitOK, reason: "signal " + sig.String()}
	case f := <-m.supervisor.Failures():
		code := f.Status.Code
		if code <= 0 && !f.Status.Success() {
			code = ExitFatal
		}
		m.logger.Error("Fail-fast child exited", "child", f.Name, "status", f.Status.String(), "code", code)
		return outcome{sig: syscall.SIGTERM, code: code, reason: fmt.Sprintf("child %s exited (%s)", f.Name, f.Status.String())}
	case err := <-m.supervisor.Fatal():
		m.logger.Error("Supervisor failed", "error", err)
		return outcome{sig: syscall.SIGTERM, code: ExitFatal, reason: "supervisor panic", err: fmt.Errorf("%w: %w", ErrFatal, err)}
	case <-gctx.Done():
		if parent.Err() != nil {
			return outcome{sig: syscall.SIGTERM, code: ExitOK, reason: "context cancelled"}
		}
		return outcome{sig: syscall.SIGTERM, code: ExitFatal, reason: "fatal error"}
	}
}

// shutdown stops the listener, then forwards sig to every child and waits for them.
// Only the first call has any effect.
func (m *Manager) shutdown(sig os.Signal, reason string) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		close(m.stopping)
		m.mu.Unlock()

		proxyCtx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeouts.ShutdownGrace)
		if err := m.proxy.Stop(proxyCtx); err != nil {
			m.logger.Warn("Listener did not drain in time", "error", err)
		}
		cancel()

		childCtx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeouts.ChildGrace+reapSlack)
		if err := m.supervisor.Shutdown(childCtx, sig); err != nil {
			m.logger.Warn("Children did not stop cleanly", "error", err)
		}
		cancel()

		if m.auditLog != nil {
			if err := m.auditLog.LogSupervisorStopped(reason); err != nil {
				m.logger.Warn("Failed to write audit event", "event", "supervisor_stopped", "error", err)
			}
		}
		m.logger.Info("Shutdown complete", "reason", reason)
	})
}

// recovered turns a panic in fn into an ErrFatal error so the group shuts down.
func (m *Manager) recovered(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Panic in front door goroutine", "goroutine", name, "panic", r)
				err = fmt.Errorf("%w: panic in %s: %v", ErrFatal, name, r)
				m.shutdown(syscall.SIGTERM, "panic in "+name)
			}
		}()
		return fn()
	}
}

// Close releases the signal subscription and the audit database.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.stopNotify != nil {
		m.stopNotify()
	}
	if m.auditLog != nil {
		return m.auditLog.Close()
	}
	return nil
}
