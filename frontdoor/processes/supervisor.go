package processes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultReadinessInterval      = 500 * time.Millisecond
	defaultHealthCheckInterval    = 15 * time.Second
	defaultHealthCheckTimeout     = 2 * time.Second
	defaultRestartBackoffInitial  = 1 * time.Second
	defaultRestartBackoffMax      = 30 * time.Second
	defaultGracefulShutdownPeriod = 10 * time.Second
	statusLogLines                = 50
)

var (
	// ErrBuildFailed is returned when a child's build step exits unsuccessfully.
	ErrBuildFailed = errors.New("build step failed")
	// ErrStopping is returned for work abandoned because the supervisor is shutting down.
	ErrStopping = errors.New("supervisor is stopping")
	// ErrPanic is reported on Fatal when a supervisor goroutine panics.
	ErrPanic = errors.New("panic in supervisor goroutine")
)

// ChildFailure is reported when a fail-fast child exits on its own.
type ChildFailure struct {
	Name   string
	Status ExitStatus
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Children               []ChildSpec
	Launcher               Launcher         // Optional, defaults to ExecLauncher
	HealthChecker          HealthChecker    // Optional, defaults to HTTPHealthChecker
	PortManager            *PortManager     // Required only when a child has no fixed port
	Logger                 *slog.Logger     // Optional, defaults to slog.Default()
	Metrics                MetricsCollector // Optional
	Audit                  AuditLogger      // Optional
	ReadinessInterval      time.Duration    // Optional, defaults to 500ms
	HealthCheckInterval    time.Duration    // Optional, defaults to 15s
	HealthCheckTimeout     time.Duration    // Optional, defaults to 2s
	RestartBackoffInitial  time.Duration    // Optional, defaults to 1s
	RestartBackoffMax      time.Duration    // Optional, defaults to 30s
	GracefulShutdownPeriod time.Duration    // Optional, defaults to 10s
}

// Supervisor owns the child process table. It launches every configured child, waits for
// them to become ready, applies each child's restart policy when one exits, and forwards
// termination signals on shutdown.
type Supervisor struct {
	mu       sync.RWMutex
	children map[string]*ManagedProcess
	order    []string
	started  bool

	launcher      Launcher
	healthChecker HealthChecker
	portManager   *PortManager
	logger        *slog.Logger
	metrics       MetricsCollector
	audit         AuditLogger

	readinessInterval      time.Duration
	healthCheckInterval    time.Duration
	healthCheckTimeout     time.Duration
	restartBackoffInitial  time.Duration
	restartBackoffMax      time.Duration
	gracefulShutdownPeriod time.Duration

	stopChan   chan struct{}
	stopOnce   sync.Once
	stopSignal os.Signal
	failures   chan ChildFailure
	fatal      chan error
	wg         sync.WaitGroup
}

// NewSupervisor validates config and creates a Supervisor. No process is started until Start.
func NewSupervisor(config Config) (*Supervisor, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		children:               make(map[string]*ManagedProcess),
		launcher:               config.Launcher,
		healthChecker:          config.HealthChecker,
		portManager:            config.PortManager,
		logger:                 logger.With("component", "Supervisor"),
		metrics:                config.Metrics,
		audit:                  config.Audit,
		readinessInterval:      orDefault(config.ReadinessInterval, defaultReadinessInterval),
		healthCheckInterval:    orDefault(config.HealthCheckInterval, defaultHealthCheckInterval),
		healthCheckTimeout:     orDefault(config.HealthCheckTimeout, defaultHealthCheckTimeout),
		restartBackoffInitial:  orDefault(config.RestartBackoffInitial, defaultRestartBackoffInitial),
		restartBackoffMax:      orDefault(config.RestartBackoffMax, defaultRestartBackoffMax),
		gracefulShutdownPeriod: orDefault(config.GracefulShutdownPeriod, defaultGracefulShutdownPeriod),
		stopChan:               make(chan struct{}),
		failures:               make(chan ChildFailure, len(config.Children)),
		fatal:                  make(chan error, 1),
	}
	if s.launcher == nil {
		s.launcher = NewExecLauncher()
	}
	if s.healthChecker == nil {
		s.healthChecker = NewHTTPHealthChecker(s.healthCheckTimeout)
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.audit == nil {
		s.audit = noopAudit{}
	}

	if s.portManager != nil {
		for _, spec := range config.Children {
			if spec.Port > 0 {
				s.portManager.Reserve(spec.Port)
			}
		}
	}
	for _, spec := range config.Children {
		if spec.Name == "" {
			return nil, fmt.Errorf("child spec without a name")
		}
		if _, dup := s.children[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate child name %q", spec.Name)
		}
		if spec.Restart == "" {
			spec.Restart = RestartAlways
		}
		if !spec.Restart.Valid() {
			return nil, fmt.Errorf("child %s: unknown restart policy %q", spec.Name, spec.Restart)
		}
		port := spec.Port
		if port == 0 {
			if s.portManager == nil {
				return nil, fmt.Errorf("child %s has no port and no PortManager is configured", spec.Name)
			}
			allocated, err := s.portManager.AllocatePort()
			if err != nil {
				return nil, fmt.Errorf("child %s: %w", spec.Name, err)
			}
			port = allocated
		}
		s.children[spec.Name] = newManagedProcess(spec, port)
		s.order = append(s.order, spec.Name)
	}
	return s, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start launches every child and the health monitor. It does not wait for readiness.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.stopping() {
		return ErrStopping
	}

	s.logger.Info("Supervisor starting", "children", strings.Join(s.order, ","))
	for _, name := range s.order {
		mp := s.children[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.recoverPanic("start " + mp.Spec.Name)
			s.runChild(ctx, mp)
		}()
	}

	s.wg.Add(1)
	go s.healthMonitorLoop(ctx)
	return nil
}

// WaitReady blocks until every child passed its readiness check or ctx is done.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		var pending []string
		for _, name := range s.order {
			if s.children[name].State() != StateRunning {
				pending = append(pending, name)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("children not ready (%s): %w", strings.Join(pending, ", "), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Ready reports whether the named child is running and passed its readiness check.
func (s *Supervisor) Ready(name string) bool {
	mp, ok := s.Child(name)
	return ok && mp.State() == StateRunning
}

// Child returns the named child.
func (s *Supervisor) Child(name string) (*ManagedProcess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mp, ok := s.children[name]
	return mp, ok
}

// Status returns a snapshot of every child in configuration order.
func (s *Supervisor) Status() []ProcessInfo {
	infos := make([]ProcessInfo, 0, len(s.order))
	for _, name := range s.order {
		infos = append(infos, s.children[name].Info(statusLogLines))
	}
	return infos
}

// Failures delivers fail-fast child exits.
func (s *Supervisor) Failures() <-chan ChildFailure {
	return s.failures
}

// Fatal delivers the first panic recovered in a supervisor goroutine, wrapped in ErrPanic.
// The supervisor keeps running; the caller is expected to shut it down.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

func (s *Supervisor) recoverPanic(where string) {
	r := recover()
	if r == nil {
		return
	}
	s.logger.Error("Panic in supervisor goroutine", "goroutine", where, "panic", r, "stack", string(debug.Stack()))
	select {
	case s.fatal <- fmt.Errorf("%w: %s: %v", ErrPanic, where, r):
	default:
	}
}

func (s *Supervisor) auditFailed(err error, event, child string) {
	if err != nil {
		s.logger.Warn("Failed to write audit event", "event", event, "child", child, "error", err)
	}
}

// Shutdown stops the supervisor: it sends sig to every live child (each child at most once),
// waits up to the graceful period for each to exit, kills stragglers, and waits for the
// supervisor's goroutines. ctx bounds the whole operation.
func (s *Supervisor) Shutdown(ctx context.Context, sig os.Signal) error {
	if sig == nil {
		sig = syscall.SIGTERM
	}
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopSignal = sig
		s.mu.Unlock()
		close(s.stopChan)
	})
	s.logger.Info("Supervisor shutting down", "signal", sig.String())

	errs := make([]error, len(s.order))
	var stopWg sync.WaitGroup
	for i, name := range s.order {
		mp := s.children[name]
		stopWg.Add(1)
		go func() {
			defer stopWg.Done()
			errs[i] = s.stopChild(ctx, mp, sig)
		}()
	}
	stopWg.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for supervisor goroutines: %w", ctx.Err()))
	}

	if s.portManager != nil {
		for _, name := range s.order {
			s.portManager.ReleasePort(s.children[name].Port)
		}
	}
	s.logger.Info("Supervisor stopped")
	return errors.Join(errs...)
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Supervisor) signalForStop() os.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopSignal == nil {
		return syscall.SIGTERM
	}
	return s.stopSignal
}

func (s *Supervisor) transition(mp *ManagedProcess, to ProcessState) {
	from := mp.setState(to)
	if from != to {
		s.metrics.ChildStateTransition(mp.Spec.Name, from, to)
	}
}

// runChild starts mp, retrying in place while start attempts fail and the restart
// policy asks for another try.
func (s *Supervisor) runChild(ctx context.Context, mp *ManagedProcess) {
	for s.startChild(ctx, mp) {
	}
}

// startChild runs the optional build step and launches the child's main command. It
// reports true when the start failed and should be attempted again.
func (s *Supervisor) startChild(ctx context.Context, mp *ManagedProcess) bool {
	if s.stopping() {
		return false
	}
	name := mp.Spec.Name
	s.transition(mp, StateStarting)

	main, build, standalone := mp.Spec.Resolve()
	if standalone {
		s.logger.Info("Using standalone build", "child", name, "entry", mp.Spec.Standalone.Entry)
	}
	if build != nil {
		if err := s.runBuild(ctx, mp, *build); err != nil {
			if errors.Is(err, ErrStopping) {
				s.transition(mp, StateStopped)
				return false
			}
			s.logger.Error("Build step failed", "child", name, "error", err)
			s.auditFailed(s.audit.LogSpawnFailed(name, err.Error()), "spawn_failed", name)
			return s.handleExit(ctx, mp, nil, ExitStatus{Code: -1, Err: err})
		}
		s.logger.Info("Build step complete", "child", name)
	}

	main.Env = mp.Spec.launchEnv(main, mp.Port)
	s.logger.Info("Starting child", "child", name, "command", main.Command, "args", strings.Join(main.Args, " "), "dir", main.Dir, "port", mp.Port)
	h, err := s.launcher.Launch(LaunchSpec{
		Name:        name,
		CommandSpec: main,
		Stdout:      s.outputSink(mp, "stdout"),
		Stderr:      s.outputSink(mp, "stderr"),
	})
	if err != nil {
		s.logger.Error("Failed to start child", "child", name, "error", err)
		s.auditFailed(s.audit.LogSpawnFailed(name, err.Error()), "spawn_failed", name)
		return s.handleExit(ctx, mp, nil, ExitStatus{Code: -1, Err: err})
	}

	mp.attach(h, standalone)
	s.logger.Info("Child started", "child", name, "pid", h.PID(), "port", mp.Port)
	s.auditFailed(s.audit.LogChildStarted(name, h.PID()), "child_started", name)

	s.wg.Add(2)
	go s.awaitReady(ctx, mp, h)
	go func() {
		defer s.wg.Done()
		defer s.recoverPanic("exit watcher " + name)
		<-h.Done()
		if s.handleExit(ctx, mp, h, h.ExitStatus()) {
			s.runChild(ctx, mp)
		}
	}()

	// Shutdown may have walked the child table before this handle was attached.
	if s.stopping() {
		s.stopChild(context.Background(), mp, s.signalForStop())
	}
	return false
}

func (s *Supervisor) runBuild(ctx context.Context, mp *ManagedProcess, build CommandSpec) error {
	name := mp.Spec.Name
	s.logger.Info("Running build step", "child", name, "command", build.Command, "args", strings.Join(build.Args, " "), "dir", build.Dir)
	h, err := s.launcher.Launch(LaunchSpec{
		Name:        name + "-build",
		CommandSpec: build,
		Stdout:      s.outputSink(mp, "stdout"),
		Stderr:      s.outputSink(mp, "stderr"),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	select {
	case <-h.Done():
	case <-s.stopChan:
		h.Kill()
		<-h.Done()
		return ErrStopping
	case <-ctx.Done():
		h.Kill()
		<-h.Done()
		return ctx.Err()
	}

	if status := h.ExitStatus(); !status.Success() {
		return fmt.Errorf("%w: %s", ErrBuildFailed, status)
	}
	return nil
}

func (s *Supervisor) outputSink(mp *ManagedProcess, source string) func(string) {
	name := mp.Spec.Name
	return func(line string) {
		pid := mp.PID()
		mp.Logs.Add(source, line, pid)
		if source == "stderr" {
			s.logger.Error("Child stderr", "child", name, "pid", pid, "output", line)
		} else {
			s.logger.Info("Child stdout", "child", name, "pid", pid, "output", line)
		}
	}
}

// awaitReady polls the health checker until the child becomes ready, exits, or the
// supervisor stops.
func (s *Supervisor) awaitReady(ctx context.Context, mp *ManagedProcess, h Handle) {
	defer s.wg.Done()
	defer s.recoverPanic("readiness " + mp.Spec.Name)
	ticker := time.NewTicker(s.readinessInterval)
	defer ticker.Stop()

	for {
		if mp.current() != h {
			return
		}
		checkCtx, cancel := context.WithTimeout(ctx, s.healthCheckTimeout)
		state, err := s.healthChecker.Check(checkCtx, mp)
		cancel()
		if state == StateRunning {
			if mp.current() == h && mp.compareAndSet(StateStarting, StateRunning) {
				s.metrics.ChildStateTransition(mp.Spec.Name, StateStarting, StateRunning)
				mp.resetRestarts()
				s.logger.Info("Child is ready", "child", mp.Spec.Name, "pid", h.PID(), "port", mp.Port)
			}
			return
		}
		s.logger.Debug("Child not ready yet", "child", mp.Spec.Name, "error", err)

		select {
		case <-ticker.C:
		case <-h.Done():
			return
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// stopChild forwards sig to the child's current process and waits for it to exit,
// escalating to SIGKILL after the graceful period.
func (s *Supervisor) stopChild(ctx context.Context, mp *ManagedProcess, sig os.Signal) error {
	name := mp.Spec.Name
	h, prev, err := mp.terminate(sig)
	if h == nil {
		return nil
	}
	if prev != StateStopping {
		s.metrics.ChildStateTransition(name, prev, StateStopping)
	}
	pid := h.PID()
	s.logger.Info("Forwarding signal to child", "child", name, "pid", pid, "signal", sig.String())
	if err != nil {
		s.logger.Warn("Failed to signal child", "child", name, "pid", pid, "error", err)
	}
	s.auditFailed(s.audit.LogChildStopped(name, pid, sig.String()), "child_stopped", name)

	timer := time.NewTimer(s.gracefulShutdownPeriod)
	defer timer.Stop()

	select {
	case <-h.Done():
		s.logger.Info("Child exited after signal", "child", name, "pid", pid, "status", h.ExitStatus().String())
		return nil
	case <-timer.C:
		s.logger.Warn("Child did not exit gracefully, sending SIGKILL", "child", name, "pid", pid)
	case <-ctx.Done():
		s.logger.Warn("Stop context cancelled, sending SIGKILL", "child", name, "pid", pid)
	}

	if err := h.Kill(); err != nil {
		s.logger.Error("Failed to kill child", "child", name, "pid", pid, "error", err)
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("child %s (pid %d) did not exit: %w", name, pid, ctx.Err())
	}
}

// handleExit is called when a child exits or fails to start. h is nil for start failures.
// It applies the restart policy and reports true once the backoff has elapsed and the
// child should be started again.
func (s *Supervisor) handleExit(ctx context.Context, mp *ManagedProcess, h Handle, status ExitStatus) bool {
	name := mp.Spec.Name
	if h != nil && mp.current() != h {
		return false
	}
	mp.recordExit(status)
	if h != nil {
		s.metrics.ChildExit(name, status.Code)
	}

	if s.stopping() || (h != nil && mp.terminationRequested()) {
		s.transition(mp, StateStopped)
		s.logger.Info("Child stopped", "child", name, "status", status.String())
		return false
	}

	s.transition(mp, StateFailed)
	if h != nil {
		s.logger.Warn("Child exited unexpectedly", "child", name, "pid", h.PID(), "status", status.String())
		s.auditFailed(s.audit.LogChildExited(name, h.PID(), status.Code, status.String()), "child_exited", name)
	}

	switch mp.Spec.Restart {
	case RestartNever:
		s.logger.Warn("Restart policy is never, leaving child stopped", "child", name)
		return false
	case RestartFailFast:
		s.logger.Error("Fail-fast child exited, requesting supervisor shutdown", "child", name, "status", status.String())
		select {
		case s.failures <- ChildFailure{Name: name, Status: status}:
		default:
		}
		return false
	}

	attempt := mp.recordRestart()
	backoff := calculateBackoff(attempt, s.restartBackoffInitial, s.restartBackoffMax)
	s.metrics.ChildRestart(name)
	s.auditFailed(s.audit.LogChildRestart(name, attempt, backoff), "child_restarted", name)
	s.logger.Info("Restarting child after backoff", "child", name, "attempt", attempt, "backoff", backoff)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopChan:
		s.transition(mp, StateStopped)
		return false
	case <-ctx.Done():
		return false
	}
	return true
}

// healthMonitorLoop periodically re-checks ready children and flags the ones that stop
// answering. Restarts are driven by process exit only.
func (s *Supervisor) healthMonitorLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.recoverPanic("health monitor")
	ticker := time.NewTicker(s.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.performHealthChecks(ctx)
		}
	}
}

func (s *Supervisor) performHealthChecks(ctx context.Context) {
	for _, name := range s.order {
		if s.stopping() {
			return
		}
		mp := s.children[name]
		current := mp.State()
		if current != StateRunning && current != StateUnhealthy {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, s.healthCheckTimeout)
		state, err := s.healthChecker.Check(checkCtx, mp)
		cancel()

		switch {
		case state == StateRunning && mp.compareAndSet(StateUnhealthy, StateRunning):
			s.metrics.ChildStateTransition(name, StateUnhealthy, StateRunning)
			s.logger.Info("Child is healthy again", "child", name)
		case state != StateRunning && mp.compareAndSet(StateRunning, StateUnhealthy):
			s.metrics.ChildStateTransition(name, StateRunning, StateUnhealthy)
			s.logger.Warn("Child became unhealthy", "child", name, "error", err)
		}
	}
}

// calculateBackoff computes the backoff duration for restarting a process.
func calculateBackoff(restartCount int, initialDelay, maxDelay time.Duration) time.Duration {
	if restartCount <= 0 {
		return 0
	}
	backoff := initialDelay
	for i := 1; i < restartCount; i++ {
		backoff *= 2
		if backoff > maxDelay {
			return maxDelay
		}
	}
	if backoff > maxDelay {
		return maxDelay
	}
	return backoff
}
