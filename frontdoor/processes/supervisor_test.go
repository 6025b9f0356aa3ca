package processes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeHandle struct {
	pid           int
	done          chan struct{}
	ignoreSignals bool

	mu      sync.Mutex
	status  ExitStatus
	signals []os.Signal
	killed  bool
	once    sync.Once
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	if !h.ignoreSignals {
		h.exit(ExitStatus{Code: -1, Signal: sig.String()})
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(ExitStatus{Code: -1, Signal: syscall.SIGKILL.String()})
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitStatus() ExitStatus {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *fakeHandle) exit(status ExitStatus) {
	h.once.Do(func() {
		h.mu.Lock()
		h.status = status
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) receivedSignals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

type fakeLauncher struct {
	mu            sync.Mutex
	nextPID       int
	launches      []LaunchSpec
	handles       map[string][]*fakeHandle
	spawnErr      map[string]error
	buildStatus   ExitStatus
	ignoreSignals bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPID:  1000,
		handles:  make(map[string][]*fakeHandle),
		spawnErr: make(map[string]error),
	}
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, spec)
	if err := l.spawnErr[spec.Name]; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	l.nextPID++
	h := &fakeHandle{pid: l.nextPID, done: make(chan struct{}), ignoreSignals: l.ignoreSignals}
	l.handles[spec.Name] = append(l.handles[spec.Name], h)
	if strings.HasSuffix(spec.Name, "-build") {
		if spec.Stdout != nil {
			spec.Stdout("building")
		}
		go h.exit(l.buildStatus)
	}
	return h, nil
}

func (l *fakeLauncher) launchesOf(name string) []LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LaunchSpec
	for _, s := range l.launches {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func (l *fakeLauncher) handlesOf(name string) []*fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeHandle(nil), l.handles[name]...)
}

type fakeChecker struct {
	ready atomic.Bool
}

func (c *fakeChecker) Check(context.Context, *ManagedProcess) (ProcessState, error) {
	if c.ready.Load() {
		return StateRunning, nil
	}
	return StateUnhealthy, errors.New("not ready")
}

type recordingAudit struct {
	noopAudit
	mu     sync.Mutex
	events []string
}

func (a *recordingAudit) record(event string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) LogChildStarted(child string, _ int) error {
	return a.record("started:" + child)
}

func (a *recordingAudit) LogSpawnFailed(child string, _ string) error {
	return a.record("spawn_failed:" + child)
}

func (a *recordingAudit) LogChildRestart(child string, _ int, _ time.Duration) error {
	return a.record("restart:" + child)
}

func (a *recordingAudit) LogChildStopped(child string, _ int, signal string) error {
	return a.record("stopped:" + child + ":" + signal)
}

func (a *recordingAudit) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testChild(name string, port int, policy RestartPolicy) ChildSpec {
	return ChildSpec{
		Name:        name,
		CommandSpec: CommandSpec{Command: "run-" + name},
		Port:        port,
		Host:        "127.0.0.1",
		PortEnv:     strings.ToUpper(name) + "_PORT",
		HostEnv:     strings.ToUpper(name) + "_HOST",
		Restart:     policy,
	}
}

func newTestSupervisor(t *testing.T, launcher *fakeLauncher, checker *fakeChecker, audit AuditLogger, children ...ChildSpec) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(Config{
		Children:               children,
		Launcher:               launcher,
		HealthChecker:          checker,
		Logger:                 discardLogger(),
		Audit:                  audit,
		ReadinessInterval:      5 * time.Millisecond,
		HealthCheckInterval:    10 * time.Millisecond,
		RestartBackoffInitial:  10 * time.Millisecond,
		RestartBackoffMax:      40 * time.Millisecond,
		GracefulShutdownPeriod: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func shutdown(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx, syscall.SIGTERM))
}

func TestSupervisorStartsChildrenAndForwardsSignal(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	checker := &fakeChecker{}
	checker.ready.Store(true)
	audit := &recordingAudit{}
	s := newTestSupervisor(t, launcher, checker, audit,
		testChild("backend", 8001, RestartAlways),
		testChild("frontend", 3001, RestartAlways),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitReady(ctx))
	assert.True(t, s.Ready("backend"))
	assert.True(t, s.Ready("frontend"))

	backend := launcher.launchesOf("backend")
	require.Len(t, backend, 1)
	assert.Equal(t, "8001", backend[0].Env["BACKEND_PORT"])
	assert.Equal(t, "127.0.0.1", backend[0].Env["BACKEND_HOST"])

	require.NoError(t, s.Shutdown(ctx, syscall.SIGINT))

	for _, name := range []string{"backend", "frontend"} {
		handles := launcher.handlesOf(name)
		require.Len(t, handles, 1)
		assert.Equal(t, []os.Signal{syscall.SIGINT}, handles[0].receivedSignals(), name)
		assert.False(t, handles[0].wasKilled(), name)

		mp, ok := s.Child(name)
		require.True(t, ok)
		assert.Equal(t, StateStopped, mp.State())
	}
	assert.Contains(t, audit.recorded(), "stopped:backend:interrupt")
}

func TestSupervisorShutdownSignalsOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	checker := &fakeChecker{}
	checker.ready.Store(true)
	s := newTestSupervisor(t, launcher, checker, nil, testChild("backend", 8001, RestartAlways))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitReady(ctx))

	shutdown(t, s)
	shutdown(t, s)

	handles := launcher.handlesOf("backend")
	require.Len(t, handles, 1)
	assert.Len(t, handles[0].receivedSignals(), 1)
}

func TestSupervisorKillsAfterGracePeriod(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	launcher.ignoreSignals = true
	checker := &fakeChecker{}
	checker.ready.Store(true)
	s := newTestSupervisor(t, launcher, checker, nil, testChild("backend", 8001, RestartAlways))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitReady(ctx))

	start := time.Now()
	shutdown(t, s)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	handles := launcher.handlesOf("backend")
	require.Len(t, handles, 1)
	assert.True(t, handles[0].wasKilled())
	assert.Equal(t, "killed", handles[0].ExitStatus().Signal)
}

func TestSupervisorRestartsAfterUnexpectedExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	checker := &fakeChecker{}
	checker.ready.Store(true)
	audit := &recordingAudit{}
	s := newTestSupervisor(t, launcher, checker, audit, testChild("backend", 8001, RestartAlways))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitReady(ctx))

	mp, _ := s.Child("backend")
	launcher.handlesOf("backend")[0].exit(ExitStatus{Code: 1})

	require.Eventually(t, func() bool {
		return len(launcher.handlesOf("backend")) == 2 && s.Ready("backend") && mp.RestartCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, audit.recorded(), "restart:backend")

	shutdown(t, s)
}

func TestSupervisorNeverPolicyLeavesChildStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	checker := &fakeChecker{}
	checker.ready.Store(true)
	s := newTestSupervisor(t, launcher, checker, nil, testChild("worker", 9000, RestartNever))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitReady(ctx))

	launcher.handlesOf("worker")[0].exit(ExitStatus{Code: 2})

	mp, _ := s.Child("worker")
	require.Eventually(t, func() bool { return mp.State() == StateFailed }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, launcher.launchesOf("worker"), 1)
	assert.Equal(t, "exit code 2", mp.Info(0).LastExit)

	shutdown(t, s)
}

func TestSupervisorFailFastReportsFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	checker := &fakeChecker{}
	checker.ready.Store(true)
	s := newTestSupervisor(t, launcher, checker, nil, testChild("backend", 8001, RestartFailFast))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitReady(ctx))

	launcher.handlesOf("backend")[0].exit(ExitStatus{Code: 3})

	select {
	case failure := <-s.Failures():
		assert.Equal(t, "backend", failure.Name)
		assert.Equal(t, 3, failure.Status.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fail-fast failure")
	}
	assert.Len(t, launcher.launchesOf("backend"), 1)

	shutdown(t, s)
}

func TestSupervisorSpawnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	launcher.spawnErr["backend"] = errors.New("no such file")
	checker := &fakeChecker{}
	audit := &recordingAudit{}
	s := newTestSupervisor(t, launcher, checker, audit, testChild("backend", 8001, RestartNever))

	require.NoError(t, s.Start(context.Background()))

	mp, _ := s.Child("backend")
	require.Eventually(t, func() bool { return mp.State() == StateFailed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"spawn_failed:backend"}, audit.recorded())
	assert.Contains(t, mp.Info(0).LastExit, "failed to spawn process")

	shutdown(t, s)
}

func TestSupervisorRetriesRepeatedSpawnFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	launcher.spawnErr["backend"] = errors.New("no such file")
	checker := &fakeChecker{}
	checker.ready.Store(true)
	s := newTestSupervisor(t, launcher, checker, nil, testChild("backend", 8001, RestartAlways))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(launcher.launchesOf("backend")) >= 5 }, 2*time.Second, 5*time.Millisecond)

	launcher.mu.Lock()
	delete(launcher.spawnErr, "backend")
	launcher.mu.Unlock()

	mp, _ := s.Child("backend")
	require.Eventually(t, func() bool {
		return s.Ready("backend") && mp.RestartCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, launcher.handlesOf("backend"), 1)

	shutdown(t, s)
}

type panickingLauncher struct{}

func (panickingLauncher) Launch(LaunchSpec) (Handle, error) {
	panic("boom")
}

func TestSupervisorRecoversPanicAndReportsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := NewSupervisor(Config{
		Children:      []ChildSpec{testChild("backend", 8001, RestartAlways)},
		Launcher:      panickingLauncher{},
		HealthChecker: &fakeChecker{},
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	select {
	case err := <-s.Fatal():
		assert.ErrorIs(t, err, ErrPanic)
		assert.Contains(t, err.Error(), "boom")
		assert.Contains(t, err.Error(), "start backend")
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}

	shutdown(t, s)
}

type failingAudit struct {
	noopAudit
}

func (failingAudit) LogChildStarted(string, int) error {
	return errors.New("database is locked")
}

func TestSupervisorLogsAuditWriteFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	checker := &fakeChecker{}
	checker.ready.Store(true)
	s, err := NewSupervisor(Config{
		Children:      []ChildSpec{testChild("backend", 8001, RestartAlways)},
		Launcher:      newFakeLauncher(),
		HealthChecker: checker,
		Logger:        slog.New(slog.NewTextHandler(&buf, nil)),
		Audit:         failingAudit{},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.WaitReady(context.Background()))
	shutdown(t, s)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg="Failed to write audit event"`)
	assert.Contains(t, out, "event=child_started")
	assert.Contains(t, out, `error="database is locked"`)
}

func TestSupervisorRunsBuildBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	checker := &fakeChecker{}
	checker.ready.Store(true)
	child := testChild("frontend", 3001, RestartAlways)
	child.Build = &CommandSpec{Command: "yarn", Args: []string{"build"}}
	s := newTestSupervisor(t, launcher, checker, nil, child)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitReady(ctx))

	require.Len(t, launcher.launchesOf("frontend-build"), 1)
	require.Len(t, launcher.launchesOf("frontend"), 1)

	mp, _ := s.Child("frontend")
	logs := mp.Logs.Latest(10)
	require.NotEmpty(t, logs)
	assert.Equal(t, "building", logs[0].Message)
	assert.False(t, mp.Info(0).Standalone)

	shutdown(t, s)
}

func TestSupervisorBuildFailureDoesNotStartChild(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	launcher.buildStatus = ExitStatus{Code: 1}
	checker := &fakeChecker{}
	audit := &recordingAudit{}
	child := testChild("frontend", 3001, RestartNever)
	child.Build = &CommandSpec{Command: "yarn", Args: []string{"build"}}
	s := newTestSupervisor(t, launcher, checker, audit, child)

	require.NoError(t, s.Start(context.Background()))

	mp, _ := s.Child("frontend")
	require.Eventually(t, func() bool { return mp.State() == StateFailed }, time.Second, 5*time.Millisecond)
	assert.Empty(t, launcher.launchesOf("frontend"))
	assert.Contains(t, mp.Info(0).LastExit, ErrBuildFailed.Error())
	assert.Equal(t, []string{"spawn_failed:frontend"}, audit.recorded())

	shutdown(t, s)
}

func TestSupervisorStandaloneSkipsBuild(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	entry := filepath.Join(dir, "server.js")
	require.NoError(t, os.WriteFile(entry, []byte("// entry"), 0o644))

	launcher := newFakeLauncher()
	checker := &fakeChecker{}
	checker.ready.Store(true)
	child := testChild("frontend", 3001, RestartAlways)
	child.Build = &CommandSpec{Command: "yarn", Args: []string{"build"}}
	child.Standalone = &StandaloneSpec{
		Entry:       entry,
		CommandSpec: CommandSpec{Command: "node", Args: []string{"server.js"}, Dir: dir},
	}
	s := newTestSupervisor(t, launcher, checker, nil, child)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitReady(ctx))

	assert.Empty(t, launcher.launchesOf("frontend-build"))
	launches := launcher.launchesOf("frontend")
	require.Len(t, launches, 1)
	assert.Equal(t, "node", launches[0].Command)
	assert.Equal(t, dir, launches[0].Dir)
	assert.Equal(t, "3001", launches[0].Env["FRONTEND_PORT"])

	mp, _ := s.Child("frontend")
	assert.True(t, mp.Info(0).Standalone)

	shutdown(t, s)
}

func TestSupervisorWaitReadyTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	checker := &fakeChecker{}
	s := newTestSupervisor(t, launcher, checker, nil, testChild("backend", 8001, RestartAlways))

	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.WaitReady(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "backend")

	mp, _ := s.Child("backend")
	assert.Equal(t, StateStarting, mp.State())

	shutdown(t, s)
}

func TestSupervisorMarksUnhealthyChild(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := newFakeLauncher()
	checker := &fakeChecker{}
	checker.ready.Store(true)
	s := newTestSupervisor(t, launcher, checker, nil, testChild("backend", 8001, RestartAlways))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitReady(ctx))

	mp, _ := s.Child("backend")
	checker.ready.Store(false)
	require.Eventually(t, func() bool { return mp.State() == StateUnhealthy }, time.Second, 5*time.Millisecond)
	checker.ready.Store(true)
	require.Eventually(t, func() bool { return mp.State() == StateRunning }, time.Second, 5*time.Millisecond)
	assert.Len(t, launcher.launchesOf("backend"), 1)

	shutdown(t, s)
}

func TestNewSupervisorValidation(t *testing.T) {
	tests := []struct {
		name     string
		children []ChildSpec
		wantErr  string
	}{
		{
			name:     "missing name",
			children: []ChildSpec{{CommandSpec: CommandSpec{Command: "x"}, Port: 1}},
			wantErr:  "without a name",
		},
		{
			name:     "duplicate",
			children: []ChildSpec{testChild("a", 1, ""), testChild("a", 2, "")},
			wantErr:  "duplicate child name",
		},
		{
			name:     "bad policy",
			children: []ChildSpec{testChild("a", 1, "sometimes")},
			wantErr:  "unknown restart policy",
		},
		{
			name:     "no port manager",
			children: []ChildSpec{testChild("a", 0, "")},
			wantErr:  "no PortManager",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSupervisor(Config{Children: tt.children, Logger: discardLogger()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewSupervisorDefaultsPolicyAndAllocatesPorts(t *testing.T) {
	pm, err := NewPortManager(20000, 20100)
	require.NoError(t, err)

	s, err := NewSupervisor(Config{
		Children:    []ChildSpec{testChild("a", 0, ""), testChild("b", 20000, "")},
		PortManager: pm,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	a, _ := s.Child("a")
	b, _ := s.Child("b")
	assert.Equal(t, RestartAlways, a.Spec.Restart)
	assert.NotZero(t, a.Port)
	assert.NotEqual(t, 20000, a.Port)
	assert.Equal(t, 20000, b.Port)
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		restarts int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		got := calculateBackoff(tt.restarts, time.Second, 30*time.Second)
		assert.Equal(t, tt.want, got, "restarts=%d", tt.restarts)
	}
}
