package processes

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrSpawn is returned when a child process cannot be started.
var ErrSpawn = errors.New("failed to spawn process")

// ExitStatus describes how a child process ended.
type ExitStatus struct {
	Code   int    // Exit code, -1 when the process was killed by a signal or never ran.
	Signal string // Name of the terminating signal, if any.
	Err    error  // Non-exit error reported by the OS, if any.
}

// Success reports whether the process exited with code 0.
func (es ExitStatus) Success() bool {
	return es.Code == 0 && es.Signal == "" && es.Err == nil
}

func (es ExitStatus) String() string {
	switch {
	case es.Signal != "":
		return "signal: " + es.Signal
	case es.Err != nil:
		return "error: " + es.Err.Error()
	default:
		return fmt.Sprintf("exit code %d", es.Code)
	}
}

// Handle is an opaque handle to a spawned OS process.
type Handle interface {
	PID() int
	// Signal requests termination. It does not wait for the process to exit.
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and its output has been drained.
	Done() <-chan struct{}
	// ExitStatus is valid after Done is closed.
	ExitStatus() ExitStatus
}

// LaunchSpec is everything a Launcher needs to start one process.
type LaunchSpec struct {
	Name string
	CommandSpec
	Stdout func(line string) // Called for each stdout line. May be nil.
	Stderr func(line string) // Called for each stderr line. May be nil.
}

// Launcher starts subordinate processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Handle, error)
}

// DefaultOutputWaitDelay bounds how long ExecLauncher keeps reading output after the
// child exits. Grandchildren that inherited stdout/stderr lose their output after that.
const DefaultOutputWaitDelay = 500 * time.Millisecond

// maxLineLength caps a single captured output line; longer lines are split.
const maxLineLength = 1024 * 1024

// ExecLauncher starts real OS processes with os/exec. Each child leads its own process
// group and signals are delivered to the whole group, so a wrapper such as yarn does not
// leave its server running.
type ExecLauncher struct {
	OutputWaitDelay time.Duration
}

// NewExecLauncher returns a Launcher backed by os/exec.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{OutputWaitDelay: DefaultOutputWaitDelay}
}

// Launch starts the command described by spec. Failures to start are returned wrapped in
// ErrSpawn; the launcher itself never panics on a bad spec.
func (l *ExecLauncher) Launch(spec LaunchSpec) (Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: %s: empty command", ErrSpawn, spec.Name)
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: working directory: %v", ErrSpawn, spec.Name, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s: working directory %s is not a directory", ErrSpawn, spec.Name, spec.Dir)
		}
	}

	stdout := &lineWriter{sink: spec.Stdout}
	stderr := &lineWriter{sink: spec.Stderr}

	// Not CommandContext: children must only ever see the signals the supervisor forwards.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = MergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = l.OutputWaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultOutputWaitDelay
	}
	// Own process group: a terminal Ctrl-C reaches only the front door, which then forwards it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Name, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()
		h.status = exitStatusFromError(err)
		close(h.done)
	}()

	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status ExitStatus
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

// Signal delivers sig to the child's process group, falling back to the process itself.
func (h *execHandle) Signal(sig os.Signal) error {
	if ss, ok := sig.(syscall.Signal); ok {
		if err := syscall.Kill(-h.cmd.Process.Pid, ss); err == nil {
			return nil
		}
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error { return h.Signal(syscall.SIGKILL) }

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) ExitStatus() ExitStatus {
	<-h.done
	return h.status
}

// lineWriter splits a process output stream into lines for sink.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	sink func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// flush emits a trailing line that had no newline.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	if w.sink != nil {
		w.sink(string(bytes.TrimSuffix(line, []byte("\r"))))
	}
}

func exitStatusFromError(err error) ExitStatus {
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		// ErrWaitDelay: exited 0 but a grandchild still held the output open.
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := ExitStatus{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
		return status
	}
	return ExitStatus{Code: -1, Err: err}
}

// MergeEnv returns base with overrides applied. Keys present in overrides replace the
// corresponding entries of base instead of being appended a second time.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overrides[key]; replaced {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
