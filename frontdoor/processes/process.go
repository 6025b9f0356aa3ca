package processes

import (
	"os"
	"sync"
	"time"
)

// LogEntry is a single line of output captured from a child process.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer maintains a circular buffer of recent log entries.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	nextID   int64
}

// NewLogBuffer creates a new log buffer with the specified capacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Add appends a line, dropping the oldest entry when the buffer is full.
func (lb *LogBuffer) Add(source, message string, pid int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		PID:       pid,
	})
	lb.nextID++
}

// Latest returns the most recent count entries, oldest first.
func (lb *LogBuffer) Latest(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}
	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}
	result := make([]LogEntry, len(lb.entries)-start)
	copy(result, lb.entries[start:])
	return result
}

// Since returns all entries with an ID greater than fromID.
func (lb *LogBuffer) Since(fromID int64) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// ProcessState represents the lifecycle state of a managed child.
type ProcessState int

const (
	// StateUnknown means the child has not been started yet.
	StateUnknown ProcessState = iota
	// StateStarting means the child is building or launched but not yet ready.
	StateStarting
	// StateRunning means the child passed its readiness check.
	StateRunning
	// StateUnhealthy means the child is running but failing health checks.
	StateUnhealthy
	// StateStopping means a termination signal has been sent.
	StateStopping
	// StateStopped means the child was stopped on request.
	StateStopped
	// StateFailed means the child failed to start or exited on its own.
	StateFailed
)

// String returns a string representation of the ProcessState.
func (ps ProcessState) String() string {
	switch ps {
	case StateUnknown:
		return "Unknown"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateUnhealthy:
		return "Unhealthy"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// ManagedProcess is one child owned by the Supervisor: its spec, its current handle and
// its lifecycle state.
type ManagedProcess struct {
	Spec ChildSpec
	Port int
	Logs *LogBuffer

	mu           sync.Mutex
	handle       Handle
	state        ProcessState
	startTime    time.Time
	restartCount int
	lastExit     *ExitStatus
	standalone   bool
	terminated   bool // a termination signal was sent to the current handle
}

func newManagedProcess(spec ChildSpec, port int) *ManagedProcess {
	return &ManagedProcess{
		Spec:  spec,
		Port:  port,
		Logs:  NewLogBuffer(1000),
		state: StateUnknown,
	}
}

// State returns the current state.
func (mp *ManagedProcess) State() ProcessState {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.state
}

// setState updates the state and returns the previous one.
func (mp *ManagedProcess) setState(newState ProcessState) ProcessState {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	old := mp.state
	mp.state = newState
	return old
}

// attach records a freshly launched handle.
func (mp *ManagedProcess) attach(h Handle, standalone bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.handle = h
	mp.standalone = standalone
	mp.startTime = time.Now()
	mp.terminated = false
	mp.lastExit = nil
}

// current returns the current handle, which may be nil.
func (mp *ManagedProcess) current() Handle {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.handle
}

// PID returns the pid of the current handle, or 0.
func (mp *ManagedProcess) PID() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.handle == nil {
		return 0
	}
	return mp.handle.PID()
}

// compareAndSet moves the process from one state to another only if it is still in from.
func (mp *ManagedProcess) compareAndSet(from, to ProcessState) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.state != from {
		return false
	}
	mp.state = to
	return true
}

// terminate sends sig to the current handle at most once per handle.
// It returns the handle that was signalled and the state before the call, or a nil handle
// if there was nothing to signal.
func (mp *ManagedProcess) terminate(sig os.Signal) (Handle, ProcessState, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	prev := mp.state
	if mp.handle == nil || mp.terminated {
		return nil, prev, nil
	}
	select {
	case <-mp.handle.Done():
		return nil, prev, nil
	default:
	}
	mp.terminated = true
	mp.state = StateStopping
	return mp.handle, prev, mp.handle.Signal(sig)
}

func (mp *ManagedProcess) terminationRequested() bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.terminated
}

func (mp *ManagedProcess) recordExit(status ExitStatus) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.lastExit = &status
}

// recordRestart increments the restart count and returns the new value.
func (mp *ManagedProcess) recordRestart() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.restartCount++
	return mp.restartCount
}

func (mp *ManagedProcess) resetRestarts() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.restartCount = 0
}

// RestartCount returns the number of restarts since the child was last healthy.
func (mp *ManagedProcess) RestartCount() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.restartCount
}

// ProcessInfo is a point-in-time copy of a ManagedProcess for reporting.
type ProcessInfo struct {
	Name       string     `json:"name"`
	State      string     `json:"state"`
	PID        int        `json:"pid"`
	Port       int        `json:"port"`
	Restarts   int        `json:"restarts"`
	Standalone bool       `json:"standalone"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	LastExit   string     `json:"last_exit,omitempty"`
	Logs       []LogEntry `json:"logs,omitempty"`
}

// Info returns a snapshot including the last logLines lines of output.
func (mp *ManagedProcess) Info(logLines int) ProcessInfo {
	mp.mu.Lock()
	info := ProcessInfo{
		Name:       mp.Spec.Name,
		State:      mp.state.String(),
		Port:       mp.Port,
		Restarts:   mp.restartCount,
		Standalone: mp.standalone,
	}
	if mp.handle != nil {
		info.PID = mp.handle.PID()
	}
	if !mp.startTime.IsZero() {
		started := mp.startTime
		info.StartedAt = &started
	}
	if mp.lastExit != nil {
		info.LastExit = mp.lastExit.String()
	}
	mp.mu.Unlock()

	if logLines > 0 {
		info.Logs = mp.Logs.Latest(logLines)
	}
	return info
}
