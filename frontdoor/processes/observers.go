package processes

import "time"

// MetricsCollector receives supervisor metrics.
type MetricsCollector interface {
	ChildStateTransition(child string, from, to ProcessState)
	ChildExit(child string, code int)
	ChildRestart(child string)
}

// AuditLogger persists child lifecycle events.
type AuditLogger interface {
	LogChildStarted(child string, pid int) error
	LogChildExited(child string, pid, exitCode int, detail string) error
	LogSpawnFailed(child string, detail string) error
	LogChildRestart(child string, attempt int, backoff time.Duration) error
	LogChildStopped(child string, pid int, signal string) error
}

type noopMetrics struct{}

func (noopMetrics) ChildStateTransition(string, ProcessState, ProcessState) {}
func (noopMetrics) ChildExit(string, int)                                   {}
func (noopMetrics) ChildRestart(string)                                     {}

type noopAudit struct{}

func (noopAudit) LogChildStarted(string, int) error                { return nil }
func (noopAudit) LogChildExited(string, int, int, string) error    { return nil }
func (noopAudit) LogSpawnFailed(string, string) error              { return nil }
func (noopAudit) LogChildRestart(string, int, time.Duration) error { return nil }
func (noopAudit) LogChildStopped(string, int, string) error        { return nil }
