package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EventType represents the type of audit event
type EventType string

const (
	EventSupervisorStarted EventType = "supervisor_started"
	EventSupervisorStopped EventType = "supervisor_stopped"
	EventChildStarted      EventType = "child_started"
	EventChildExited       EventType = "child_exited"
	EventChildRestarted    EventType = "child_restarted"
	EventChildStopped      EventType = "child_stopped"
	EventSpawnFailed       EventType = "spawn_failed"
)

// Event represents an audit log entry in the database
type Event struct {
	ID        string `db:"id" json:"id"`
	EventType string `db:"event_type" json:"event_type"`
	Timestamp int64  `db:"timestamp" json:"timestamp"`
	Child     string `db:"child" json:"child,omitempty"`
	PID       *int   `db:"pid" json:"pid,omitempty"`             // Nullable for events without a process
	ExitCode  *int   `db:"exit_code" json:"exit_code,omitempty"` // Only set for child_exited
	Detail    string `db:"detail" json:"detail,omitempty"`
}

// Logger records supervisor and child lifecycle events.
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// Open connects to the SQLite database at path and prepares the audit table.
func Open(path string) (*Logger, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	logger, err := NewLogger(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit database %s: %w", path, err)
	}
	return logger, nil
}

// Close closes the underlying database.
func (l *Logger) Close() error {
	return l.db.Close()
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		child TEXT NOT NULL DEFAULT '',
		pid INTEGER,
		exit_code INTEGER,
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_child ON audit_events(child)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type)`)
	return err
}

func newEvent(eventType EventType, child string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		EventType: string(eventType),
		Timestamp: time.Now().UTC().UnixMilli(),
		Child:     child,
	}
}

// insertEvent is a helper method to insert an audit event into the database
func (l *Logger) insertEvent(event *Event) error {
	_, err := l.db.NamedExec(`
		INSERT INTO audit_events (id, event_type, timestamp, child, pid, exit_code, detail)
		VALUES (:id, :event_type, :timestamp, :child, :pid, :exit_code, :detail)`,
		event,
	)
	return err
}

// LogSupervisorStarted records that the supervisor launched its children.
func (l *Logger) LogSupervisorStarted(children []string) error {
	event := newEvent(EventSupervisorStarted, "")
	event.Detail = "children=" + strings.Join(children, ",")
	return l.insertEvent(event)
}

// LogSupervisorStopped records a supervisor shutdown and its cause.
func (l *Logger) LogSupervisorStopped(reason string) error {
	event := newEvent(EventSupervisorStopped, "")
	event.Detail = reason
	return l.insertEvent(event)
}

// LogChildStarted logs a successful process launch
func (l *Logger) LogChildStarted(child string, pid int) error {
	event := newEvent(EventChildStarted, child)
	event.PID = &pid
	return l.insertEvent(event)
}

// LogChildExited logs an exit that was not requested by the supervisor
func (l *Logger) LogChildExited(child string, pid, exitCode int, detail string) error {
	event := newEvent(EventChildExited, child)
	event.PID = &pid
	event.ExitCode = &exitCode
	event.Detail = detail
	return l.insertEvent(event)
}

// LogSpawnFailed logs a child that could not be started or built
func (l *Logger) LogSpawnFailed(child string, detail string) error {
	event := newEvent(EventSpawnFailed, child)
	event.Detail = detail
	return l.insertEvent(event)
}

// LogChildRestart logs a scheduled restart
func (l *Logger) LogChildRestart(child string, attempt int, backoff time.Duration) error {
	event := newEvent(EventChildRestarted, child)
	event.Detail = fmt.Sprintf("attempt=%d backoff=%s", attempt, backoff)
	return l.insertEvent(event)
}

// LogChildStopped logs a termination signal forwarded to a child
func (l *Logger) LogChildStopped(child string, pid int, signal string) error {
	event := newEvent(EventChildStopped, child)
	event.PID = &pid
	event.Detail = "signal=" + signal
	return l.insertEvent(event)
}

// GetEventsByChild retrieves audit events for a specific child
func (l *Logger) GetEventsByChild(child string, limit int) ([]Event, error) {
	events := []Event{}
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE child = $1 ORDER BY timestamp DESC LIMIT $2",
		child, limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	events := []Event{}
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	events := []Event{}
	err := l.db.Select(&events,
		"SELECT * FROM audit_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := l.db.Exec("DELETE FROM audit_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
