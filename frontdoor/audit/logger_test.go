package audit

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) *sqlx.DB {
	tmpDir := t.TempDir()
	dbPath := path.Join(tmpDir, "test_audit.db")
	db := sqlx.MustConnect("sqlite3", dbPath)
	t.Cleanup(func() {
		db.Close()
		os.Remove(dbPath)
	})
	return db
}

func newTestLogger(t *testing.T) (*Logger, *sqlx.DB) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, db
}

func TestNewLogger(t *testing.T) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)

	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	if logger.db == nil {
		t.Fatal("Logger's internal db is nil")
	}
}

func TestOpen(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "nested.db")
	logger, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer logger.Close()

	if err := logger.LogSupervisorStarted([]string{"backend", "frontend"}); err != nil {
		t.Fatalf("LogSupervisorStarted failed: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	if _, err := Open(path.Join(t.TempDir(), "missing", "dir", "audit.db")); err == nil {
		t.Fatal("Expected error for unwritable path")
	}
}

func TestDBInit(t *testing.T) {
	db := setupTestDB(t)
	err := DBInit(db)

	if err != nil {
		t.Fatalf("DBInit returned error: %v", err)
	}

	// Idempotent
	if err := DBInit(db); err != nil {
		t.Fatalf("second DBInit returned error: %v", err)
	}

	var tableName string
	err = db.Get(&tableName, "SELECT name FROM sqlite_master WHERE type='table' AND name='audit_events'")
	if err != nil {
		t.Fatalf("Table 'audit_events' does not exist: %v", err)
	}

	var count int
	err = db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND tbl_name='audit_events'")
	if err != nil {
		t.Fatalf("Failed to query indexes: %v", err)
	}
	if count < 3 {
		t.Errorf("Expected at least 3 indexes, got %d", count)
	}
}

func TestLogChildStarted(t *testing.T) {
	logger, db := newTestLogger(t)

	if err := logger.LogChildStarted("backend", 4242); err != nil {
		t.Fatalf("LogChildStarted failed: %v", err)
	}

	var event Event
	err := db.Get(&event, "SELECT * FROM audit_events WHERE event_type = $1", string(EventChildStarted))
	if err != nil {
		t.Fatalf("Failed to retrieve event: %v", err)
	}

	if event.Child != "backend" {
		t.Errorf("Expected child 'backend', got '%s'", event.Child)
	}
	if event.PID == nil || *event.PID != 4242 {
		t.Errorf("Expected pid 4242, got %v", event.PID)
	}
	if event.ExitCode != nil {
		t.Errorf("Expected no exit code, got %v", *event.ExitCode)
	}
	if event.Timestamp == 0 {
		t.Error("Expected timestamp to be set")
	}
	if event.ID == "" {
		t.Error("Expected id to be set")
	}
}

func TestLogChildExited(t *testing.T) {
	logger, db := newTestLogger(t)

	if err := logger.LogChildExited("frontend", 77, 137, "signal: killed"); err != nil {
		t.Fatalf("LogChildExited failed: %v", err)
	}

	var event Event
	err := db.Get(&event, "SELECT * FROM audit_events WHERE event_type = $1", string(EventChildExited))
	if err != nil {
		t.Fatalf("Failed to retrieve event: %v", err)
	}

	if event.ExitCode == nil || *event.ExitCode != 137 {
		t.Errorf("Expected exit_code 137, got %v", event.ExitCode)
	}
	if event.Detail != "signal: killed" {
		t.Errorf("Expected detail 'signal: killed', got '%s'", event.Detail)
	}
}

func TestLogSpawnFailedAndRestart(t *testing.T) {
	logger, _ := newTestLogger(t)

	if err := logger.LogSpawnFailed("backend", "failed to spawn process: no such file"); err != nil {
		t.Fatalf("LogSpawnFailed failed: %v", err)
	}
	if err := logger.LogChildRestart("backend", 3, 4*time.Second); err != nil {
		t.Fatalf("LogChildRestart failed: %v", err)
	}

	events, err := logger.GetEventsByType(EventChildRestarted, 10)
	if err != nil {
		t.Fatalf("GetEventsByType failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 restart event, got %d", len(events))
	}
	if events[0].Detail != "attempt=3 backoff=4s" {
		t.Errorf("Unexpected detail '%s'", events[0].Detail)
	}
	if events[0].PID != nil {
		t.Errorf("Expected nil pid, got %v", *events[0].PID)
	}
}

func TestGetEventsByChild(t *testing.T) {
	logger, _ := newTestLogger(t)

	logger.LogChildStarted("backend", 1)
	logger.LogChildStopped("backend", 1, "terminated")
	logger.LogChildStarted("frontend", 2)

	events, err := logger.GetEventsByChild("backend", 10)
	if err != nil {
		t.Fatalf("GetEventsByChild failed: %v", err)
	}

	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}

	for _, event := range events {
		if event.Child != "backend" {
			t.Errorf("Event has wrong child: %s", event.Child)
		}
	}
}

func TestGetRecentEvents(t *testing.T) {
	logger, _ := newTestLogger(t)

	logger.LogSupervisorStarted([]string{"backend"})
	time.Sleep(10 * time.Millisecond)
	logger.LogChildStarted("backend", 10)
	time.Sleep(10 * time.Millisecond)
	logger.LogSupervisorStopped("signal=terminated")

	events, err := logger.GetRecentEvents(2)
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}

	// Most recent first
	if events[0].EventType != string(EventSupervisorStopped) {
		t.Errorf("Expected newest event first, got %s", events[0].EventType)
	}
	if events[0].Timestamp < events[1].Timestamp {
		t.Error("Events should be in descending timestamp order")
	}
}

func TestGetRecentEventsEmpty(t *testing.T) {
	logger, _ := newTestLogger(t)

	events, err := logger.GetRecentEvents(5)
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", events)
	}
}

func TestDeleteOldEvents(t *testing.T) {
	logger, db := newTestLogger(t)

	oldTimestamp := time.Now().UTC().Add(-2 * time.Hour).UnixMilli()
	for _, id := range []string{"old-event-1", "old-event-2"} {
		_, err := db.Exec(`
			INSERT INTO audit_events (id, event_type, timestamp, child)
			VALUES ($1, $2, $3, $4)`,
			id, string(EventChildStarted), oldTimestamp, "backend")
		if err != nil {
			t.Fatalf("Failed to insert old event: %v", err)
		}
	}

	logger.LogChildStarted("backend", 5)

	deleted, err := logger.DeleteOldEvents(time.Hour)
	if err != nil {
		t.Fatalf("DeleteOldEvents failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted events, got %d", deleted)
	}

	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM audit_events"); err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 remaining event, got %d", count)
	}
}
