package audit

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) *sqlx.DB {
	dbPath := path.Join(t.TempDir(), "test_ledger.db")
	db := sqlx.MustConnect("sqlite3", dbPath)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func setupTestLedger(t *testing.T) *Ledger {
	ledger, err := NewLedger(setupTestDB(t))
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}
	return ledger
}

func TestDBInit(t *testing.T) {
	db := setupTestDB(t)
	if err := DBInit(db); err != nil {
		t.Fatalf("DBInit returned error: %v", err)
	}
	// Idempotent
	if err := DBInit(db); err != nil {
		t.Fatalf("second DBInit returned error: %v", err)
	}

	var tableName string
	err := db.Get(&tableName, "SELECT name FROM sqlite_master WHERE type='table' AND name='session_events'")
	if err != nil {
		t.Fatalf("Table 'session_events' does not exist: %v", err)
	}

	var count int
	err = db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND tbl_name='session_events'")
	if err != nil {
		t.Fatalf("Failed to query indexes: %v", err)
	}
	if count < 2 {
		t.Errorf("Expected at least 2 indexes, got %d", count)
	}
}

func TestOpen(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "ledger.db")
	ledger, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := ledger.RecordSessionEvent(context.Background(), "s1", 9091, string(EventCreated), ""); err != nil {
		t.Fatalf("RecordSessionEvent failed: %v", err)
	}
	ledger.Close()

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.EventsForSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("EventsForSession failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 event after reopen, got %d", len(events))
	}
}

func TestRecordSessionEvent(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	if err := ledger.RecordSessionEvent(ctx, "session-a", 9091, string(EventCreated), "upstream:3128"); err != nil {
		t.Fatalf("RecordSessionEvent failed: %v", err)
	}

	var event SessionEvent
	err := ledger.db.Get(&event, "SELECT * FROM session_events WHERE session_id = $1", "session-a")
	if err != nil {
		t.Fatalf("Failed to retrieve event: %v", err)
	}

	if event.ID == "" {
		t.Error("Expected id to be set")
	}
	if event.ProxyPort != 9091 {
		t.Errorf("Expected proxy_port 9091, got %d", event.ProxyPort)
	}
	if event.EventType != string(EventCreated) {
		t.Errorf("Expected event_type '%s', got '%s'", EventCreated, event.EventType)
	}
	if event.Detail != "upstream:3128" {
		t.Errorf("Expected detail 'upstream:3128', got '%s'", event.Detail)
	}
	if event.Timestamp == 0 {
		t.Error("Expected timestamp to be set")
	}
}

func TestEventsForSession(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	ledger.RecordSessionEvent(ctx, "a", 9091, string(EventCreated), "")
	ledger.RecordSessionEvent(ctx, "b", 9092, string(EventCreated), "")
	ledger.RecordSessionEvent(ctx, "a", 9091, string(EventHarStarted), "login")
	ledger.RecordSessionEvent(ctx, "a", 9091, string(EventPageStarted), "")
	ledger.RecordSessionEvent(ctx, "a", 9091, string(EventClosed), "")

	events, err := ledger.EventsForSession(ctx, "a")
	if err != nil {
		t.Fatalf("EventsForSession failed: %v", err)
	}

	expected := []EventType{EventCreated, EventHarStarted, EventPageStarted, EventClosed}
	if len(events) != len(expected) {
		t.Fatalf("Expected %d events, got %d", len(expected), len(events))
	}
	for i, event := range events {
		if event.EventType != string(expected[i]) {
			t.Errorf("Event %d: expected '%s', got '%s'", i, expected[i], event.EventType)
		}
		if event.SessionID != "a" {
			t.Errorf("Event %d has wrong session: %s", i, event.SessionID)
		}
	}
}

func TestRecentEvents(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	ledger.RecordSessionEvent(ctx, "a", 9091, string(EventCreated), "")
	time.Sleep(10 * time.Millisecond)
	ledger.RecordSessionEvent(ctx, "b", 9092, string(EventCreated), "")
	time.Sleep(10 * time.Millisecond)
	ledger.RecordSessionEvent(ctx, "c", 9093, string(EventCreated), "")

	events, err := ledger.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].SessionID != "c" || events[1].SessionID != "b" {
		t.Errorf("Events should be most recent first, got %s, %s", events[0].SessionID, events[1].SessionID)
	}
}

func TestOpenSessions(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	ledger.RecordSessionEvent(ctx, "a", 9091, string(EventCreated), "")
	ledger.RecordSessionEvent(ctx, "b", 9092, string(EventCreated), "")
	ledger.RecordSessionEvent(ctx, "c", 9093, string(EventCreated), "")
	ledger.RecordSessionEvent(ctx, "b", 9092, string(EventClosed), "")

	sessions, err := ledger.OpenSessions(ctx)
	if err != nil {
		t.Fatalf("OpenSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 open sessions, got %d", len(sessions))
	}
	if sessions["a"] != 9091 || sessions["c"] != 9093 {
		t.Errorf("Unexpected open sessions: %v", sessions)
	}
}

func TestDeleteOldEvents(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	oldTimestamp := time.Now().UTC().Add(-2 * time.Hour).UnixMilli()
	_, err := ledger.db.Exec(`
		INSERT INTO session_events (id, session_id, proxy_port, event_type, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		"old-event-1", "old", 9091, string(EventCreated), oldTimestamp)
	if err != nil {
		t.Fatalf("Failed to insert old event: %v", err)
	}

	ledger.RecordSessionEvent(ctx, "new", 9092, string(EventCreated), "")

	deleted, err := ledger.DeleteOldEvents(ctx, time.Hour)
	if err != nil {
		t.Fatalf("DeleteOldEvents failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted event, got %d", deleted)
	}

	var count int
	ledger.db.Get(&count, "SELECT COUNT(*) FROM session_events")
	if count != 1 {
		t.Errorf("Expected 1 remaining event, got %d", count)
	}
}
