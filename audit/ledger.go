package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EventType represents the type of session event
type EventType string

const (
	EventCreated     EventType = "created"
	EventHarStarted  EventType = "har_started"
	EventPageStarted EventType = "page_started"
	EventClosed      EventType = "closed"
)

// SessionEvent represents a ledger entry in the database
type SessionEvent struct {
	ID        string `db:"id"`
	SessionID string `db:"session_id"`
	ProxyPort int    `db:"proxy_port"`
	EventType string `db:"event_type"`
	Detail    string `db:"detail"`
	Timestamp int64  `db:"timestamp"` // Unix milliseconds, UTC
}

// Ledger records the lifecycle of proxy sessions. It satisfies
// client.Recorder.
type Ledger struct {
	db *sqlx.DB
}

// NewLedger creates a ledger on an open database, creating its table if needed.
func NewLedger(db *sqlx.DB) (*Ledger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Ledger{
		db: db,
	}, nil
}

// Open opens (or creates) a sqlite ledger file.
func Open(path string) (*Ledger, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	ledger, err := NewLedger(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger %s: %w", path, err)
	}
	return ledger, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// DBInit initializes the session events table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		proxy_port INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_timestamp ON session_events(timestamp)`)
	return err
}

// RecordSessionEvent appends one event for a session.
func (l *Ledger) RecordSessionEvent(ctx context.Context, sessionID string, proxyPort int, event, detail string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, proxy_port, event_type, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(),
		sessionID,
		proxyPort,
		event,
		detail,
		time.Now().UTC().UnixMilli(),
	)
	return err
}

// EventsForSession returns the events of one session, oldest first.
func (l *Ledger) EventsForSession(ctx context.Context, sessionID string) ([]SessionEvent, error) {
	var events []SessionEvent
	err := l.db.SelectContext(ctx, &events,
		"SELECT id, session_id, proxy_port, event_type, detail, timestamp FROM session_events WHERE session_id = $1 ORDER BY timestamp, rowid",
		sessionID)
	return events, err
}

// RecentEvents returns the most recent events across all sessions.
func (l *Ledger) RecentEvents(ctx context.Context, limit int) ([]SessionEvent, error) {
	var events []SessionEvent
	err := l.db.SelectContext(ctx, &events,
		"SELECT id, session_id, proxy_port, event_type, detail, timestamp FROM session_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// OpenSessions returns the ids of sessions that were created but never
// closed, keyed to their proxy port.
func (l *Ledger) OpenSessions(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryxContext(ctx, `
		SELECT session_id, proxy_port FROM session_events
		WHERE event_type = $1
		AND session_id NOT IN (SELECT session_id FROM session_events WHERE event_type = $2)`,
		string(EventCreated), string(EventClosed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make(map[string]int)
	for rows.Next() {
		var sessionID string
		var proxyPort int
		if err := rows.Scan(&sessionID, &proxyPort); err != nil {
			return nil, err
		}
		sessions[sessionID] = proxyPort
	}
	return sessions, rows.Err()
}

// DeleteOldEvents deletes events older than the specified duration
func (l *Ledger) DeleteOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := l.db.ExecContext(ctx, "DELETE FROM session_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
