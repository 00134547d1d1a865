package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vitalsync/vitalsync/internal/search"
)

// EventLog is an append-only audit trail of queue lifecycle events, kept in
// a separate SQLite database so audit writes never contend with the
// operation store. Failures to append are logged, not propagated: audit is
// observability, not correctness.
type EventLog struct {
	db *sql.DB
}

// AuditEvent is one recorded lifecycle event.
type AuditEvent struct {
	ID         int             `json:"id"`
	Type       string          `json:"type"`
	OpID       string          `json:"op_id,omitempty"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// OpenEventLog creates or opens dataDir/events.db.
func OpenEventLog(dataDir string) (*EventLog, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "events.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping events db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			type        TEXT NOT NULL,
			op_id       TEXT,
			entity_type TEXT,
			entity_id   TEXT,
			data        TEXT,
			created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now'))
		);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate events db: %w", err)
	}

	slog.Info("event log opened", "path", path)
	return &EventLog{db: db}, nil
}

// Append records an event. Errors are logged and swallowed.
func (l *EventLog) Append(eventType, opID, entityType, entityID string, data map[string]any) {
	var dataJSON any
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			slog.Warn("marshal audit event data", "type", eventType, "error", err)
		} else {
			dataJSON = string(b)
		}
	}
	_, err := l.db.Exec(
		`INSERT INTO events (type, op_id, entity_type, entity_id, data) VALUES (?, ?, ?, ?, ?)`,
		eventType, nullable(opID), nullable(entityType), nullable(entityID), dataJSON,
	)
	if err != nil {
		slog.Warn("append audit event", "type", eventType, "error", err)
	}
}

// Recent returns the newest events, most recent first.
func (l *EventLog) Recent(limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(
		`SELECT id, type, COALESCE(op_id, ''), COALESCE(entity_type, ''), COALESCE(entity_id, ''), COALESCE(data, ''), created_at
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var data, createdAt string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.OpID, &ev.EntityType, &ev.EntityID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data != "" {
			ev.Data = json.RawMessage(data)
		}
		if t, err := time.Parse("2006-01-02T15:04:05.000", createdAt); err == nil {
			ev.CreatedAt = t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventSearchResult is one page of filtered audit events.
type EventSearchResult struct {
	Events  []AuditEvent `json:"events"`
	Total   int          `json:"total"`
	Cursor  string       `json:"cursor,omitempty"`
	HasMore bool         `json:"has_more"`
}

// Search runs a filtered, paginated query over the event log.
func (l *EventLog) Search(f search.Filter) (*EventSearchResult, error) {
	query, countQuery, args, countArgs, err := search.BuildQuery(f)
	if err != nil {
		return nil, err
	}

	var total int
	if err := l.db.QueryRow(countQuery, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var data, createdAt string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.OpID, &ev.EntityType, &ev.EntityID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data != "" {
			ev.Data = json.RawMessage(data)
		}
		if t, err := time.Parse("2006-01-02T15:04:05.000", createdAt); err == nil {
			ev.CreatedAt = t
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	offset := search.DecodeCursor(f.Cursor)
	result := &EventSearchResult{Events: events, Total: total}
	if offset+len(events) < total {
		result.HasMore = true
		result.Cursor = search.EncodeCursor(offset + len(events))
	}
	return result, nil
}

// CountByType returns the number of recorded events of one type.
func (l *EventLog) CountByType(eventType string) (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM events WHERE type = ?`, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close closes the event database.
// Prune deletes events older than the retention window and returns how
// many were removed.
func (l *EventLog) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format("2006-01-02T15:04:05.000")
	res, err := l.db.Exec("DELETE FROM events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (l *EventLog) Close() error {
	return l.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
