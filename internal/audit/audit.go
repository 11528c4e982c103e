// Package audit provides an append-only SQLite event log for security and
// operational events: authentication outcomes, tool approvals, marketplace
// installs, admin actions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// EventType categorizes audit events.
type EventType string

const (
	// Auth events
	EventAuthSuccess  EventType = "auth_success"
	EventAuthFailure  EventType = "auth_failure"
	EventTokenIssued  EventType = "token_issued"
	EventTokenRevoked EventType = "token_revoked"

	// User lifecycle
	EventUserCreated     EventType = "user_created"
	EventUserDeactivated EventType = "user_deactivated"
	EventKeyRotated      EventType = "key_rotated"

	// Tool events
	EventToolApproved EventType = "tool_approved"
	EventToolRejected EventType = "tool_rejected"
	EventToolExecuted EventType = "tool_executed"
	EventToolDenied   EventType = "tool_denied"

	// Marketplace events
	EventToolInstalled   EventType = "tool_installed"
	EventToolUninstalled EventType = "tool_uninstalled"

	// Operational events
	EventBackupCreated  EventType = "backup_created"
	EventBackupRestored EventType = "backup_restored"
	EventRetentionSweep EventType = "retention_sweep"
)

// Auth failure reasons recorded in event details.
const (
	ReasonEmptyToken  = "empty_token"
	ReasonInvalidKey  = "invalid_key"
	ReasonDeactivated = "deactivated"
)

// Event is one audit log entry.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Query filters audit log reads. Zero values mean "no filter".
type Query struct {
	Type   EventType
	UserID string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Log is the append-only audit store. Events are never updated or deleted
// through this type; only the retention manager prunes them.
type Log struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	resource   TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);
`

// Open opens (creating if necessary) the audit database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error { return l.db.Close() }

// Record appends one event. Details are stored as JSON.
func (l *Log) Record(ctx context.Context, typ EventType, userID, resource string, details map[string]any) error {
	detailsJSON := "{}"
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		detailsJSON = string(raw)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, event_type, user_id, resource, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), string(typ), userID, resource, detailsJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", typ, err)
	}
	return nil
}

// AuthSuccess records a successful authentication.
func (l *Log) AuthSuccess(ctx context.Context, userID, method string) {
	_ = l.Record(ctx, EventAuthSuccess, userID, "", map[string]any{"method": method})
}

// AuthFailure records a failed authentication with one of the Reason*
// constants.
func (l *Log) AuthFailure(ctx context.Context, reason string) {
	_ = l.Record(ctx, EventAuthFailure, "", "", map[string]any{"reason": reason})
}

// Events returns entries matching the query, newest first.
func (l *Log) Events(ctx context.Context, q Query) ([]Event, error) {
	var conds []string
	var args []any

	if q.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(q.Type))
	}
	if q.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, q.UserID)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, q.Until.UTC())
	}

	query := "SELECT id, event_type, user_id, resource, details, created_at FROM audit_events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detailsJSON string
		if err := rows.Scan(&e.ID, &e.Type, &e.UserID, &e.Resource, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detailsJSON != "" && detailsJSON != "{}" {
			_ = json.Unmarshal([]byte(detailsJSON), &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the number of events matching the type filter ("" counts
// all).
func (l *Log) Count(ctx context.Context, typ EventType) (int, error) {
	var n int
	var err error
	if typ == "" {
		err = l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n)
	} else {
		err = l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events WHERE event_type = ?", string(typ)).Scan(&n)
	}
	return n, err
}

// DB exposes the handle for backup and retention tooling.
func (l *Log) DB() *sql.DB { return l.db }
