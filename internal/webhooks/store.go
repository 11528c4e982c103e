// Package webhooks implements outbound event webhooks: registration
// storage, HMAC-signed delivery with retry, and delivery history.
package webhooks

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Normative event types. Interfaces emit exactly these.
const (
	EventChatCompleted   = "chat.completed"
	EventChatError       = "chat.error"
	EventUserCreated     = "user.created"
	EventBackupCompleted = "backup.completed"
)

// ErrWebhookNotFound is returned for lookups of unknown webhook IDs.
var ErrWebhookNotFound = errors.New("webhooks: webhook not found")

// Webhook is one registered delivery target. An empty Events list means
// "subscribe to everything".
type Webhook struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	URL          string    `json:"url"`
	Events       []string  `json:"events"`
	Secret       string    `json:"secret"`
	IsActive     bool      `json:"is_active"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Delivery records one delivery attempt, success or failure.
type Delivery struct {
	ID           int64     `json:"id"`
	WebhookID    string    `json:"webhook_id"`
	EventType    string    `json:"event_type"`
	Payload      string    `json:"payload"`
	StatusCode   int       `json:"status_code"`
	ResponseBody string    `json:"response_body"`
	Attempt      int       `json:"attempt"`
	DeliveredAt  time.Time `json:"delivered_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS webhooks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	url TEXT NOT NULL,
	events_json TEXT NOT NULL DEFAULT '[]',
	secret TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhooks_user ON webhooks(user_id);
CREATE INDEX IF NOT EXISTS idx_webhooks_active ON webhooks(is_active);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	webhook_id TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	response_body TEXT NOT NULL DEFAULT '',
	attempt INTEGER NOT NULL DEFAULT 1,
	delivered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries(webhook_id, delivered_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_time ON webhook_deliveries(delivered_at);
`

// maxResponseBody caps stored response bodies at 4 KiB.
const maxResponseBody = 4 * 1024

// Store persists webhooks and their delivery history in SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the webhook database.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("webhooks: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("webhooks: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for maintenance jobs.
func (s *Store) DB() *sql.DB { return s.db }

// Create registers a webhook. A missing secret is auto-generated as 64 hex
// characters.
func (s *Store) Create(ctx context.Context, userID, url string, events []string, secret string) (*Webhook, error) {
	if secret == "" {
		var raw [32]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return nil, fmt.Errorf("webhooks: generate secret: %w", err)
		}
		secret = hex.EncodeToString(raw[:])
	}
	if events == nil {
		events = []string{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}

	wh := &Webhook{
		ID:        uuid.NewString(),
		UserID:    userID,
		URL:       url,
		Events:    events,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, user_id, url, events_json, secret, is_active, failure_count, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, 0, ?)`,
		wh.ID, wh.UserID, wh.URL, string(eventsJSON), wh.Secret, wh.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("webhooks: create: %w", err)
	}
	return wh, nil
}

// Get returns one webhook by ID.
func (s *Store) Get(ctx context.Context, id string) (*Webhook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, url, events_json, secret, is_active, failure_count, created_at
		 FROM webhooks WHERE id = ?`, id)
	return scanWebhook(row)
}

// List returns webhooks, optionally filtered by user.
func (s *Store) List(ctx context.Context, userID string) ([]Webhook, error) {
	query := `SELECT id, user_id, url, events_json, secret, is_active, failure_count, created_at
		 FROM webhooks`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("webhooks: list: %w", err)
	}
	defer rows.Close()

	var hooks []Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, *wh)
	}
	return hooks, rows.Err()
}

// Delete removes a webhook and its delivery history.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("webhooks: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

// ActiveForEvent returns active webhooks subscribed to the event type;
// webhooks with an empty events list match everything.
func (s *Store) ActiveForEvent(ctx context.Context, eventType string) ([]Webhook, error) {
	hooks, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var matched []Webhook
	for _, wh := range hooks {
		if !wh.IsActive {
			continue
		}
		if len(wh.Events) == 0 {
			matched = append(matched, wh)
			continue
		}
		for _, ev := range wh.Events {
			if ev == eventType {
				matched = append(matched, wh)
				break
			}
		}
	}
	return matched, nil
}

// RecordDelivery appends one delivery attempt. Response bodies are
// truncated to 4 KiB.
func (s *Store) RecordDelivery(ctx context.Context, d Delivery) error {
	if len(d.ResponseBody) > maxResponseBody {
		d.ResponseBody = d.ResponseBody[:maxResponseBody]
	}
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (webhook_id, event_type, payload, status_code, response_body, attempt, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.WebhookID, d.EventType, d.Payload, d.StatusCode, d.ResponseBody, d.Attempt, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("webhooks: record delivery: %w", err)
	}
	return nil
}

// Deliveries returns the newest delivery records for a webhook.
func (s *Store) Deliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, webhook_id, event_type, payload, status_code, response_body, attempt, delivered_at
		 FROM webhook_deliveries WHERE webhook_id = ? ORDER BY delivered_at DESC, id DESC LIMIT ?`,
		webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("webhooks: deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.Payload, &d.StatusCode, &d.ResponseBody, &d.Attempt, &d.DeliveredAt); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// ResetFailures zeroes the failure counter after a successful delivery.
func (s *Store) ResetFailures(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE webhooks SET failure_count = 0 WHERE id = ?`, id)
	return err
}

// IncrementFailure bumps the failure counter and returns the new value.
func (s *Store) IncrementFailure(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `UPDATE webhooks SET failure_count = failure_count + 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT failure_count FROM webhooks WHERE id = ?`, id).Scan(&count)
	return count, err
}

// Deactivate marks a webhook inactive.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE webhooks SET is_active = 0 WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*Webhook, error) {
	var wh Webhook
	var eventsJSON string
	var active int
	err := row.Scan(&wh.ID, &wh.UserID, &wh.URL, &eventsJSON, &wh.Secret, &active, &wh.FailureCount, &wh.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("webhooks: scan: %w", err)
	}
	wh.IsActive = active != 0
	if err := json.Unmarshal([]byte(eventsJSON), &wh.Events); err != nil {
		wh.Events = []string{}
	}
	return &wh, nil
}
