// Package store persists conversations and messages in SQLite with
// full-text search, tagging, and one-time migration from the legacy JSON
// history directory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/haasonsaas/flux/internal/llm"
	"github.com/haasonsaas/flux/internal/observability"
)

// ErrConversationNotFound is returned for unknown conversation IDs.
var ErrConversationNotFound = errors.New("store: conversation not found")

// Conversation is a persisted message thread.
type Conversation struct {
	ID        string         `json:"id"`
	Interface string         `json:"interface"`
	UserID    string         `json:"user_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StoredMessage is one persisted message row.
type StoredMessage struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           string      `json:"role"`
	Message        llm.Message `json:"message"`
	TokenCount     int         `json:"token_count,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Store is the SQLite-backed conversation store. One connection per store;
// writes serialize on an in-process mutex, reads rely on SQLite's own
// locking.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	fts    bool
	logger *observability.Logger
}

const convSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	interface     TEXT NOT NULL DEFAULT 'api',
	user_id       TEXT NOT NULL DEFAULT 'default',
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_conv_interface ON conversations(interface, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_conv_updated ON conversations(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_conv_user ON conversations(user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content_json    TEXT NOT NULL,
	token_count     INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS conversation_tags (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	tag             TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(conversation_id, tag)
);
`

// Open opens (creating if necessary) the conversation database at path and
// probes for FTS5.
func Open(path string, logger *observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(convSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	s := &Store{db: db, logger: logger}
	s.fts = s.initFTS()
	if !s.fts {
		logger.Warn(context.Background(), "FTS5 unavailable, search falls back to LIKE")
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// FTSEnabled reports whether full-text search is active.
func (s *Store) FTSEnabled() bool { return s.fts }

// CreateConversation starts a new thread. Empty IDs are generated; empty
// user IDs fall back to "default".
func (s *Store) CreateConversation(ctx context.Context, id, iface, userID string, metadata map[string]any) (*Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if iface == "" {
		iface = "api"
	}
	if userID == "" {
		userID = "default"
	}

	metaJSON := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("store: marshal metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, interface, user_id, created_at, updated_at, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, iface, userID, now, now, metaJSON)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}

	return &Conversation{ID: id, Interface: iface, UserID: userID, CreatedAt: now, UpdatedAt: now, Metadata: metadata}, nil
}

// GetConversation fetches one conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, interface, user_id, created_at, updated_at, metadata_json
		 FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

// AddMessage appends a message and bumps the conversation's updated_at in
// one transaction. Message content is stored as JSON: plain strings as JSON
// strings, block lists as-is.
func (s *Store) AddMessage(ctx context.Context, conversationID string, msg llm.Message, tokenCount int) (int64, error) {
	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return 0, fmt.Errorf("store: marshal content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content_json, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conversationID, msg.Role, string(contentJSON), tokenCount, now)
	if err != nil {
		return 0, fmt.Errorf("store: add message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return 0, fmt.Errorf("store: bump conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetMessages returns the conversation's messages in insertion order.
// limit <= 0 means all; offset skips from the start.
func (s *Store) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]StoredMessage, error) {
	query := `SELECT id, conversation_id, role, content_json, token_count, created_at
	          FROM messages WHERE conversation_id = ? ORDER BY created_at, id`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var contentJSON string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &contentJSON, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Message.Role = m.Role
		if err := json.Unmarshal([]byte(contentJSON), &m.Message.Content); err != nil {
			// Legacy rows may hold bare text; keep them readable.
			m.Message.Content = llm.TextContent(contentJSON)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// History returns the conversation's messages in the engine's shape,
// trimmed to the most recent max entries when max > 0.
func (s *Store) History(ctx context.Context, conversationID string, max int) ([]llm.Message, error) {
	stored, err := s.GetMessages(ctx, conversationID, 0, 0)
	if err != nil {
		return nil, err
	}
	if max > 0 && len(stored) > max {
		stored = stored[len(stored)-max:]
	}
	msgs := make([]llm.Message, len(stored))
	for i, m := range stored {
		msgs[i] = m.Message
	}
	return msgs, nil
}

// ListConversations returns conversations newest-updated first, optionally
// filtered by interface and user.
func (s *Store) ListConversations(ctx context.Context, iface, userID string, limit int) ([]Conversation, error) {
	query := `SELECT id, interface, user_id, created_at, updated_at, metadata_json FROM conversations`
	var conds []string
	var args []any
	if iface != "" {
		conds = append(conds, "interface = ?")
		args = append(args, iface)
	}
	if userID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, userID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY updated_at DESC"
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes the conversation; messages and tags cascade.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// DB exposes the handle for backup and retention tooling.
func (s *Store) DB() *sql.DB { return s.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var metaJSON string
	if err := row.Scan(&c.ID, &c.Interface, &c.UserID, &c.CreatedAt, &c.UpdatedAt, &metaJSON); err != nil {
		return nil, err
	}
	if metaJSON != "" && metaJSON != "{}" {
		_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
	}
	return &c, nil
}
