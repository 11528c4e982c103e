package store

import (
	"context"
	"fmt"
	"strings"
)

// AddTag attaches a tag to a conversation. Tags are normalised to lowercase
// and stripped. Returns true when newly added, false when it already
// existed.
func (s *Store) AddTag(ctx context.Context, conversationID, tag string) (bool, error) {
	tag = normalizeTag(tag)
	if tag == "" {
		return false, fmt.Errorf("store: empty tag")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_tags (conversation_id, tag) VALUES (?, ?)`,
		conversationID, tag)
	if err != nil {
		return false, fmt.Errorf("store: add tag: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveTag detaches a tag. Returns true when a row was removed.
func (s *Store) RemoveTag(ctx context.Context, conversationID, tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_tags WHERE conversation_id = ? AND tag = ?`,
		conversationID, normalizeTag(tag))
	if err != nil {
		return false, fmt.Errorf("store: remove tag: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetTags returns the conversation's tags sorted alphabetically.
func (s *Store) GetTags(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM conversation_tags WHERE conversation_id = ? ORDER BY tag`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: get tags: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// ListAllTags returns every distinct tag in use.
func (s *Store) ListAllTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tag FROM conversation_tags ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("store: list tags: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// FindByTag returns IDs of conversations carrying the tag, newest-updated
// first.
func (s *Store) FindByTag(ctx context.Context, tag string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.conversation_id
		 FROM conversation_tags t
		 JOIN conversations c ON c.id = t.conversation_id
		 WHERE t.tag = ?
		 ORDER BY c.updated_at DESC`, normalizeTag(tag))
	if err != nil {
		return nil, fmt.Errorf("store: find by tag: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

type stringRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectStrings(rows stringRows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
