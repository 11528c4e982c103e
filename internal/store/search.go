package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/flux/internal/llm"
)

// SearchResult is one search hit with a context snippet.
type SearchResult struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	Role           string    `json:"role"`
	Snippet        string    `json:"snippet"`
	// Rank is the absolute BM25 score under FTS5, 0.0 under the LIKE
	// fallback.
	Rank      float64   `json:"rank"`
	CreatedAt time.Time `json:"created_at"`
}

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	content_json,
	content=messages,
	content_rowid=id
);
CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, content_json) VALUES (new.id, new.content_json);
END;
CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content_json) VALUES ('delete', old.id, old.content_json);
END;
CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content_json) VALUES ('delete', old.id, old.content_json);
	INSERT INTO messages_fts(rowid, content_json) VALUES (new.id, new.content_json);
END;
`

// initFTS probes for FTS5 and creates the index plus sync triggers when it
// is available.
func (s *Store) initFTS() bool {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS fts5_probe USING fts5(x)"); err != nil {
		return false
	}
	s.db.Exec("DROP TABLE IF EXISTS fts5_probe")

	if _, err := s.db.Exec(ftsSchema); err != nil {
		return false
	}
	return true
}

// Search finds messages containing the query. Under FTS5 results are ranked
// by BM25; under the LIKE fallback by recency.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if s.fts {
		results, err := s.searchFTS(ctx, query, limit)
		if err == nil {
			return results, nil
		}
		// FTS5 rejects some query syntax; the LIKE path accepts anything.
	}
	return s.searchLIKE(ctx, query, limit)
}

func (s *Store) searchFTS(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content_json, m.created_at,
		        abs(bm25(messages_fts)) AS rank
		 FROM messages_fts f
		 JOIN messages m ON m.id = f.rowid
		 WHERE messages_fts MATCH ?
		 ORDER BY bm25(messages_fts)
		 LIMIT ?`, ftsQuote(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectResults(rows, query, true)
}

func (s *Store) searchLIKE(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content_json, created_at, 0.0 AS rank
		 FROM messages
		 WHERE content_json LIKE ? ESCAPE '\'
		 ORDER BY created_at DESC
		 LIMIT ?`, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()
	return s.collectResults(rows, query, false)
}

type searchRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func (s *Store) collectResults(rows searchRows, query string, ranked bool) ([]SearchResult, error) {
	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var contentJSON string
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.Role, &contentJSON, &r.CreatedAt, &r.Rank); err != nil {
			return nil, err
		}
		r.Snippet = snippet(plainText(contentJSON), query)
		results = append(results, r)
	}
	return results, rows.Err()
}

// plainText extracts the human-readable text from a stored content_json
// value for snippet extraction.
func plainText(contentJSON string) string {
	var content llm.MessageContent
	if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
		return contentJSON
	}
	if content.IsText() {
		return content.Plain
	}
	var b strings.Builder
	for _, block := range content.AsBlocks() {
		switch block.Type {
		case llm.BlockText:
			b.WriteString(block.Text)
		case llm.BlockToolResult:
			b.WriteString(block.Content)
		}
	}
	return b.String()
}

// snippetRadius is the context window around a match.
const snippetRadius = 100

// snippet returns ±100 characters around the first case-insensitive match,
// ellipsised at truncation boundaries, or the first 200 characters when the
// query does not literally occur.
func snippet(text, query string) string {
	runes := []rune(text)
	idx := runeIndexFold(text, query)
	if idx < 0 {
		if len(runes) <= 2*snippetRadius {
			return text
		}
		return string(runes[:2*snippetRadius]) + "..."
	}

	start := idx - snippetRadius
	end := idx + len([]rune(query)) + snippetRadius
	prefix, suffix := "", ""
	if start < 0 {
		start = 0
	} else if start > 0 {
		prefix = "..."
	}
	if end > len(runes) {
		end = len(runes)
	} else if end < len(runes) {
		suffix = "..."
	}
	return prefix + string(runes[start:end]) + suffix
}

// runeIndexFold returns the rune index of the first case-insensitive
// occurrence of query in text, or -1.
func runeIndexFold(text, query string) int {
	lower := strings.ToLower(text)
	q := strings.ToLower(query)
	byteIdx := strings.Index(lower, q)
	if byteIdx < 0 {
		return -1
	}
	return len([]rune(lower[:byteIdx]))
}

// ftsQuote wraps the query in double quotes so FTS5 treats it as a phrase
// rather than query syntax.
func ftsQuote(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
