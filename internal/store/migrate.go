package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/flux/internal/llm"
)

// migrationMarker is written to the history directory after a successful
// migration so reruns are no-ops.
const migrationMarker = ".flux_migrated"

// historyFile is the legacy on-disk conversation format: one JSON file per
// conversation.
type historyFile struct {
	Interface string `json:"interface"`
	UserID    string `json:"user_id"`
	Messages  []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// MigrateFromHistoryDir imports legacy JSON history files once. The file's
// base name becomes the conversation ID. Returns the number of
// conversations imported; zero with no error when already migrated or the
// directory does not exist.
func (s *Store) MigrateFromHistoryDir(ctx context.Context, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(filepath.Join(dir, migrationMarker)); err == nil {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: read history dir: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable history file", "path", path, "error", err.Error())
			continue
		}
		var hf historyFile
		if err := json.Unmarshal(raw, &hf); err != nil {
			s.logger.Warn(ctx, "skipping malformed history file", "path", path, "error", err.Error())
			continue
		}

		convID := strings.TrimSuffix(entry.Name(), ".json")
		if _, err := s.GetConversation(ctx, convID); err == nil {
			continue // already imported on a previous partial run
		}
		if _, err := s.CreateConversation(ctx, convID, hf.Interface, hf.UserID, nil); err != nil {
			return imported, err
		}
		for _, m := range hf.Messages {
			var content llm.MessageContent
			if err := json.Unmarshal(m.Content, &content); err != nil {
				content = llm.TextContent(string(m.Content))
			}
			if _, err := s.AddMessage(ctx, convID, llm.Message{Role: m.Role, Content: content}, 0); err != nil {
				return imported, err
			}
		}
		imported++
	}

	marker := fmt.Sprintf("migrated %d conversations at %s\n", imported, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(dir, migrationMarker), []byte(marker), 0o644); err != nil {
		return imported, fmt.Errorf("store: write migration marker: %w", err)
	}
	return imported, nil
}
