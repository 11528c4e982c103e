package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/haasonsaas/flux/internal/auth"
	"github.com/haasonsaas/flux/internal/store"
)

// handleConversations serves GET /api/conversations. Non-admins only see
// their own threads.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uc := userFrom(r.Context())

	userFilter := uc.UserID
	if uc.Role.AtLeast(auth.RoleAdmin) {
		userFilter = r.URL.Query().Get("user_id")
	}
	convs, err := s.cfg.Store.ListConversations(r.Context(), r.URL.Query().Get("interface"), userFilter, queryInt(r, "limit", 50))
	if err != nil {
		s.jsonError(w, "list failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleConversation serves /api/conversations/{id}:
//
//	GET            conversation with its messages and tags
//	DELETE         remove the conversation (cascades messages and tags)
//	POST   .../tags    {tag} attach a tag
//	DELETE .../tags/x  detach a tag
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	uc := userFrom(r.Context())
	id, sub := splitResource(r.URL.Path, "/conversations/")
	if id == "" {
		s.jsonError(w, "conversation id is required", http.StatusBadRequest)
		return
	}

	conv, err := s.cfg.Store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			s.jsonError(w, "conversation not found", http.StatusNotFound)
			return
		}
		s.jsonError(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if conv.UserID != uc.UserID && !uc.Role.AtLeast(auth.RoleAdmin) {
		s.jsonError(w, "forbidden", http.StatusForbidden)
		return
	}

	switch {
	case r.Method == http.MethodGet && sub == "":
		msgs, err := s.cfg.Store.GetMessages(r.Context(), id, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
		if err != nil {
			s.jsonError(w, "messages load failed", http.StatusInternalServerError)
			return
		}
		tags, _ := s.cfg.Store.GetTags(r.Context(), id)
		s.writeJSON(w, http.StatusOK, map[string]any{
			"conversation": conv,
			"messages":     msgs,
			"tags":         tags,
		})

	case r.Method == http.MethodDelete && sub == "":
		if err := s.cfg.Store.DeleteConversation(r.Context(), id); err != nil {
			s.jsonError(w, "delete failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case r.Method == http.MethodPost && sub == "tags":
		var req struct {
			Tag string `json:"tag"`
		}
		if err := decodeJSON(r, &req); err != nil || req.Tag == "" {
			s.jsonError(w, "tag is required", http.StatusBadRequest)
			return
		}
		added, err := s.cfg.Store.AddTag(r.Context(), id, req.Tag)
		if err != nil {
			s.jsonError(w, "tag failed", http.StatusBadRequest)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"added": added})

	case r.Method == http.MethodDelete && len(sub) > 5 && sub[:5] == "tags/":
		removed, err := s.cfg.Store.RemoveTag(r.Context(), id, sub[5:])
		if err != nil {
			s.jsonError(w, "untag failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSearch serves GET /api/search?q=...&limit=N over message content.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.jsonError(w, "q is required", http.StatusBadRequest)
		return
	}
	results, err := s.cfg.Store.Search(r.Context(), q, queryInt(r, "limit", 20))
	if err != nil {
		s.jsonError(w, "search failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"fts":     s.cfg.Store.FTSEnabled(),
	})
}

// handleTags serves GET /api/tags: all tags, or the conversations carrying
// ?tag=.
func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		ids, err := s.cfg.Store.FindByTag(r.Context(), tag)
		if err != nil {
			s.jsonError(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "conversation_ids": ids})
		return
	}
	tags, err := s.cfg.Store.ListAllTags(r.Context())
	if err != nil {
		s.jsonError(w, "list failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
