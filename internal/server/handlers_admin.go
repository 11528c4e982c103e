package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/haasonsaas/flux/internal/audit"
	"github.com/haasonsaas/flux/internal/auth"
	"github.com/haasonsaas/flux/internal/marketplace"
	"github.com/haasonsaas/flux/internal/scheduler"
	"github.com/haasonsaas/flux/internal/webhooks"
)

// handleUsage serves GET /api/usage: today's consumption for the caller,
// or ?days=N for history.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Usage == nil {
		s.jsonError(w, "usage tracking not configured", http.StatusNotImplemented)
		return
	}
	uc := userFrom(r.Context())

	if days := queryInt(r, "days", 0); days > 0 {
		hist, err := s.cfg.Usage.History(uc.UserID, days)
		if err != nil {
			s.jsonError(w, "usage load failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"history": hist})
		return
	}
	today, err := s.cfg.Usage.Today(uc.UserID)
	if err != nil {
		s.jsonError(w, "usage load failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"today": today})
}

// handleKnowledge serves GET (list) and POST (add) on /api/knowledge.
func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Knowledge == nil {
		s.jsonError(w, "knowledge base not configured", http.StatusNotImplemented)
		return
	}
	switch r.Method {
	case http.MethodGet:
		docs, err := s.cfg.Knowledge.ListDocuments()
		if err != nil {
			s.jsonError(w, "list failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"documents": docs})

	case http.MethodPost:
		var req struct {
			Title   string `json:"title"`
			Content string `json:"content"`
			Source  string `json:"source,omitempty"`
		}
		if err := decodeJSON(r, &req); err != nil || req.Title == "" || req.Content == "" {
			s.jsonError(w, "title and content are required", http.StatusBadRequest)
			return
		}
		doc, err := s.cfg.Knowledge.AddDocument(r.Context(), req.Title, req.Content, req.Source)
		if err != nil {
			s.jsonError(w, "add failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusCreated, doc)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKnowledgeDoc serves GET and DELETE on /api/knowledge/{id}.
func (s *Server) handleKnowledgeDoc(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Knowledge == nil {
		s.jsonError(w, "knowledge base not configured", http.StatusNotImplemented)
		return
	}
	id, _ := splitResource(r.URL.Path, "/knowledge/")
	if id == "" || id == "search" {
		s.handleKnowledgeSearch(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.cfg.Knowledge.GetDocument(id)
		if err != nil {
			s.jsonError(w, "document not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, doc)

	case http.MethodDelete:
		if err := s.cfg.Knowledge.DeleteDocument(r.Context(), id); err != nil {
			s.jsonError(w, "document not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKnowledgeSearch serves GET /api/knowledge/search?q=...&k=N.
func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Knowledge == nil {
		s.jsonError(w, "knowledge base not configured", http.StatusNotImplemented)
		return
	}
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.jsonError(w, "q is required", http.StatusBadRequest)
		return
	}
	results, err := s.cfg.Knowledge.Search(q, queryInt(r, "k", 5))
	if err != nil {
		s.jsonError(w, "search failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleTools serves GET /api/tools: the live registry plus rejection
// reasons, after a reload pass.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Registry == nil {
		s.jsonError(w, "tools not configured", http.StatusNotImplemented)
		return
	}
	if _, err := s.cfg.Registry.ReloadIfChanged(r.Context()); err != nil {
		s.cfg.Logger.Warn(r.Context(), "tool reload failed", "error", err.Error())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tools":    s.cfg.Registry.Schemas(),
		"rejected": s.cfg.Registry.Rejected(),
	})
}

// handleMarketplaceList serves GET /api/marketplace: catalog plus the
// installed set with integrity status.
func (s *Server) handleMarketplaceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Market == nil {
		s.jsonError(w, "marketplace not configured", http.StatusNotImplemented)
		return
	}
	catalog, err := s.cfg.Market.Registry()
	if err != nil {
		s.jsonError(w, "catalog load failed", http.StatusInternalServerError)
		return
	}
	installed, err := s.cfg.Market.Installed()
	if err != nil {
		s.jsonError(w, "installed load failed", http.StatusInternalServerError)
		return
	}
	integrity, _ := s.cfg.Market.VerifyIntegrity()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"catalog":   catalog,
		"installed": installed,
		"integrity": integrity,
	})
}

// handleMarketplaceInstall serves POST /api/marketplace/install {name}.
func (s *Server) handleMarketplaceInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Market == nil {
		s.jsonError(w, "marketplace not configured", http.StatusNotImplemented)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		s.jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	rec, err := s.cfg.Market.Install(r.Context(), req.Name)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, marketplace.ErrUnknownTool) {
			status = http.StatusNotFound
		}
		s.jsonError(w, err.Error(), status)
		return
	}
	uc := userFrom(r.Context())
	s.auditRecord(r, audit.EventToolInstalled, uc.UserID, req.Name)
	s.writeJSON(w, http.StatusCreated, rec)
}

// handleMarketplaceUninstall serves POST /api/marketplace/uninstall {name}.
func (s *Server) handleMarketplaceUninstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Market == nil {
		s.jsonError(w, "marketplace not configured", http.StatusNotImplemented)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		s.jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Market.Uninstall(r.Context(), req.Name); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, marketplace.ErrNotInstalled) {
			status = http.StatusNotFound
		}
		s.jsonError(w, err.Error(), status)
		return
	}
	uc := userFrom(r.Context())
	s.auditRecord(r, audit.EventToolUninstalled, uc.UserID, req.Name)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

// handleSchedule serves GET (list entries + history) and POST (add) on
// /api/schedule.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.jsonError(w, "scheduler not configured", http.StatusNotImplemented)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"entries": s.cfg.Scheduler.List(),
			"history": s.cfg.Scheduler.History(),
		})

	case http.MethodPost:
		var req struct {
			Type        string         `json:"type"`
			Cron        string         `json:"cron,omitempty"`
			RunAt       *time.Time     `json:"run_at,omitempty"`
			Action      string         `json:"action"`
			Content     string         `json:"content,omitempty"`
			ToolName    string         `json:"tool_name,omitempty"`
			ToolArgs    map[string]any `json:"tool_args,omitempty"`
			Description string         `json:"description,omitempty"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.jsonError(w, "invalid body", http.StatusBadRequest)
			return
		}
		task := scheduler.Task{Action: req.Action, Content: req.Content, ToolName: req.ToolName, ToolArgs: req.ToolArgs}

		var entry *scheduler.Entry
		var err error
		switch req.Type {
		case scheduler.TypeOnce:
			if req.RunAt == nil {
				s.jsonError(w, "run_at is required for once entries", http.StatusBadRequest)
				return
			}
			entry, err = s.cfg.Scheduler.AddOnce(*req.RunAt, task, req.Description)
		case scheduler.TypeRecurring:
			entry, err = s.cfg.Scheduler.AddRecurring(req.Cron, task, req.Description)
		default:
			s.jsonError(w, "type must be once or recurring", http.StatusBadRequest)
			return
		}
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeJSON(w, http.StatusCreated, entry)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleScheduleEntry serves DELETE and PUT (enable/disable) on
// /api/schedule/{id}.
func (s *Server) handleScheduleEntry(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.jsonError(w, "scheduler not configured", http.StatusNotImplemented)
		return
	}
	id, _ := splitResource(r.URL.Path, "/schedule/")
	if id == "" {
		s.jsonError(w, "entry id is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.cfg.Scheduler.Remove(id); err != nil {
			s.jsonError(w, "entry not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case http.MethodPut:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.jsonError(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := s.cfg.Scheduler.SetEnabled(id, req.Enabled); err != nil {
			s.jsonError(w, "entry not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAudit serves GET /api/admin/audit with optional type/user/limit
// filters.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Audit == nil {
		s.jsonError(w, "audit log not configured", http.StatusNotImplemented)
		return
	}
	q := audit.Query{
		Type:   audit.EventType(r.URL.Query().Get("type")),
		UserID: r.URL.Query().Get("user_id"),
		Limit:  queryInt(r, "limit", 100),
	}
	events, err := s.cfg.Audit.Events(r.Context(), q)
	if err != nil {
		s.jsonError(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleBackup serves POST /api/admin/backup: creates an archive and emits
// backup.completed.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Backups == nil {
		s.jsonError(w, "backups not configured", http.StatusNotImplemented)
		return
	}
	path, err := s.cfg.Backups.Create(r.Context())
	if err != nil {
		s.jsonError(w, "backup failed", http.StatusInternalServerError)
		return
	}
	uc := userFrom(r.Context())
	s.auditRecord(r, audit.EventBackupCreated, uc.UserID, path)
	s.dispatch(r.Context(), webhooks.EventBackupCompleted, map[string]any{"path": path})
	s.writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// handleUsers serves GET (list) and POST (create) on /api/admin/users. The
// raw API key appears once in the create response and is never shown again.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Users == nil {
		s.jsonError(w, "user management not configured", http.StatusNotImplemented)
		return
	}
	switch r.Method {
	case http.MethodGet:
		users, err := s.cfg.Users.ListUsers(r.Context())
		if err != nil {
			s.jsonError(w, "list failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"users": users})

	case http.MethodPost:
		var req struct {
			Username      string `json:"username"`
			Role          string `json:"role"`
			MaxDailyCalls int    `json:"max_daily_calls"`
		}
		if err := decodeJSON(r, &req); err != nil || req.Username == "" {
			s.jsonError(w, "username is required", http.StatusBadRequest)
			return
		}
		role := auth.Role(req.Role)
		if req.Role == "" {
			role = auth.RoleUser
		}
		u, rawKey, err := s.cfg.Users.CreateUser(r.Context(), req.Username, role, req.MaxDailyCalls)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, auth.ErrUsernameTaken) {
				status = http.StatusConflict
			}
			s.jsonError(w, err.Error(), status)
			return
		}
		s.auditRecord(r, audit.EventUserCreated, u.ID, u.Username)
		s.dispatch(r.Context(), webhooks.EventUserCreated, map[string]any{
			"user_id":  u.ID,
			"username": u.Username,
			"role":     string(u.Role),
		})
		s.writeJSON(w, http.StatusCreated, map[string]any{"user": u, "api_key": rawKey})

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
