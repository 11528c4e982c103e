package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/flux/internal/auth"
	"github.com/haasonsaas/flux/internal/webhooks"
)

type webhookCreateRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// handleWebhooks serves GET (list) and POST (register) on /api/webhooks.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Webhooks == nil {
		s.jsonError(w, "webhooks not configured", http.StatusNotImplemented)
		return
	}
	uc := userFrom(r.Context())

	switch r.Method {
	case http.MethodGet:
		// Admins see every registration, everyone else their own.
		filter := uc.UserID
		if uc.Role.AtLeast(auth.RoleAdmin) {
			filter = ""
		}
		hooks, err := s.cfg.Webhooks.List(r.Context(), filter)
		if err != nil {
			s.jsonError(w, "list failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})

	case http.MethodPost:
		var req webhookCreateRequest
		if err := decodeJSON(r, &req); err != nil || req.URL == "" {
			s.jsonError(w, "url is required", http.StatusBadRequest)
			return
		}
		if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
			s.jsonError(w, "url must be http or https", http.StatusBadRequest)
			return
		}
		wh, err := s.cfg.Webhooks.Create(r.Context(), uc.UserID, req.URL, req.Events, req.Secret)
		if err != nil {
			s.jsonError(w, "create failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusCreated, wh)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWebhook serves GET and DELETE on /api/webhooks/{id}, plus GET
// /api/webhooks/{id}/deliveries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Webhooks == nil {
		s.jsonError(w, "webhooks not configured", http.StatusNotImplemented)
		return
	}
	uc := userFrom(r.Context())

	id, sub := splitResource(r.URL.Path, "/webhooks/")
	if id == "" {
		s.jsonError(w, "webhook id is required", http.StatusBadRequest)
		return
	}

	wh, err := s.cfg.Webhooks.Get(r.Context(), id)
	if err != nil {
		s.jsonError(w, "webhook not found", http.StatusNotFound)
		return
	}
	if wh.UserID != uc.UserID && !uc.Role.AtLeast(auth.RoleAdmin) {
		s.jsonError(w, "forbidden", http.StatusForbidden)
		return
	}

	switch {
	case r.Method == http.MethodGet && sub == "deliveries":
		deliveries, err := s.cfg.Webhooks.Deliveries(r.Context(), id, 0)
		if err != nil {
			s.jsonError(w, "list failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})

	case r.Method == http.MethodGet && sub == "":
		s.writeJSON(w, http.StatusOK, wh)

	case r.Method == http.MethodDelete && sub == "":
		if err := s.cfg.Webhooks.Delete(r.Context(), id); err != nil {
			if errors.Is(err, webhooks.ErrWebhookNotFound) {
				s.jsonError(w, "webhook not found", http.StatusNotFound)
				return
			}
			s.jsonError(w, "delete failed", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// splitResource extracts the resource ID and optional sub-path from an URL
// like /api/v1/webhooks/{id}/deliveries.
func splitResource(path, marker string) (id, sub string) {
	idx := strings.Index(path, marker)
	if idx < 0 {
		return "", ""
	}
	rest := path[idx+len(marker):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		return rest[:slash], strings.Trim(rest[slash+1:], "/")
	}
	return rest, ""
}
