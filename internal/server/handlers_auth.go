package server

import (
	"errors"
	"net/http"

	"github.com/haasonsaas/flux/internal/audit"
	"github.com/haasonsaas/flux/internal/auth"
)

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// handleToken exchanges an API key for a JWT access token plus a refresh
// token. 501 when JWT auth is not configured.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.JWT == nil || !s.cfg.JWT.Enabled() || s.cfg.Users == nil {
		s.jsonError(w, "token auth not configured", http.StatusNotImplemented)
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil || req.APIKey == "" {
		s.jsonError(w, "api_key is required", http.StatusBadRequest)
		return
	}

	u, err := s.cfg.Users.AuthenticateAPIKey(r.Context(), req.APIKey)
	if err != nil {
		s.jsonError(w, "invalid API key", http.StatusUnauthorized)
		return
	}

	access, err := s.cfg.JWT.Issue(u)
	if err != nil {
		s.jsonError(w, "token issuance failed", http.StatusInternalServerError)
		return
	}
	refresh, err := s.cfg.Users.IssueRefreshToken(r.Context(), u.ID, s.cfg.RefreshTTL)
	if err != nil {
		s.jsonError(w, "token issuance failed", http.StatusInternalServerError)
		return
	}
	s.auditRecord(r, audit.EventTokenIssued, u.ID, "")

	s.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.JWT.TTL().Seconds()),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh mints a fresh access token from a valid refresh token.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.JWT == nil || !s.cfg.JWT.Enabled() || s.cfg.Users == nil {
		s.jsonError(w, "token auth not configured", http.StatusNotImplemented)
		return
	}

	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		s.jsonError(w, "refresh_token is required", http.StatusBadRequest)
		return
	}

	u, err := s.cfg.Users.RedeemRefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		s.jsonError(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	access, err := s.cfg.JWT.Issue(u)
	if err != nil {
		s.jsonError(w, "token issuance failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.JWT.TTL().Seconds()),
	})
}

// handleRevoke permanently revokes a refresh token. 404 for unknown tokens.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Users == nil {
		s.jsonError(w, "token auth not configured", http.StatusNotImplemented)
		return
	}

	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		s.jsonError(w, "refresh_token is required", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Users.RevokeRefreshToken(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			s.jsonError(w, "unknown refresh token", http.StatusNotFound)
			return
		}
		s.jsonError(w, "revocation failed", http.StatusInternalServerError)
		return
	}
	s.auditRecord(r, audit.EventTokenRevoked, "", "")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// auditRecord writes an audit event when the log is configured.
func (s *Server) auditRecord(r *http.Request, typ audit.EventType, userID, resource string) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.Record(r.Context(), typ, userID, resource, nil); err != nil {
		s.cfg.Logger.Warn(r.Context(), "audit record failed", "error", err.Error())
	}
}
