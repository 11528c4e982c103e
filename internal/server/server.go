// Package server exposes the Flux runtime over REST and SSE: chat, auth
// token exchange, webhook management, and the admin surface. Every /api/*
// route is also reachable under /api/v1/*.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/flux/internal/audit"
	"github.com/haasonsaas/flux/internal/auth"
	"github.com/haasonsaas/flux/internal/backup"
	"github.com/haasonsaas/flux/internal/engine"
	"github.com/haasonsaas/flux/internal/knowledge"
	"github.com/haasonsaas/flux/internal/marketplace"
	"github.com/haasonsaas/flux/internal/observability"
	"github.com/haasonsaas/flux/internal/ratelimit"
	"github.com/haasonsaas/flux/internal/scheduler"
	"github.com/haasonsaas/flux/internal/store"
	"github.com/haasonsaas/flux/internal/tools"
	"github.com/haasonsaas/flux/internal/usage"
	"github.com/haasonsaas/flux/internal/webhooks"
)

// Config wires the server's dependencies. Engine, Store, and Resolver are
// required; everything else is optional and its routes degrade gracefully.
type Config struct {
	Engine   *engine.Engine
	Store    *store.Store
	Resolver *auth.Resolver

	// Users and JWT back the /api/auth token endpoints.
	Users      *auth.Store
	JWT        *auth.JWTManager
	RefreshTTL time.Duration

	// Limiter is consulted per authenticated user when RateLimitEnabled.
	Limiter          *ratelimit.Limiter
	RateLimitEnabled bool

	Webhooks   *webhooks.Store
	Dispatcher *webhooks.Dispatcher

	Usage     *usage.Store
	Registry  *tools.Registry
	Market    *marketplace.Marketplace
	Knowledge *knowledge.Base
	Scheduler *scheduler.Scheduler
	Backups   *backup.Manager
	Audit     *audit.Log

	Metrics *observability.Metrics
	// Gatherer serves /metrics. Defaults to the prometheus default gatherer.
	Gatherer prometheus.Gatherer
	Logger   *observability.Logger

	// AllowedOrigins is the CORS allowlist; "*" means any origin.
	AllowedOrigins []string

	// MaxHistory bounds the conversation history loaded per turn.
	MaxHistory int
}

// Server is the HTTP surface.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New builds the server and its routing table.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 40
	}

	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.withMetrics(s.withCORS(s.mux))
}

// routes registers every endpoint under /api/ and its /api/v1/ alias.
func (s *Server) routes() {
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/health", s.handleHealth)

	// Token exchange authenticates by its own body, not a bearer header.
	s.api("/auth/token", http.HandlerFunc(s.handleToken))
	s.api("/auth/refresh", http.HandlerFunc(s.handleRefresh))
	s.api("/auth/revoke", http.HandlerFunc(s.handleRevoke))

	s.protected("/chat", auth.RoleUser, s.handleChat)
	s.protected("/chat/stream", auth.RoleUser, s.handleChatStream)

	s.protected("/conversations", auth.RoleReadonly, s.handleConversations)
	s.protected("/conversations/", auth.RoleReadonly, s.handleConversation)
	s.protected("/search", auth.RoleReadonly, s.handleSearch)
	s.protected("/tags", auth.RoleReadonly, s.handleTags)

	s.protected("/webhooks", auth.RoleUser, s.handleWebhooks)
	s.protected("/webhooks/", auth.RoleUser, s.handleWebhook)

	s.protected("/usage", auth.RoleReadonly, s.handleUsage)

	s.protected("/knowledge", auth.RoleUser, s.handleKnowledge)
	s.protected("/knowledge/", auth.RoleUser, s.handleKnowledgeDoc)
	s.protected("/knowledge/search", auth.RoleReadonly, s.handleKnowledgeSearch)

	s.protected("/tools", auth.RoleReadonly, s.handleTools)
	s.protected("/marketplace", auth.RoleReadonly, s.handleMarketplaceList)
	s.protected("/marketplace/install", auth.RoleAdmin, s.handleMarketplaceInstall)
	s.protected("/marketplace/uninstall", auth.RoleAdmin, s.handleMarketplaceUninstall)

	s.protected("/schedule", auth.RoleUser, s.handleSchedule)
	s.protected("/schedule/", auth.RoleUser, s.handleScheduleEntry)

	s.protected("/admin/audit", auth.RoleAdmin, s.handleAudit)
	s.protected("/admin/backup", auth.RoleAdmin, s.handleBackup)
	s.protected("/admin/users", auth.RoleAdmin, s.handleUsers)
}

// api registers a handler at /api<path> and /api/v1<path>.
func (s *Server) api(path string, h http.Handler) {
	s.mux.Handle("/api"+path, h)
	s.mux.Handle("/api/v1"+path, h)
}

// protected registers a handler behind auth (with a minimum role) and the
// rate limiter.
func (s *Server) protected(path string, role auth.Role, h http.HandlerFunc) {
	s.api(path, s.withAuth(role, s.withRateLimit(h)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"fts":    s.cfg.Store != nil && s.cfg.Store.FTSEnabled(),
	})
}

// writeJSON writes a JSON response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.cfg.Logger.Warn(context.Background(), "response encode failed", "error", err.Error())
	}
}

// jsonError writes {"error": msg} with the given status.
func (s *Server) jsonError(w http.ResponseWriter, msg string, status int) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
