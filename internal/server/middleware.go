package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/flux/internal/auth"
	"github.com/haasonsaas/flux/internal/observability"
)

type contextKey string

const userContextKey contextKey = "flux_user"

// userFrom returns the authenticated user attached by withAuth.
func userFrom(ctx context.Context) *auth.UserContext {
	uc, _ := ctx.Value(userContextKey).(*auth.UserContext)
	return uc
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so SSE streaming works through
// the middleware stack.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withMetrics attaches a request ID, logs the request, and records HTTP
// metrics.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := observability.WithRequestID(r.Context(), uuid.NewString())
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			code := strconv.Itoa(wrapped.status)
			s.cfg.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, metricPath(r.URL.Path), code).Observe(elapsed.Seconds())
			s.cfg.Metrics.HTTPRequestCounter.WithLabelValues(r.Method, metricPath(r.URL.Path), code).Inc()
		}
		s.cfg.Logger.Debug(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// metricPath collapses ID-carrying paths so metric cardinality stays bounded.
func metricPath(path string) string {
	path = strings.TrimPrefix(path, "/api/v1")
	path = strings.TrimPrefix(path, "/api")
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) >= 2 && parts[1] != "" {
		switch parts[0] {
		case "conversations", "webhooks", "knowledge", "schedule":
			parts[1] = ":id"
			return "/" + strings.Join(parts[:2], "/")
		}
	}
	return path
}

// withCORS applies the configured origin policy and answers preflights.
func (s *Server) withCORS(next http.Handler) http.Handler {
	wildcard := false
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case wildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth resolves the bearer credential and enforces a minimum role. The
// resolved user is attached to the request context.
func (s *Server) withAuth(role auth.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uc, err := s.cfg.Resolver.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !uc.Role.AtLeast(role) {
			s.jsonError(w, "forbidden", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, uc)
		ctx = observability.WithUserID(ctx, uc.UserID)
		next(w, r.WithContext(ctx))
	}
}

// withRateLimit admits or rejects per user and sets the X-RateLimit-*
// headers on every response.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RateLimitEnabled || s.cfg.Limiter == nil {
			next(w, r)
			return
		}
		// Keyed by user when authenticated, by client IP otherwise.
		key := clientIP(r)
		if uc := userFrom(r.Context()); uc != nil {
			key = uc.UserID
		}

		res := s.cfg.Limiter.Allow(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

		if !res.Allowed {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitedCounter.Inc()
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(res.RetryAfter.Seconds()))))
			s.jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// clientIP returns the request's remote host without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken extracts the Authorization bearer credential, if any.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) >= 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
