package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/haasonsaas/flux/internal/audit"
)

// UserContext is the authenticated identity attached to a request.
type UserContext struct {
	UserID        string
	Username      string
	Role          Role
	MaxDailyCalls int
}

// ResolverConfig configures the authentication chain.
type ResolverConfig struct {
	// Enabled gates the whole layer. When false every request resolves to
	// the default admin user without any lookup.
	Enabled bool
	// DefaultUser is the identity used when auth is disabled.
	DefaultUser string
	// DashboardToken is a process-wide shared secret accepted as an admin
	// credential. Empty disables it.
	DashboardToken string
}

// Resolver authenticates a bearer credential through the precedence chain:
// disabled auth, JWT, API key, dashboard token. First success wins.
type Resolver struct {
	cfg   ResolverConfig
	users *Store
	jwt   *JWTManager
	audit *audit.Log
}

// NewResolver wires the chain. audit may be nil.
func NewResolver(cfg ResolverConfig, users *Store, jwtMgr *JWTManager, auditLog *audit.Log) *Resolver {
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = "default"
	}
	return &Resolver{cfg: cfg, users: users, jwt: jwtMgr, audit: auditLog}
}

// Authenticate resolves a raw bearer credential to a user context. The
// credential may be a JWT, an API key, or the dashboard token.
func (r *Resolver) Authenticate(ctx context.Context, credential string) (*UserContext, error) {
	if !r.cfg.Enabled {
		return &UserContext{UserID: r.cfg.DefaultUser, Username: r.cfg.DefaultUser, Role: RoleAdmin}, nil
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		r.logFailure(ctx, audit.ReasonEmptyToken)
		return nil, ErrInvalidKey
	}

	if r.jwt != nil && r.jwt.Enabled() && looksLikeJWT(credential) {
		if claims, err := r.jwt.Verify(credential); err == nil {
			uc := &UserContext{
				UserID:   claims.Subject,
				Username: claims.Username,
				Role:     Role(claims.Role),
			}
			if u, err := r.users.GetUser(ctx, claims.Subject); err == nil {
				if !u.Active {
					r.logFailure(ctx, audit.ReasonDeactivated)
					return nil, ErrDeactivated
				}
				uc.MaxDailyCalls = u.MaxDailyCalls
			}
			r.logSuccess(ctx, uc.UserID, "jwt")
			return uc, nil
		}
	}

	if strings.HasPrefix(credential, keyPrefix) {
		u, err := r.users.AuthenticateAPIKey(ctx, credential)
		if err == nil {
			r.logSuccess(ctx, u.ID, "api_key")
			return &UserContext{UserID: u.ID, Username: u.Username, Role: u.Role, MaxDailyCalls: u.MaxDailyCalls}, nil
		}
		if err == ErrDeactivated {
			r.logFailure(ctx, audit.ReasonDeactivated)
			return nil, err
		}
	}

	if r.cfg.DashboardToken != "" &&
		subtle.ConstantTimeCompare([]byte(credential), []byte(r.cfg.DashboardToken)) == 1 {
		r.logSuccess(ctx, "dashboard", "dashboard_token")
		return &UserContext{UserID: "dashboard", Username: "dashboard", Role: RoleAdmin}, nil
	}

	r.logFailure(ctx, audit.ReasonInvalidKey)
	return nil, ErrInvalidKey
}

// RequireRole checks the role hierarchy for an authenticated context.
func (r *Resolver) RequireRole(uc *UserContext, needed Role) bool {
	return uc != nil && uc.Role.AtLeast(needed)
}

// looksLikeJWT matches the three-part dot structure without verifying.
func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2 && strings.HasPrefix(s, "eyJ")
}

func (r *Resolver) logSuccess(ctx context.Context, userID, method string) {
	if r.audit != nil {
		r.audit.AuthSuccess(ctx, userID, method)
	}
}

func (r *Resolver) logFailure(ctx context.Context, reason string) {
	if r.audit != nil {
		r.audit.AuthFailure(ctx, reason)
	}
}
