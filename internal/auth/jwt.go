package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSecret is returned when JWT operations are attempted without a
	// configured signing secret.
	ErrNoSecret = errors.New("auth: jwt secret not configured")
	// ErrInvalidToken covers malformed, tampered, or expired JWTs.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the access token payload: {sub, username, role, iat, exp}.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager issues and verifies HS256 access tokens.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTManager creates a manager. An empty secret disables JWT auth; Issue
// and Verify then return ErrNoSecret.
func NewJWTManager(secret string, ttl time.Duration) *JWTManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTManager{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether a signing secret is configured.
func (m *JWTManager) Enabled() bool { return len(m.secret) > 0 }

// TTL returns the access token lifetime.
func (m *JWTManager) TTL() time.Duration { return m.ttl }

// Issue mints an access token for the user.
func (m *JWTManager) Issue(u *User) (string, error) {
	if !m.Enabled() {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := Claims{
		Username: u.Username,
		Role:     string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims. Tokens signed
// with any method other than HS256 are rejected before signature
// verification.
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	if !m.Enabled() {
		return nil, ErrNoSecret
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &claims, nil
}
