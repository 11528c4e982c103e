package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrInvalidKey is returned for malformed or unknown API keys.
	ErrInvalidKey = errors.New("auth: invalid API key")
	// ErrDeactivated is returned when the key maps to a deactivated user.
	ErrDeactivated = errors.New("auth: user is deactivated")
	// ErrUserNotFound is returned by user lookups.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrUsernameTaken is returned on duplicate user creation.
	ErrUsernameTaken = errors.New("auth: username already exists")
	// ErrTokenNotFound is returned for unknown refresh tokens.
	ErrTokenNotFound = errors.New("auth: refresh token not found")
	// ErrTokenExpired is returned for expired or revoked refresh tokens.
	ErrTokenExpired = errors.New("auth: refresh token expired or revoked")
)

// User is an account record. The raw API key is never stored.
type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Role          Role      `json:"role"`
	KeyPrefix     string    `json:"api_key_prefix"`
	MaxDailyCalls int       `json:"max_daily_calls"`
	Active        bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists users and refresh tokens in SQLite.
type Store struct {
	db *sql.DB
}

const authSchema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	username        TEXT NOT NULL UNIQUE,
	role            TEXT NOT NULL DEFAULT 'user',
	api_key_hash    TEXT NOT NULL,
	api_key_prefix  TEXT NOT NULL,
	max_daily_calls INTEGER NOT NULL DEFAULT 0,
	is_active       INTEGER NOT NULL DEFAULT 1,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_users_key_hash ON users(api_key_hash);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMP NOT NULL,
	revoked    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_refresh_user ON refresh_tokens(user_id);
`

// OpenStore opens (creating if necessary) the auth database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("auth: open %s: %w", path, err)
	}
	if _, err := db.Exec(authSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateUser registers a user and returns the record plus the raw API key.
// The raw key is shown once and cannot be recovered later.
func (s *Store) CreateUser(ctx context.Context, username string, role Role, maxDailyCalls int) (*User, string, error) {
	if username == "" {
		return nil, "", errors.New("auth: username is required")
	}
	if !role.Valid() {
		return nil, "", fmt.Errorf("auth: invalid role %q", role)
	}

	raw, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	u := &User{
		ID:            uuid.NewString(),
		Username:      username,
		Role:          role,
		KeyPrefix:     prefix,
		MaxDailyCalls: maxDailyCalls,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, role, api_key_hash, api_key_prefix, max_daily_calls, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		u.ID, u.Username, string(u.Role), hash, u.KeyPrefix, u.MaxDailyCalls, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, "", ErrUsernameTaken
		}
		return nil, "", fmt.Errorf("auth: create user: %w", err)
	}
	return u, raw, nil
}

// AuthenticateAPIKey resolves a raw key to its active user. The key is
// format-checked first, then looked up by digest; equality of random 256-bit
// digests is constant-time by construction.
func (s *Store) AuthenticateAPIKey(ctx context.Context, raw string) (*User, error) {
	if !ValidKeyFormat(raw) {
		return nil, ErrInvalidKey
	}

	u, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, role, api_key_prefix, max_daily_calls, is_active, created_at
		 FROM users WHERE api_key_hash = ?`, HashKey(raw)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	if !u.Active {
		return nil, ErrDeactivated
	}
	return u, nil
}

// GetUser looks a user up by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, role, api_key_prefix, max_daily_calls, is_active, created_at
		 FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// GetUserByUsername looks a user up by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, role, api_key_prefix, max_daily_calls, is_active, created_at
		 FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// ListUsers returns all users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, role, api_key_prefix, max_daily_calls, is_active, created_at
		 FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// RotateKey replaces the user's API key and returns the new raw key. The
// old key stops working immediately.
func (s *Store) RotateKey(ctx context.Context, userID string) (string, error) {
	raw, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET api_key_hash = ?, api_key_prefix = ? WHERE id = ?`,
		hash, prefix, userID)
	if err != nil {
		return "", fmt.Errorf("auth: rotate key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrUserNotFound
	}
	return raw, nil
}

// Deactivate marks the user inactive. Their key and tokens stop
// authenticating but the record remains for audit purposes.
func (s *Store) Deactivate(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = 0 WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("auth: deactivate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// IssueRefreshToken mints a refresh token for the user: 32 random bytes as
// hex, stored as SHA-256.
func (s *Store) IssueRefreshToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate refresh token: %w", err)
	}
	raw := hex.EncodeToString(buf)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), userID, HashKey(raw), time.Now().UTC().Add(ttl))
	if err != nil {
		return "", fmt.Errorf("auth: store refresh token: %w", err)
	}
	return raw, nil
}

// RedeemRefreshToken validates a refresh token and returns its active user.
func (s *Store) RedeemRefreshToken(ctx context.Context, raw string) (*User, error) {
	var userID string
	var expiresAt time.Time
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at, revoked FROM refresh_tokens WHERE token_hash = ?`,
		HashKey(raw)).Scan(&userID, &expiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked || time.Now().UTC().After(expiresAt) {
		return nil, ErrTokenExpired
	}

	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, ErrDeactivated
	}
	return u, nil
}

// RevokeRefreshToken marks the token revoked. Revocation is one-way.
func (s *Store) RevokeRefreshToken(ctx context.Context, raw string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?`, HashKey(raw))
	if err != nil {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// DB exposes the handle for backup and retention tooling.
func (s *Store) DB() *sql.DB { return s.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanUser(row rowScanner) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Username, &role, &u.KeyPrefix, &u.MaxDailyCalls, &u.Active, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
