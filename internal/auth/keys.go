// Package auth implements API key issuance, user and refresh token storage,
// JWT access tokens, and the request authentication resolver.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keyPrefix = "flux_"
	// rawKeyLength is "flux_" plus 64 hex chars.
	rawKeyLength = 69
	// displayPrefixLength is "flux_" plus the first 8 hex chars, shown in
	// listings instead of the key.
	displayPrefixLength = 13
)

// GenerateAPIKey mints a new raw key, its SHA-256 hex digest for storage,
// and the display prefix. The raw key is returned exactly once; only the
// digest is persisted.
func GenerateAPIKey() (raw, hash, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("auth: generate key: %w", err)
	}
	raw = keyPrefix + hex.EncodeToString(buf)
	return raw, HashKey(raw), raw[:displayPrefixLength], nil
}

// HashKey returns the SHA-256 hex digest of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidKeyFormat reports whether raw has the flux_ + 64 lowercase hex shape.
// Malformed keys are rejected before any hashing or lookup.
func ValidKeyFormat(raw string) bool {
	if len(raw) != rawKeyLength || !strings.HasPrefix(raw, keyPrefix) {
		return false
	}
	for _, c := range raw[len(keyPrefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
