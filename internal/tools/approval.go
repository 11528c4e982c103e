package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// approvalFile records filename → approved SHA-256. Any change to a tool's
// bytes invalidates its approval.
const approvalFile = ".tool_approved.json"

// ApprovalStore persists per-file hash approvals next to the tool
// directory.
type ApprovalStore struct {
	mu   sync.Mutex
	path string
}

// NewApprovalStore creates a store for the given tool directory.
func NewApprovalStore(toolsDir string) *ApprovalStore {
	return &ApprovalStore{path: filepath.Join(toolsDir, approvalFile)}
}

// HashSource returns the SHA-256 hex digest of a tool's bytes.
func HashSource(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// IsApproved reports whether filename is approved at exactly this hash.
func (a *ApprovalStore) IsApproved(filename, hash string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	approvals, err := a.read()
	if err != nil {
		return false, err
	}
	return approvals[filename] == hash, nil
}

// Approve records the hash for filename, replacing any previous approval.
func (a *ApprovalStore) Approve(filename, hash string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	approvals, err := a.read()
	if err != nil {
		return err
	}
	approvals[filename] = hash
	return a.write(approvals)
}

// Revoke removes the approval for filename.
func (a *ApprovalStore) Revoke(filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	approvals, err := a.read()
	if err != nil {
		return err
	}
	delete(approvals, filename)
	return a.write(approvals)
}

// List returns a copy of all approvals.
func (a *ApprovalStore) List() (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.read()
}

func (a *ApprovalStore) read() (map[string]string, error) {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("tools: read approvals: %w", err)
	}
	approvals := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &approvals); err != nil {
			return nil, fmt.Errorf("tools: parse approvals: %w", err)
		}
	}
	return approvals, nil
}

func (a *ApprovalStore) write(approvals map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(approvals, "", "  ")
	if err != nil {
		return err
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}
