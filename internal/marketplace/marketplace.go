// Package marketplace installs tool modules from a curated registry into
// the live tools directory, applying the same security gates as the
// runtime registry plus a mandatory SHA-256 integrity check.
package marketplace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/haasonsaas/flux/internal/observability"
	"github.com/haasonsaas/flux/internal/tools"
)

// Entry is a registered installable tool in the marketplace registry.
type Entry struct {
	Name         string   `json:"name"`
	Filename     string   `json:"filename"`
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Author       string   `json:"author"`
	Category     string   `json:"category"`
	Tags         []string `json:"tags,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	SHA256       string   `json:"sha256"`
	Source       string   `json:"source,omitempty"`
}

// InstalledRecord tracks one installed tool and the hash it carried at
// install time.
type InstalledRecord struct {
	Entry
	InstalledAt time.Time `json:"installed_at"`
}

// IntegrityStatus labels one installed file after verification.
type IntegrityStatus string

const (
	IntegrityOK       IntegrityStatus = "ok"
	IntegrityTampered IntegrityStatus = "tampered"
	IntegrityMissing  IntegrityStatus = "missing"
)

var (
	ErrUnknownTool         = errors.New("marketplace: tool not in registry")
	ErrAlreadyInstalled    = errors.New("marketplace: tool already installed")
	ErrNotInstalled        = errors.New("marketplace: tool not installed")
	ErrHashMismatch        = errors.New("marketplace: file hash does not match registry sha256")
	ErrMissingRegistryHash = errors.New("marketplace: registry entry has no sha256")
)

// registryFile is the on-disk registry shape.
type registryFile struct {
	Version string           `json:"version"`
	Tools   map[string]Entry `json:"tools"`
}

// Config configures a Marketplace.
type Config struct {
	// RegistryPath is the curated registry JSON.
	RegistryPath string
	// InstalledPath is the installed-state JSON, guarded by a file lock.
	InstalledPath string
	// CacheDir holds downloaded candidate files awaiting install.
	CacheDir string
	// ToolsDir is the live tool directory files are installed into.
	ToolsDir string
	Logger   *observability.Logger
}

// Marketplace is the registry-to-installed state machine.
type Marketplace struct {
	cfg       Config
	approvals *tools.ApprovalStore
	logger    *observability.Logger
}

// New creates a Marketplace. Installs approve the installed hash in the
// tool approval store: the user's install action is the approval.
func New(cfg Config, approvals *tools.ApprovalStore) *Marketplace {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Marketplace{cfg: cfg, approvals: approvals, logger: logger}
}

// Registry returns all registry entries sorted by name.
func (m *Marketplace) Registry() ([]Entry, error) {
	reg, err := m.loadRegistry()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(reg.Tools))
	for _, e := range reg.Tools {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Installed returns the installed records sorted by name.
func (m *Marketplace) Installed() ([]InstalledRecord, error) {
	installed, err := m.loadInstalled()
	if err != nil {
		return nil, err
	}
	records := make([]InstalledRecord, 0, len(installed))
	for _, r := range installed {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// Install runs the gate pipeline for one registry tool and copies its
// bytes into the tools directory. The candidate is read into memory once;
// the hash check, the scans, and the final write all operate on that copy
// so the file cannot be swapped mid-install.
func (m *Marketplace) Install(ctx context.Context, name string) (*InstalledRecord, error) {
	reg, err := m.loadRegistry()
	if err != nil {
		return nil, err
	}
	entry, ok := reg.Tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	unlock, err := m.lockInstalled()
	if err != nil {
		return nil, err
	}
	defer unlock()

	installed, err := m.loadInstalled()
	if err != nil {
		return nil, err
	}
	if _, ok := installed[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyInstalled, name)
	}

	if err := tools.CheckFilename(entry.Filename); err != nil {
		return nil, err
	}

	source, err := os.ReadFile(filepath.Join(m.cfg.CacheDir, entry.Filename))
	if err != nil {
		return nil, fmt.Errorf("marketplace: read candidate: %w", err)
	}

	sum := sha256.Sum256(source)
	hash := hex.EncodeToString(sum[:])
	if entry.SHA256 == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingRegistryHash, name)
	}
	if hash != entry.SHA256 {
		return nil, fmt.Errorf("%w: %q has %s, registry says %s", ErrHashMismatch, name, hash[:12], entry.SHA256[:12])
	}

	if err := tools.ScanSource(source); err != nil {
		return nil, err
	}
	if _, err := tools.ExtractSchema(source); err != nil {
		return nil, err
	}

	target := filepath.Join(m.cfg.ToolsDir, entry.Filename)
	if err := os.MkdirAll(m.cfg.ToolsDir, 0o755); err != nil {
		return nil, err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, source, 0o644); err != nil {
		return nil, fmt.Errorf("marketplace: write tool: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return nil, fmt.Errorf("marketplace: write tool: %w", err)
	}

	if m.approvals != nil {
		if err := m.approvals.Approve(entry.Filename, hash); err != nil {
			return nil, err
		}
	}

	record := InstalledRecord{Entry: entry, InstalledAt: time.Now().UTC()}
	installed[name] = record
	if err := m.saveInstalled(installed); err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "tool installed", "tool", name, "version", entry.Version, "sha256", hash[:12])
	return &record, nil
}

// Uninstall removes the installed file, its record, and its approval.
func (m *Marketplace) Uninstall(ctx context.Context, name string) error {
	unlock, err := m.lockInstalled()
	if err != nil {
		return err
	}
	defer unlock()

	installed, err := m.loadInstalled()
	if err != nil {
		return err
	}
	record, ok := installed[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotInstalled, name)
	}

	if err := os.Remove(filepath.Join(m.cfg.ToolsDir, record.Filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("marketplace: remove tool file: %w", err)
	}
	if m.approvals != nil {
		if err := m.approvals.Revoke(record.Filename); err != nil {
			return err
		}
	}
	delete(installed, name)
	if err := m.saveInstalled(installed); err != nil {
		return err
	}
	m.logger.Info(ctx, "tool uninstalled", "tool", name)
	return nil
}

// VerifyIntegrity recomputes each installed file's hash against its
// install-time record.
func (m *Marketplace) VerifyIntegrity() (map[string]IntegrityStatus, error) {
	installed, err := m.loadInstalled()
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]IntegrityStatus, len(installed))
	for name, record := range installed {
		source, err := os.ReadFile(filepath.Join(m.cfg.ToolsDir, record.Filename))
		if err != nil {
			statuses[name] = IntegrityMissing
			continue
		}
		sum := sha256.Sum256(source)
		if hex.EncodeToString(sum[:]) == record.SHA256 {
			statuses[name] = IntegrityOK
		} else {
			statuses[name] = IntegrityTampered
		}
	}
	return statuses, nil
}

func (m *Marketplace) loadRegistry() (*registryFile, error) {
	raw, err := os.ReadFile(m.cfg.RegistryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &registryFile{Tools: map[string]Entry{}}, nil
		}
		return nil, fmt.Errorf("marketplace: read registry: %w", err)
	}
	var reg registryFile
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("marketplace: parse registry: %w", err)
	}
	if reg.Tools == nil {
		reg.Tools = map[string]Entry{}
	}
	return &reg, nil
}

func (m *Marketplace) loadInstalled() (map[string]InstalledRecord, error) {
	raw, err := os.ReadFile(m.cfg.InstalledPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]InstalledRecord{}, nil
		}
		return nil, fmt.Errorf("marketplace: read installed state: %w", err)
	}
	installed := map[string]InstalledRecord{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &installed); err != nil {
			return nil, fmt.Errorf("marketplace: parse installed state: %w", err)
		}
	}
	return installed, nil
}

func (m *Marketplace) saveInstalled(installed map[string]InstalledRecord) error {
	if err := os.MkdirAll(filepath.Dir(m.cfg.InstalledPath), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(installed, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.cfg.InstalledPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.cfg.InstalledPath)
}
