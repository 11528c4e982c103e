// Package backup archives and restores the persisted state: the SQLite
// databases, the usage and memory files, and the knowledge directory.
// Extraction is hardened against archive path attacks.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/flux/internal/observability"
)

// members are the relative paths included in a backup when present.
// Directories are archived recursively.
var members = []string{
	"data/conversations.db",
	"data/auth.db",
	"data/audit.db",
	"data/webhooks.db",
	"memory/memories.json",
	"usage_data.json",
	"knowledge",
}

// ErrUnsafeArchive is returned when an archive member would escape the
// restore root or is not a regular file or directory.
var ErrUnsafeArchive = errors.New("backup: unsafe archive member")

// Manager creates and restores backups of one Flux root directory.
type Manager struct {
	root      string
	backupDir string
	logger    *observability.Logger
}

// New creates a Manager. root is the directory holding data/, memory/,
// knowledge/ and usage_data.json.
func New(root, backupDir string, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Manager{root: root, backupDir: backupDir, logger: logger}
}

// Create writes flux-backup-YYYYMMDD-HHMMSS.tar.gz and returns its path.
// Missing members are skipped; an empty deployment still yields a valid
// archive.
func (m *Manager) Create(ctx context.Context) (string, error) {
	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("flux-backup-%s.tar.gz", time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(m.backupDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("backup: create archive: %w", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	count := 0
	for _, member := range members {
		full := filepath.Join(m.root, member)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.IsDir() {
			err = filepath.Walk(full, func(p string, fi os.FileInfo, walkErr error) error {
				if walkErr != nil {
					return walkErr
				}
				if !fi.Mode().IsRegular() {
					return nil
				}
				rel, relErr := filepath.Rel(m.root, p)
				if relErr != nil {
					return relErr
				}
				count++
				return addFile(tw, p, filepath.ToSlash(rel), fi)
			})
		} else {
			count++
			err = addFile(tw, full, filepath.ToSlash(member), info)
		}
		if err != nil {
			tw.Close()
			gz.Close()
			os.Remove(path)
			return "", fmt.Errorf("backup: archive %s: %w", member, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	m.logger.Info(ctx, "backup created", "path", path, "files", count)
	return path, nil
}

func addFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Restore extracts an archive into the root. Every member is validated
// before extraction: no absolute paths, no "..", regular files and
// directories only. The archive is fully validated before the first byte
// is written.
func (m *Manager) Restore(ctx context.Context, archivePath string) error {
	if err := m.validate(archivePath); err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: open archive: %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("backup: read archive: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("backup: read archive: %w", err)
		}
		target := filepath.Join(m.root, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			count++
		}
	}
	m.logger.Info(ctx, "backup restored", "path", archivePath, "files", count)
	return nil
}

// validate walks the whole archive checking member safety without writing
// anything.
func (m *Manager) validate(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: open archive: %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("backup: read archive: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("backup: read archive: %w", err)
		}
		if err := checkMember(hdr); err != nil {
			return err
		}
	}
}

func checkMember(hdr *tar.Header) error {
	name := hdr.Name
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafeArchive, name)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return fmt.Errorf("%w: path traversal in %q", ErrUnsafeArchive, name)
		}
	}
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeDir:
		return nil
	case tar.TypeSymlink, tar.TypeLink:
		return fmt.Errorf("%w: link member %q", ErrUnsafeArchive, name)
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		return fmt.Errorf("%w: device member %q", ErrUnsafeArchive, name)
	default:
		return fmt.Errorf("%w: unsupported member type %d for %q", ErrUnsafeArchive, hdr.Typeflag, name)
	}
}
