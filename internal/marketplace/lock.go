package marketplace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// lockStaleAfter is how old a lock file must be before another process may
// steal it from a crashed holder.
const lockStaleAfter = 10 * time.Second

// lockInstalled takes an exclusive lock file next to the installed state so
// concurrent installs in separate processes serialise.
func (m *Marketplace) lockInstalled() (func(), error) {
	lockPath := m.cfg.InstalledPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("marketplace: lock %s: %w", lockPath, err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("marketplace: timed out waiting for lock %s", lockPath)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
