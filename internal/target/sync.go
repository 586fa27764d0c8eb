package target

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SyncAll flushes the whole data directory to stable storage, walking
// every file and directory. Skipped in dry runs and with --no-sync.
func (m *Mutator) SyncAll() error {
	m.log.Debug("syncing data directory", "path", m.dataDir)
	if m.dryRun {
		return nil
	}
	if err := m.closeOpen(); err != nil {
		return err
	}
	return syncTree(m.dataDir)
}

func syncTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("open for sync %s: %w", path, err)
		}
		defer f.Close()

		if d.IsDir() {
			err = f.Sync()
		} else {
			err = unix.Fdatasync(int(f.Fd()))
		}
		if err != nil {
			return fmt.Errorf("sync %s: %w", path, err)
		}
		return nil
	})
}
