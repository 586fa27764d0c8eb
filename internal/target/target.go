// Package target mutates the data directory being rewound. All writes
// funnel through the Mutator so dry runs, logging and the final fsync
// pass see every change.
package target

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/bamsammich/pgrewind/internal/filemap"
)

// Mutator applies changes to the target data directory. It keeps at
// most one file handle open: fetched chunks arrive grouped by file, so
// reopening per write would be pure overhead.
type Mutator struct {
	dataDir string
	dryRun  bool
	log     *slog.Logger

	openPath string
	openFile *os.File
}

func NewMutator(dataDir string, dryRun bool, log *slog.Logger) *Mutator {
	return &Mutator{dataDir: dataDir, dryRun: dryRun, log: log}
}

func (m *Mutator) abs(rel string) string {
	return filepath.Join(m.dataDir, filepath.FromSlash(rel))
}

// open returns a writable handle for rel, reusing the cached one when
// it is already the open file. trunc discards existing content.
func (m *Mutator) open(rel string, trunc bool) (*os.File, error) {
	if m.openFile != nil && m.openPath == rel && !trunc {
		return m.openFile, nil
	}
	if err := m.closeOpen(); err != nil {
		return nil, err
	}

	flags := os.O_WRONLY | os.O_CREATE
	if trunc {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(m.abs(rel), flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open target file %s: %w", rel, err)
	}
	m.openPath = rel
	m.openFile = f
	return f, nil
}

func (m *Mutator) closeOpen() error {
	if m.openFile == nil {
		return nil
	}
	err := m.openFile.Close()
	m.openFile = nil
	m.openPath = ""
	if err != nil {
		return fmt.Errorf("close target file: %w", err)
	}
	return nil
}

// Close releases the cached handle.
func (m *Mutator) Close() error { return m.closeOpen() }

// WriteRange writes data at off, creating the file if needed.
func (m *Mutator) WriteRange(rel string, off int64, data []byte) error {
	if err := filemap.ValidateRelPath(rel); err != nil {
		return err
	}
	m.log.Debug("write", "path", rel, "offset", off, "bytes", len(data))
	if m.dryRun {
		return nil
	}

	f, err := m.open(rel, false)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		n, err := f.WriteAt(data, off)
		if err != nil {
			if errors.Is(err, syscall.ENOSPC) {
				return fmt.Errorf("write target file %s: out of disk space", rel)
			}
			return fmt.Errorf("write target file %s at %d: %w", rel, off, err)
		}
		off += int64(n)
		data = data[n:]
	}
	return nil
}

// Truncate sets the file's length, creating it if needed.
func (m *Mutator) Truncate(rel string, size int64) error {
	if err := filemap.ValidateRelPath(rel); err != nil {
		return err
	}
	m.log.Debug("truncate", "path", rel, "size", size)
	if m.dryRun {
		return nil
	}

	f, err := m.open(rel, false)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate target file %s: %w", rel, err)
	}
	return nil
}

// Remove deletes a file. Removal of a file that is already gone is
// not an error: the source may have reported the same path twice.
func (m *Mutator) Remove(rel string) error {
	if err := filemap.ValidateRelPath(rel); err != nil {
		return err
	}
	m.log.Debug("remove", "path", rel)
	if m.dryRun {
		return nil
	}

	if m.openPath == rel {
		if err := m.closeOpen(); err != nil {
			return err
		}
	}
	if err := os.Remove(m.abs(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove target file %s: %w", rel, err)
	}
	return nil
}

// RemoveDirectory deletes an empty directory. Actions are ordered so
// children are removed first; a non-empty directory here means the
// plan was wrong and the error surfaces.
func (m *Mutator) RemoveDirectory(rel string) error {
	if err := filemap.ValidateRelPath(rel); err != nil {
		return err
	}
	m.log.Debug("remove directory", "path", rel)
	if m.dryRun {
		return nil
	}
	if err := os.Remove(m.abs(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove target directory %s: %w", rel, err)
	}
	return nil
}

func (m *Mutator) RemoveSymlink(rel string) error {
	return m.Remove(rel)
}

func (m *Mutator) CreateDirectory(rel string) error {
	if err := filemap.ValidateRelPath(rel); err != nil {
		return err
	}
	m.log.Debug("create directory", "path", rel)
	if m.dryRun {
		return nil
	}
	if err := os.Mkdir(m.abs(rel), 0o700); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("create target directory %s: %w", rel, err)
	}
	return nil
}

func (m *Mutator) CreateSymlink(rel, linkTarget string) error {
	if err := filemap.ValidateRelPath(rel); err != nil {
		return err
	}
	m.log.Debug("create symlink", "path", rel, "target", linkTarget)
	if m.dryRun {
		return nil
	}
	if err := os.Symlink(linkTarget, m.abs(rel)); err != nil {
		return fmt.Errorf("create target symlink %s: %w", rel, err)
	}
	return nil
}

// WriteFileAtomic replaces rel in one step: the content lands in a
// uniquely named temp file in the same directory, is synced, and then
// renamed over the destination. Used for the backup label and the
// control file, which must never exist half-written.
func (m *Mutator) WriteFileAtomic(rel string, data []byte) error {
	if err := filemap.ValidateRelPath(rel); err != nil {
		return err
	}
	m.log.Debug("write file", "path", rel, "bytes", len(data))
	if m.dryRun {
		return nil
	}

	dest := m.abs(rel)
	tmp := dest + ".tmp." + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", rel, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file for %s: %w", rel, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file for %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file for %s: %w", rel, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace target file %s: %w", rel, err)
	}
	return nil
}
