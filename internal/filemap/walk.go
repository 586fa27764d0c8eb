package filemap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// WalkFunc receives one inventory entry. path is slash-separated and
// relative to the data directory root; linkTarget is set for symlinks.
type WalkFunc func(relPath string, kind Kind, size int64, linkTarget string)

// Walk enumerates every entry under root and reports it to cb.
//
// Symlink handling: pg_wal is treated as a directory
// even when it is a symlink, tablespace links under pg_tblspc are both
// reported and recursed into, and all other symlinks are reported but
// not followed. Files that vanish between listing and stat are silently
// skipped; a live source mutates underneath us and the fetch protocol
// resolves those races later.
func Walk(root string, cb WalkFunc) error {
	return walkDir(root, "", cb)
}

func walkDir(root, rel string, cb WalkFunc) error {
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", rel, err)
	}

	for _, de := range entries {
		name := de.Name()
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		childAbs := filepath.Join(root, filepath.FromSlash(childRel))

		info, err := os.Lstat(childAbs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("lstat %s: %w", childRel, err)
		}

		switch {
		case info.IsDir():
			cb(childRel, KindDirectory, 0, "")
			if err := walkDir(root, childRel, cb); err != nil {
				return err
			}

		case info.Mode()&os.ModeSymlink != 0:
			if err := walkSymlink(root, childRel, childAbs, cb); err != nil {
				return err
			}

		case info.Mode().IsRegular():
			cb(childRel, KindRegular, info.Size(), "")

		default:
			// Sockets, fifos and devices have no business in a data
			// directory; sockets and fifos are ignored.
		}
	}
	return nil
}

func walkSymlink(root, rel, abs string, cb WalkFunc) error {
	target, err := os.Readlink(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("readlink %s: %w", rel, err)
	}

	// pg_wal may be relocated via symlink; it is reported and traversed
	// as a plain directory regardless.
	if rel == pgdata.WalDirName {
		cb(rel, KindDirectory, 0, "")
		return walkDir(root, rel, cb)
	}

	// Tablespace links: report the link itself, then recurse through it
	// so tablespace contents appear under their pg_tblspc/<oid>/ paths.
	if path.Dir(rel) == pgdata.TablespaceDir {
		cb(rel, KindSymlink, 0, target)
		st, err := os.Stat(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		if st.IsDir() {
			return walkDir(root, rel, cb)
		}
		return nil
	}

	cb(rel, KindSymlink, 0, target)
	return nil
}

// ValidateRelPath rejects paths that escape the data directory. The
// remote listing is untrusted input; the local walk never produces
// these, but both feed the same map.
func ValidateRelPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return fmt.Errorf("invalid file path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid file path %q", p)
		}
	}
	return nil
}
