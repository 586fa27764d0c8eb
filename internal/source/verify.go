package source

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// VerifyLocal recomputes a content hash of each path in both the
// source and target data directories and reports the first mismatch.
// Only meaningful for local sources, where both trees are quiescent.
func VerifyLocal(sourceDir, targetDir string, paths []string) error {
	for _, p := range paths {
		want, err := hashFile(filepath.Join(sourceDir, filepath.FromSlash(p)))
		if err != nil {
			return fmt.Errorf("verify %s: %w", p, err)
		}
		got, err := hashFile(filepath.Join(targetDir, filepath.FromSlash(p)))
		if err != nil {
			return fmt.Errorf("verify %s: %w", p, err)
		}
		if !bytes.Equal(want, got) {
			return fmt.Errorf("verify %s: content differs from source after copy", p)
		}
	}
	return nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
