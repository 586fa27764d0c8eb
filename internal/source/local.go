package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bamsammich/pgrewind/internal/controlfile"
	"github.com/bamsammich/pgrewind/internal/filemap"
	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// Local reads from a stopped cluster's data directory on the same
// host. Fetches execute immediately; there is nothing to batch.
type Local struct {
	dataDir string
	sink    Sink
	opts    Options
}

var _ Source = (*Local)(nil)

func NewLocal(dataDir string, sink Sink, opts Options) *Local {
	return &Local{dataDir: dataDir, sink: sink, opts: opts}
}

func (s *Local) Traverse(ctx context.Context, fn filemap.WalkFunc) error {
	return filemap.Walk(s.dataDir, fn)
}

func (s *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("read source file %s: %w", path, err)
	}
	return data, nil
}

// QueueFetchFile copies the whole file. A local source is required to
// be stopped, so a size change since traversal means the premise of
// the run is broken and the copy aborts.
func (s *Local) QueueFetchFile(ctx context.Context, path string, length int64) error {
	if err := s.sink.Truncate(path, 0); err != nil {
		return err
	}

	f, err := os.Open(filepath.Join(s.dataDir, filepath.FromSlash(path)))
	if err != nil {
		return fmt.Errorf("open source file %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, MaxChunkSize)
	var total int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := s.opts.throttle(ctx, n); err != nil {
				return err
			}
			if err := s.sink.WriteRange(path, total, buf[:n]); err != nil {
				return err
			}
			total += int64(n)
			s.opts.report(int64(n))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read source file %s: %w", path, err)
		}
	}

	if total != length {
		return fmt.Errorf("size of source file %s changed concurrently: %d bytes, expected %d", path, total, length)
	}
	return nil
}

func (s *Local) QueueFetchRange(ctx context.Context, path string, off, length int64) error {
	f, err := os.Open(filepath.Join(s.dataDir, filepath.FromSlash(path)))
	if err != nil {
		return fmt.Errorf("open source file %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, MaxChunkSize)
	for length > 0 {
		n := int64(len(buf))
		if n > length {
			n = length
		}
		if _, err := f.ReadAt(buf[:n], off); err != nil {
			return fmt.Errorf("read source file %s at %d: %w", path, off, err)
		}
		if err := s.opts.throttle(ctx, int(n)); err != nil {
			return err
		}
		if err := s.sink.WriteRange(path, off, buf[:n]); err != nil {
			return err
		}
		s.opts.report(n)
		off += n
		length -= n
	}
	return nil
}

func (s *Local) Flush(ctx context.Context) error { return nil }

// InsertLsn of a stopped cluster is its last checkpoint position.
func (s *Local) InsertLsn(ctx context.Context) (pgdata.Lsn, error) {
	cf, err := controlfile.ReadFile(s.dataDir)
	if err != nil {
		return pgdata.InvalidLsn, err
	}
	return cf.CheckpointLsn, nil
}

func (s *Local) Close(ctx context.Context) error { return nil }
