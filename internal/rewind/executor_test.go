package rewind

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/bamsammich/pgrewind/internal/filemap"
	"github.com/bamsammich/pgrewind/internal/pgdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// opLog records source and target operations in dispatch order.
type opLog struct {
	ops []string
}

func (l *opLog) add(format string, args ...any) {
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

type fakeSource struct {
	log     *opLog
	flushes int
}

func (s *fakeSource) Traverse(ctx context.Context, fn filemap.WalkFunc) error { return nil }
func (s *fakeSource) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, nil
}

func (s *fakeSource) QueueFetchFile(ctx context.Context, path string, length int64) error {
	s.log.add("fetch_file %s %d", path, length)
	return nil
}

func (s *fakeSource) QueueFetchRange(ctx context.Context, path string, off, length int64) error {
	s.log.add("fetch_range %s %d %d", path, off, length)
	return nil
}

func (s *fakeSource) Flush(ctx context.Context) error {
	s.flushes++
	s.log.add("flush")
	return nil
}

func (s *fakeSource) InsertLsn(ctx context.Context) (pgdata.Lsn, error) {
	return pgdata.InvalidLsn, nil
}
func (s *fakeSource) Close(ctx context.Context) error { return nil }

type fakeTarget struct {
	log *opLog
}

func (t *fakeTarget) WriteRange(path string, off int64, data []byte) error {
	t.log.add("write %s %d %d", path, off, len(data))
	return nil
}

func (t *fakeTarget) Truncate(path string, size int64) error {
	t.log.add("truncate %s %d", path, size)
	return nil
}

func (t *fakeTarget) Remove(path string) error {
	t.log.add("remove %s", path)
	return nil
}

func (t *fakeTarget) RemoveDirectory(path string) error {
	t.log.add("rmdir %s", path)
	return nil
}

func (t *fakeTarget) RemoveSymlink(path string) error {
	t.log.add("unlink %s", path)
	return nil
}

func (t *fakeTarget) CreateDirectory(path string) error {
	t.log.add("mkdir %s", path)
	return nil
}

func (t *fakeTarget) CreateSymlink(path, linkTarget string) error {
	t.log.add("symlink %s -> %s", path, linkTarget)
	return nil
}

func (t *fakeTarget) WriteFileAtomic(path string, data []byte) error {
	t.log.add("write_file %s", path)
	return nil
}

func (t *fakeTarget) SyncAll() error { return nil }
func (t *fakeTarget) Close() error   { return nil }

func TestExecutePlanDispatch(t *testing.T) {
	m := filemap.NewMap()

	// Unchanged relation file with one dirty page.
	m.AddSource("base/5/100", filemap.KindRegular, 3*pgdata.BlockSize, "")
	m.AddTarget("base/5/100", filemap.KindRegular, 3*pgdata.BlockSize, "")
	m.MarkModifiedBlock(pgdata.RelSegKey{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 100}, 2)

	// Shrunk relation file with a dirty page below the new length.
	m.AddSource("base/5/200", filemap.KindRegular, 2*pgdata.BlockSize, "")
	m.AddTarget("base/5/200", filemap.KindRegular, 3*pgdata.BlockSize, "")
	m.MarkModifiedBlock(pgdata.RelSegKey{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 200}, 0)

	// Grown relation file.
	m.AddSource("base/5/111", filemap.KindRegular, 3*pgdata.BlockSize, "")
	m.AddTarget("base/5/111", filemap.KindRegular, 2*pgdata.BlockSize, "")

	// New directory with a new file, and a new tablespace symlink.
	m.AddSource("newdir", filemap.KindDirectory, 0, "")
	m.AddSource("newdir/file", filemap.KindRegular, 42, "")
	m.AddSource("pg_tblspc/16500", filemap.KindSymlink, 0, "/mnt/space")

	// Excluded leftover on the target.
	m.AddTarget("postmaster.pid", filemap.KindRegular, 3, "")

	plan, err := m.DecideActions(filemap.NewKeepWalSet(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	log := &opLog{}
	src := &fakeSource{log: log}
	tgt := &fakeTarget{log: log}
	require.NoError(t, executePlan(context.Background(), plan, src, tgt))

	assert.Equal(t, []string{
		"mkdir newdir",
		"symlink pg_tblspc/16500 -> /mnt/space",
		"fetch_file newdir/file 42",
		"fetch_range base/5/111 16384 8192",
		"fetch_range base/5/100 16384 8192",
		"fetch_range base/5/200 0 8192",
		"truncate base/5/200 16384",
		"remove postmaster.pid",
		"flush",
	}, log.ops)
	assert.Equal(t, 1, src.flushes)
}

func TestExecutePlanPageMapBeforeTruncate(t *testing.T) {
	m := filemap.NewMap()
	m.AddSource("base/5/222", filemap.KindRegular, 2*pgdata.BlockSize, "")
	m.AddTarget("base/5/222", filemap.KindRegular, 3*pgdata.BlockSize, "")
	m.MarkModifiedBlock(pgdata.RelSegKey{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 222}, 1)

	plan, err := m.DecideActions(filemap.NewKeepWalSet(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	log := &opLog{}
	require.NoError(t, executePlan(context.Background(), plan, &fakeSource{log: log}, &fakeTarget{log: log}))

	// The dirty page is queued before its file is truncated, and the
	// page lies below the truncated length.
	assert.Equal(t, []string{
		"fetch_range base/5/222 8192 8192",
		"truncate base/5/222 16384",
		"flush",
	}, log.ops)
}
