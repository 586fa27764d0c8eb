package walscan

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bamsammich/pgrewind/internal/pgdata"
	"github.com/bamsammich/pgrewind/internal/timeline"
	"github.com/bamsammich/pgrewind/internal/walscan/walscantest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readerConfig(b *walscantest.Builder, dir string) ReaderConfig {
	return ReaderConfig{
		WalDir:  dir,
		SegSize: b.SegSize(),
		History: timeline.SyntheticHistory(b.Tli()),
	}
}

func TestSegmentReaderSequence(t *testing.T) {
	dir := t.TempDir()
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 1)

	want := BlockRef{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 16384, Fork: pgdata.MainFork, Block: 9}
	lsn1 := b.Record(walscantest.RmgrHeap, 0x00,
		walscantest.BlockRefBody(want.Tablespace, want.Database, want.Relation, byte(want.Fork), want.Block, []byte("tuple")))
	lsn2 := b.Record(walscantest.RmgrXlog, walscantest.InfoCheckpointShutdown, walscantest.CheckpointBody(lsn1))
	b.WriteSegments(t, dir)

	r := NewSegmentReader(readerConfig(b, dir), lsn1)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, lsn1, rec.Lsn)
	assert.Equal(t, lsn2, rec.EndLsn)
	assert.Equal(t, pgdata.Tli(1), rec.Tli)
	assert.False(t, rec.IsCheckpoint())
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, want, rec.Blocks[0])
	assert.Equal(t, []byte("tuple"), rec.MainData)

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, lsn2, rec.Lsn)
	assert.True(t, rec.IsShutdownCheckpoint())
	redo, ok := rec.RedoLsn()
	require.True(t, ok)
	assert.Equal(t, lsn1, redo)

	// Past the last record the segment is zero-filled.
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSegmentReaderPageCrossing(t *testing.T) {
	dir := t.TempDir()
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 0)

	payload := make([]byte, 3*walPageSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	lsn1 := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData(payload))
	lsn2 := b.Record(walscantest.RmgrXlog, walscantest.InfoCheckpointShutdown, walscantest.CheckpointBody(lsn1))
	b.WriteSegments(t, dir)

	r := NewSegmentReader(readerConfig(b, dir), lsn1)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, lsn1, rec.Lsn)
	assert.Equal(t, payload, rec.MainData)

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, lsn2, rec.Lsn)
	assert.True(t, rec.IsShutdownCheckpoint())
}

func TestSegmentReaderSegmentCrossing(t *testing.T) {
	dir := t.TempDir()
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 0)

	// A record sized to spill over the segment boundary.
	first := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("opener")))
	payload := make([]byte, b.SegSize()-uint64(b.Pos())%b.SegSize()+walPageSize/2)
	big := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData(payload))
	end := b.Record(walscantest.RmgrXlog, walscantest.InfoCheckpointShutdown, walscantest.CheckpointBody(big))
	b.WriteSegments(t, dir)

	r := NewSegmentReader(readerConfig(b, dir), first)
	defer r.Close()

	for _, want := range []pgdata.Lsn{first, big, end} {
		rec, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want, rec.Lsn)
	}
}

func TestSegmentReaderMissingSegment(t *testing.T) {
	dir := t.TempDir()
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 0)

	r := NewSegmentReader(readerConfig(b, dir), pgdata.Lsn(longHeaderSize))
	defer r.Close()

	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSegmentReaderBadMagic(t *testing.T) {
	dir := t.TempDir()
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 0)
	lsn := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("x")))
	b.WriteSegments(t, dir)

	name := pgdata.WalSegmentName(1, 0, b.SegSize())
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r := NewSegmentReader(readerConfig(b, dir), lsn)
	defer r.Close()

	_, err = r.Next()
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
	assert.Contains(t, err.Error(), "magic")
}

func TestSegmentReaderRestoreCommand(t *testing.T) {
	archive := t.TempDir()
	walDir := t.TempDir()

	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 2)
	lsn := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("archived")))
	b.Record(walscantest.RmgrXlog, walscantest.InfoCheckpointShutdown, walscantest.CheckpointBody(lsn))
	b.WriteSegments(t, archive)

	cfg := readerConfig(b, walDir)
	cfg.RestoreCommand = "cp " + archive + "/%f %p"

	r := NewSegmentReader(cfg, lsn)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("archived"), rec.MainData)
}

func TestFindLastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 0)

	b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("noise")))
	cp1 := b.Record(walscantest.RmgrXlog, walscantest.InfoCheckpointOnline, walscantest.CheckpointBody(0x28))
	mid := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("between")))
	cp2 := b.Record(walscantest.RmgrXlog, walscantest.InfoCheckpointShutdown, walscantest.CheckpointBody(cp1))
	tail := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("after")))
	b.WriteSegments(t, dir)

	cfg := readerConfig(b, dir)

	// Divergence after cp2: the newest checkpoint wins.
	got, err := FindLastCheckpoint(cfg, tail)
	require.NoError(t, err)
	assert.Equal(t, cp2, got.Lsn)
	assert.Equal(t, cp1, got.Redo)
	assert.Equal(t, pgdata.Tli(1), got.Tli)

	// Divergence between the two: only cp1 is usable.
	got, err = FindLastCheckpoint(cfg, mid)
	require.NoError(t, err)
	assert.Equal(t, cp1, got.Lsn)

	// Divergence before any checkpoint.
	_, err = FindLastCheckpoint(cfg, cp1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not find a checkpoint")
}

func TestFindLastCheckpointPreviousSegment(t *testing.T) {
	dir := t.TempDir()
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 0)

	cp := b.Record(walscantest.RmgrXlog, walscantest.InfoCheckpointOnline, walscantest.CheckpointBody(0x28))

	// Fill the rest of segment 0 and put the divergence point in
	// segment 1, so the search has to step back a segment.
	filler := make([]byte, b.SegSize()-uint64(b.Pos())%b.SegSize()+walPageSize)
	b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData(filler))
	div := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("divergence")))
	b.WriteSegments(t, dir)

	got, err := FindLastCheckpoint(readerConfig(b, dir), div)
	require.NoError(t, err)
	assert.Equal(t, cp, got.Lsn)
}

func TestFindLastCheckpointRestoresArchivedSegments(t *testing.T) {
	archive := t.TempDir()
	walDir := t.TempDir()

	// The pre-divergence WAL only exists in the archive, as after the
	// server recycled its local copies.
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 0)
	b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("noise")))
	cp := b.Record(walscantest.RmgrXlog, walscantest.InfoCheckpointShutdown, walscantest.CheckpointBody(0x28))
	div := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("divergence")))
	b.WriteSegments(t, archive)

	cfg := readerConfig(b, walDir)
	cfg.RestoreCommand = "cp " + archive + "/%f %p"

	got, err := FindLastCheckpoint(cfg, div)
	require.NoError(t, err)
	assert.Equal(t, cp, got.Lsn)

	// Without the restore command the same search has nothing to read.
	cfg.RestoreCommand = ""
	walDir = t.TempDir()
	cfg.WalDir = walDir
	_, err = FindLastCheckpoint(cfg, div)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not find a checkpoint")
}

func TestReadRecordAt(t *testing.T) {
	dir := t.TempDir()
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 0)

	b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("first")))
	cp := b.Record(walscantest.RmgrXlog, walscantest.InfoCheckpointShutdown, walscantest.CheckpointBody(0x28))
	b.WriteSegments(t, dir)

	rec, err := ReadRecordAt(readerConfig(b, dir), cp)
	require.NoError(t, err)
	assert.Equal(t, cp, rec.Lsn)
	assert.True(t, rec.IsShutdownCheckpoint())
}

func TestFirstRecordInSegmentSkipsContinuation(t *testing.T) {
	dir := t.TempDir()
	b := walscantest.NewBuilder(pgdata.WalSegMinSize, 1, 0)

	filler := make([]byte, b.SegSize()) // guaranteed to cross into segment 1
	b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData(filler))
	fresh := b.Record(walscantest.RmgrHeap, 0x00, walscantest.MainData([]byte("fresh")))
	b.WriteSegments(t, dir)

	got, err := FirstRecordInSegment(readerConfig(b, dir), 1)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
}
