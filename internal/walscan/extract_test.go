package walscan

import (
	"io"
	"testing"

	"github.com/bamsammich/pgrewind/internal/filemap"
	"github.com/bamsammich/pgrewind/internal/pgdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	recs []*Record
	next int
}

func (f *fakeReader) Next() (*Record, error) {
	if f.next >= len(f.recs) {
		return nil, io.EOF
	}
	r := f.recs[f.next]
	f.next++
	return r, nil
}

func (f *fakeReader) Close() error { return nil }

func relMap(t *testing.T, path string, size int64) *filemap.Map {
	t.Helper()
	m := filemap.NewMap()
	m.AddSource(path, filemap.KindRegular, size, "")
	m.AddTarget(path, filemap.KindRegular, size, "")
	return m
}

func heapRecord(lsn, end pgdata.Lsn, tli pgdata.Tli, blocks ...BlockRef) *Record {
	return &Record{Lsn: lsn, EndLsn: end, Tli: tli, RmgrID: 10, Info: 0x00, Blocks: blocks}
}

func shutdownRecord(lsn, end pgdata.Lsn, tli pgdata.Tli) *Record {
	return &Record{
		Lsn: lsn, EndLsn: end, Tli: tli,
		RmgrID:   rmgrXlog,
		Info:     xlogCheckpointShutdown,
		MainData: make([]byte, 16),
	}
}

func TestExtractMarksModifiedBlocks(t *testing.T) {
	m := relMap(t, "base/5/16384", 4*pgdata.BlockSize)

	r := &fakeReader{recs: []*Record{
		heapRecord(0x1000, 0x1080, 1,
			BlockRef{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 16384, Fork: pgdata.MainFork, Block: 1}),
		heapRecord(0x1080, 0x1100, 1,
			BlockRef{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 16384, Fork: pgdata.MainFork, Block: 3},
			BlockRef{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 16384, Fork: pgdata.FsmFork, Block: 0}),
		shutdownRecord(0x1100, 0x1180, 1),
	}}

	keep := filemap.NewKeepWalSet()
	require.NoError(t, Extract(r, m, keep, pgdata.WalSegDefaultSize, 0x1100))

	e := m.Lookup("base/5/16384")
	require.NotNil(t, e)
	assert.True(t, e.PagesToOverwrite.IsSet(1))
	assert.True(t, e.PagesToOverwrite.IsSet(3))
	// The fsm reference is not block-level tracked.
	assert.False(t, e.PagesToOverwrite.IsSet(0))
}

func TestExtractStopsAtEndpoint(t *testing.T) {
	m := relMap(t, "base/5/16384", 4*pgdata.BlockSize)

	r := &fakeReader{recs: []*Record{
		shutdownRecord(0x1000, 0x1080, 1),
		// Anything past the endpoint must not be consumed.
		heapRecord(0x1080, 0x1100, 1,
			BlockRef{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 16384, Fork: pgdata.MainFork, Block: 0}),
	}}

	require.NoError(t, Extract(r, m, filemap.NewKeepWalSet(), pgdata.WalSegDefaultSize, 0x1000))
	assert.Equal(t, 1, r.next)
	assert.True(t, m.Lookup("base/5/16384").PagesToOverwrite.Empty())
}

func TestExtractScansPastIntermediateShutdown(t *testing.T) {
	// A target that restarted after diverging has a shutdown
	// checkpoint in the middle of the scanned range. The scan must not
	// stop there.
	m := relMap(t, "base/5/16384", 4*pgdata.BlockSize)

	r := &fakeReader{recs: []*Record{
		shutdownRecord(0x1000, 0x1080, 1),
		heapRecord(0x1080, 0x1100, 1,
			BlockRef{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 16384, Fork: pgdata.MainFork, Block: 2}),
		shutdownRecord(0x1100, 0x1180, 1),
	}}

	require.NoError(t, Extract(r, m, filemap.NewKeepWalSet(), pgdata.WalSegDefaultSize, 0x1100))
	assert.Equal(t, 3, r.next)
	assert.True(t, m.Lookup("base/5/16384").PagesToOverwrite.IsSet(2))
}

func TestExtractEndOfWalBeforeEndpoint(t *testing.T) {
	m := filemap.NewMap()
	r := &fakeReader{recs: []*Record{heapRecord(0x1000, 0x1080, 1)}}

	err := Extract(r, m, filemap.NewKeepWalSet(), pgdata.WalSegDefaultSize, 0x9000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end of WAL")
}

func TestExtractKeepsSpannedSegments(t *testing.T) {
	segSize := uint64(pgdata.WalSegDefaultSize)
	m := filemap.NewMap()

	// One record straddling the boundary between segments 1 and 2.
	r := &fakeReader{recs: []*Record{
		heapRecord(pgdata.Lsn(2*segSize-0x40), pgdata.Lsn(2*segSize+0x40), 3),
		shutdownRecord(pgdata.Lsn(2*segSize+0x40), pgdata.Lsn(2*segSize+0xC0), 3),
	}}

	keep := filemap.NewKeepWalSet()
	require.NoError(t, Extract(r, m, keep, segSize, pgdata.Lsn(2*segSize+0x40)))

	assert.True(t, keep.Contains("pg_wal/"+pgdata.WalSegmentName(3, 1, segSize)))
	assert.True(t, keep.Contains("pg_wal/"+pgdata.WalSegmentName(3, 2, segSize)))
	assert.False(t, keep.Contains("pg_wal/"+pgdata.WalSegmentName(3, 3, segSize)))
}

func TestExtractIgnoresUnknownRelations(t *testing.T) {
	m := relMap(t, "base/5/16384", 2*pgdata.BlockSize)

	r := &fakeReader{recs: []*Record{
		// Relation 999 was dropped on both sides and is absent from
		// the map; its blocks are quietly skipped.
		heapRecord(0x1000, 0x1080, 1,
			BlockRef{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 999, Fork: pgdata.MainFork, Block: 0}),
		shutdownRecord(0x1080, 0x1100, 1),
	}}

	require.NoError(t, Extract(r, m, filemap.NewKeepWalSet(), pgdata.WalSegDefaultSize, 0x1080))
	assert.True(t, m.Lookup("base/5/16384").PagesToOverwrite.Empty())
}

func TestExtractSegmentedRelation(t *testing.T) {
	// Block numbers past the first gigabyte land in the .1 file.
	m := filemap.NewMap()
	m.AddSource("base/5/16384.1", filemap.KindRegular, 2*pgdata.BlockSize, "")
	m.AddTarget("base/5/16384.1", filemap.KindRegular, 2*pgdata.BlockSize, "")

	r := &fakeReader{recs: []*Record{
		heapRecord(0x1000, 0x1080, 1,
			BlockRef{Tablespace: pgdata.DefaultTablespaceOid, Database: 5, Relation: 16384, Fork: pgdata.MainFork, Block: pgdata.RelSegBlocks + 1}),
		shutdownRecord(0x1080, 0x1100, 1),
	}}

	require.NoError(t, Extract(r, m, filemap.NewKeepWalSet(), pgdata.WalSegDefaultSize, 0x1080))

	e := m.Lookup("base/5/16384.1")
	require.NotNil(t, e)
	assert.True(t, e.PagesToOverwrite.IsSet(1))
}
