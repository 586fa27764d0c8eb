package walscan

import (
	"errors"
	"fmt"
	"io"

	"github.com/bamsammich/pgrewind/internal/filemap"
	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// Extract consumes records from r up to and including the record at
// end, which is the target's final checkpoint. Every modified
// main-fork block is marked in the file map, and every WAL segment the
// scan touched is recorded into keep.
//
// Non-main forks are skipped: when they changed, the whole fork file is
// refreshed by the planner anyway. Blocks of relations absent from the
// map belong to relations dropped on both sides.
func Extract(r RecordReader, m *filemap.Map, keep filemap.KeepWalSet, segSize uint64, end pgdata.Lsn) error {
	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("reached end of WAL before the checkpoint record at %s", end)
			}
			return fmt.Errorf("read target WAL: %w", err)
		}

		keepSegments(keep, rec, segSize)

		for _, blk := range rec.Blocks {
			if blk.Fork != pgdata.MainFork {
				continue
			}
			key := pgdata.RelSegKey{
				Tablespace: blk.Tablespace,
				Database:   blk.Database,
				Relation:   blk.Relation,
				Fork:       pgdata.MainFork,
				Segment:    blk.Block / pgdata.RelSegBlocks,
			}
			m.MarkModifiedBlock(key, blk.Block%pgdata.RelSegBlocks)
		}

		if rec.Lsn >= end {
			return nil
		}
	}
}

// keepSegments adds every segment the record spans. The target's own
// recovery will replay this same stretch of WAL, so none of it may be
// deleted even when the source has already recycled it.
func keepSegments(keep filemap.KeepWalSet, rec *Record, segSize uint64) {
	first := rec.Lsn.SegmentNumber(segSize)
	last := first
	if rec.EndLsn > rec.Lsn {
		last = (rec.EndLsn - 1).SegmentNumber(segSize)
	}
	for segno := first; segno <= last; segno++ {
		keep.AddSegment(rec.Tli, segno, segSize)
	}
}
