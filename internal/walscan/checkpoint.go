package walscan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// Checkpoint is a checkpoint record located in the target's WAL.
type Checkpoint struct {
	// Lsn is the start of the checkpoint record itself.
	Lsn pgdata.Lsn

	// Tli is the timeline the record was written on.
	Tli pgdata.Tli

	// Redo is the checkpoint's redo pointer.
	Redo pgdata.Lsn
}

// FindLastCheckpoint locates the newest checkpoint record that starts
// strictly before the given point, walking segments backward from the
// one containing it and scanning each forward.
func FindLastCheckpoint(cfg ReaderConfig, before pgdata.Lsn) (Checkpoint, error) {
	segno := before.SegmentNumber(cfg.SegSize)
	if before.SegmentOffset(cfg.SegSize) == 0 && segno > 0 {
		segno--
	}

	for {
		start, err := FirstRecordInSegment(cfg, segno)
		if err != nil {
			if errors.Is(err, errSegmentMissing) || errors.Is(err, errNoFreshRecord) {
				if segno == 0 {
					return Checkpoint{}, fmt.Errorf("could not find a checkpoint before %s", before)
				}
				segno--
				continue
			}
			return Checkpoint{}, err
		}

		cp, found, err := scanForCheckpoint(cfg, start, before)
		if err != nil {
			return Checkpoint{}, err
		}
		if found {
			return cp, nil
		}
		if segno == 0 {
			return Checkpoint{}, fmt.Errorf("could not find a checkpoint before %s", before)
		}
		segno--
	}
}

// scanForCheckpoint reads forward from start, remembering the last
// checkpoint record that begins before the limit.
func scanForCheckpoint(cfg ReaderConfig, start, limit pgdata.Lsn) (Checkpoint, bool, error) {
	r := NewSegmentReader(cfg, start)
	defer r.Close()

	var cp Checkpoint
	found := false
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return cp, found, nil
		}
		if err != nil {
			return Checkpoint{}, false, err
		}
		if rec.Lsn >= limit {
			return cp, found, nil
		}
		if rec.IsCheckpoint() {
			redo, ok := rec.RedoLsn()
			if !ok {
				return Checkpoint{}, false, fmt.Errorf("checkpoint record at %s has no redo pointer", rec.Lsn)
			}
			cp = Checkpoint{Lsn: rec.Lsn, Tli: rec.Tli, Redo: redo}
			found = true
		}
	}
}

// ReadRecordAt reads the single record beginning at lsn.
func ReadRecordAt(cfg ReaderConfig, lsn pgdata.Lsn) (*Record, error) {
	r := NewSegmentReader(cfg, lsn)
	defer r.Close()
	return r.Next()
}

var errNoFreshRecord = errors.New("segment holds no fresh record")

// FirstRecordInSegment finds the start of the first record that begins
// in the given segment, skipping over any continuation carried in from
// the previous one. Returns errSegmentMissing if the segment file is
// absent and errNoFreshRecord if the whole segment is continuation.
func FirstRecordInSegment(cfg ReaderConfig, segno uint64) (pgdata.Lsn, error) {
	segStart := pgdata.Lsn(segno * cfg.SegSize)
	tli := cfg.History.TliOfPoint(segStart)
	name := pgdata.WalSegmentName(tli, segno, cfg.SegSize)

	f, err := openSegmentFile(cfg, segno, tli)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var hdr [longHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, fmt.Errorf("read wal segment %s: %w", name, err)
	}

	magic := binary.LittleEndian.Uint16(hdr[0:2])
	info := binary.LittleEndian.Uint16(hdr[2:4])
	pageAddr := pgdata.Lsn(binary.LittleEndian.Uint64(hdr[8:16]))
	if magic == 0 && info == 0 && pageAddr == 0 {
		return 0, fmt.Errorf("%w: %s", errSegmentMissing, name)
	}
	if magic != xlogPageMagic || info&xlpLongHeader == 0 || pageAddr != segStart {
		return 0, fmt.Errorf("invalid first page in wal segment %s", name)
	}

	pos := uint64(segStart) + longHeaderSize
	if info&xlpFirstIsContRecord == 0 {
		return pgdata.Lsn(pos), nil
	}

	// Skip the continuation: the remainder is padded to the alignment
	// boundary, and may itself spill onto further pages.
	remLen := uint64(binary.LittleEndian.Uint32(hdr[16:20]))
	for {
		avail := walPageSize - pos%walPageSize
		if remLen <= avail {
			pos = maxAlign(pos + remLen)
			if pos%walPageSize == 0 {
				pos += shortHeaderSize
			}
			if pos >= uint64(segStart)+cfg.SegSize {
				return 0, errNoFreshRecord
			}
			return pgdata.Lsn(pos), nil
		}
		remLen -= avail
		pos += avail + shortHeaderSize
		if pos >= uint64(segStart)+cfg.SegSize {
			return 0, errNoFreshRecord
		}
	}
}
