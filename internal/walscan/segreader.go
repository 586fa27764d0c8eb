package walscan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bamsammich/pgrewind/internal/pgdata"
	"github.com/bamsammich/pgrewind/internal/timeline"
)

// WAL page framing. Pages carry a short header, except the first page
// of each segment which carries the long form with the segment size.
const (
	walPageSize = 8192

	xlogPageMagic uint16 = 0xD116

	xlpFirstIsContRecord = 0x0001
	xlpLongHeader        = 0x0002
	xlpBkpRemovable      = 0x0004
	xlpAllFlags          = 0x0007

	shortHeaderSize = 24
	longHeaderSize  = 40

	recordHeaderSize = 24
)

// Block reference encoding inside a record's header region.
const (
	xlrMaxBlockID       = 32
	xlrBlockIDDataShort = 255
	xlrBlockIDDataLong  = 254
	xlrBlockIDOrigin    = 253
	xlrBlockIDTopXid    = 252

	bkpBlockForkMask = 0x0F
	bkpBlockHasImage = 0x10
	bkpBlockHasData  = 0x20
	bkpBlockSameRel  = 0x80

	bimgHasHole      = 0x01
	bimgCompressMask = 0x1C // pglz, lz4 or zstd
)

func maxAlign(n uint64) uint64 { return (n + 7) &^ 7 }

// errSegmentMissing distinguishes "no more WAL on disk" from damage
// inside WAL we do have.
var errSegmentMissing = errors.New("wal segment missing")

// ReaderConfig describes where and how to read the target's WAL.
type ReaderConfig struct {
	// WalDir is the target's pg_wal directory.
	WalDir string

	// SegSize is the cluster's WAL segment size.
	SegSize uint64

	// History maps log positions to the timelines that own them, so
	// segment files are named correctly across timeline switches.
	History timeline.History

	// RestoreCommand, when set, is run to fetch a missing segment from
	// the archive. %f expands to the segment filename, %p to the
	// destination path.
	RestoreCommand string
}

// SegmentReader is a RecordReader over WAL segment files on disk.
type SegmentReader struct {
	cfg ReaderConfig

	pos     pgdata.Lsn // start of the next record
	prevLsn pgdata.Lsn // start of the record last returned

	file    *os.File
	fileSeg uint64
	fileTli pgdata.Tli

	page     [walPageSize]byte
	pageAddr pgdata.Lsn
	pageTli  pgdata.Tli
	pageOK   bool
}

var _ RecordReader = (*SegmentReader)(nil)

// NewSegmentReader positions a reader at start, which must be the
// first byte of a record (checkpoint redo pointers and the results of
// FirstRecordInSegment qualify).
func NewSegmentReader(cfg ReaderConfig, start pgdata.Lsn) *SegmentReader {
	return &SegmentReader{cfg: cfg, pos: start}
}

// Close releases the open segment file, if any.
func (r *SegmentReader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Next reads the record beginning at the current position. io.EOF
// marks the readable end of WAL; every other error is fatal.
func (r *SegmentReader) Next() (*Record, error) {
	pos := r.pos

	// Step over the page header when the previous record's aligned end
	// landed exactly on a page boundary.
	if off := uint64(pos) % walPageSize; off < uint64(headerSizeAt(pos, r.cfg.SegSize)) {
		if off != 0 {
			return nil, fmt.Errorf("invalid record offset at %s", pos)
		}
		pos += pgdata.Lsn(headerSizeAt(pos, r.cfg.SegSize))
	}

	if err := r.loadPage(pageStart(pos)); err != nil {
		if errors.Is(err, errSegmentMissing) {
			return nil, io.EOF
		}
		return nil, err
	}

	off := uint64(pos) % walPageSize
	totLen := binary.LittleEndian.Uint32(r.page[off : off+4])
	if totLen == 0 {
		return nil, io.EOF
	}
	if totLen < recordHeaderSize {
		return nil, fmt.Errorf("invalid record length %d at %s", totLen, pos)
	}

	buf, tli, err := r.assemble(pos, totLen)
	if err != nil {
		return nil, err
	}

	prev := pgdata.Lsn(binary.LittleEndian.Uint64(buf[8:16]))
	if r.prevLsn.Valid() && prev != r.prevLsn {
		return nil, fmt.Errorf("record at %s has unexpected back-pointer %s (expected %s)",
			pos, prev, r.prevLsn)
	}

	rec := &Record{
		Lsn:    pos,
		EndLsn: pgdata.Lsn(maxAlign(uint64(pos) + uint64(totLen))),
		Tli:    tli,
		Info:   buf[16],
		RmgrID: buf[17],
	}
	if err := parseBody(buf[recordHeaderSize:], rec); err != nil {
		return nil, fmt.Errorf("parse record at %s: %w", pos, err)
	}

	r.prevLsn = pos
	r.pos = rec.EndLsn
	return rec, nil
}

// assemble collects totLen record bytes beginning at pos, following
// continuations onto subsequent pages. Returns the raw record and the
// timeline of its first page.
func (r *SegmentReader) assemble(pos pgdata.Lsn, totLen uint32) ([]byte, pgdata.Tli, error) {
	if err := r.loadPage(pageStart(pos)); err != nil {
		return nil, 0, fmt.Errorf("record at %s: %w", pos, err)
	}
	tli := r.pageTli

	buf := make([]byte, totLen)
	off := uint64(pos) % walPageSize
	copied := copy(buf, r.page[off:])

	cur := pageStart(pos) + walPageSize
	for copied < int(totLen) {
		if err := r.loadPage(cur); err != nil {
			return nil, 0, fmt.Errorf("continuation of record at %s: %w", pos, err)
		}
		info := binary.LittleEndian.Uint16(r.page[2:4])
		remLen := binary.LittleEndian.Uint32(r.page[16:20])
		if info&xlpFirstIsContRecord == 0 || int(remLen) != int(totLen)-copied {
			return nil, 0, fmt.Errorf("invalid continuation page at %s for record at %s", cur, pos)
		}
		hdr := headerSizeAt(cur, r.cfg.SegSize)
		copied += copy(buf[copied:], r.page[hdr:])
		cur += walPageSize
	}
	return buf, tli, nil
}

// loadPage reads and validates the page at addr (a page-aligned LSN).
func (r *SegmentReader) loadPage(addr pgdata.Lsn) error {
	if r.pageOK && r.pageAddr == addr {
		return nil
	}
	r.pageOK = false

	segno := addr.SegmentNumber(r.cfg.SegSize)
	tli := r.cfg.History.TliOfPoint(addr)
	if err := r.openSegment(segno, tli); err != nil {
		return err
	}

	if _, err := r.file.ReadAt(r.page[:], int64(addr.SegmentOffset(r.cfg.SegSize))); err != nil {
		if errors.Is(err, io.EOF) {
			return errSegmentMissing
		}
		return fmt.Errorf("read wal page at %s: %w", addr, err)
	}

	magic := binary.LittleEndian.Uint16(r.page[0:2])
	info := binary.LittleEndian.Uint16(r.page[2:4])
	pageTli := pgdata.Tli(binary.LittleEndian.Uint32(r.page[4:8]))
	pageAddr := pgdata.Lsn(binary.LittleEndian.Uint64(r.page[8:16]))

	// An all-zero page is space the server never wrote: end of WAL.
	if magic == 0 && info == 0 && pageAddr == 0 {
		return errSegmentMissing
	}
	if magic != xlogPageMagic {
		return fmt.Errorf("invalid magic number %04X in wal page at %s", magic, addr)
	}
	if info&^uint16(xlpAllFlags) != 0 {
		return fmt.Errorf("invalid info bits %04X in wal page at %s", info, addr)
	}
	if pageAddr != addr {
		return fmt.Errorf("unexpected page address %s in wal page at %s", pageAddr, addr)
	}
	if uint64(addr)%r.cfg.SegSize == 0 && info&xlpLongHeader == 0 {
		return fmt.Errorf("missing long page header in wal page at %s", addr)
	}

	r.pageAddr = addr
	r.pageTli = pageTli
	r.pageOK = true
	return nil
}

func (r *SegmentReader) openSegment(segno uint64, tli pgdata.Tli) error {
	if r.file != nil && r.fileSeg == segno && r.fileTli == tli {
		return nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	f, err := openSegmentFile(r.cfg, segno, tli)
	if err != nil {
		return err
	}

	r.file = f
	r.fileSeg = segno
	r.fileTli = tli
	return nil
}

// openSegmentFile opens the named segment from pg_wal, falling back to
// the restore command for segments already archived away.
func openSegmentFile(cfg ReaderConfig, segno uint64, tli pgdata.Tli) (*os.File, error) {
	name := pgdata.WalSegmentName(tli, segno, cfg.SegSize)
	path := filepath.Join(cfg.WalDir, name)

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) && cfg.RestoreCommand != "" {
		if rerr := restoreSegment(cfg.RestoreCommand, name, path); rerr != nil {
			return nil, fmt.Errorf("%w: %s: %v", errSegmentMissing, name, rerr)
		}
		f, err = os.Open(path)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errSegmentMissing, name)
		}
		return nil, fmt.Errorf("open wal segment %s: %w", name, err)
	}
	return f, nil
}

// restoreSegment runs the configured restore_command for one segment.
func restoreSegment(command, name, dest string) error {
	cmd := strings.NewReplacer("%f", name, "%p", dest, "%%", "%").Replace(command)
	out, err := exec.Command("/bin/sh", "-c", cmd).CombinedOutput()
	if err != nil {
		return fmt.Errorf("restore command %q: %v: %s", cmd, err, strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(dest); err != nil {
		return fmt.Errorf("restore command %q produced no file: %w", cmd, err)
	}
	return nil
}

func pageStart(lsn pgdata.Lsn) pgdata.Lsn {
	return lsn &^ (walPageSize - 1)
}

func headerSizeAt(addr pgdata.Lsn, segSize uint64) int {
	if uint64(addr)%segSize < walPageSize {
		return longHeaderSize
	}
	return shortHeaderSize
}

// parseBody decodes the block-reference headers at the front of a
// record's body and locates the main data. Payloads stay opaque.
func parseBody(body []byte, rec *Record) error {
	p := 0
	need := func(n int) error {
		if p+n > len(body) {
			return fmt.Errorf("truncated record body (want %d bytes at offset %d)", n, p)
		}
		return nil
	}

	var mainLen int
	haveMainLen := false
	var lastRel *BlockRef
	var dataTotal int // block data + image bytes preceding main data

	for p < len(body) {
		if err := need(1); err != nil {
			return err
		}
		blockID := body[p]
		p++

		switch {
		case blockID == xlrBlockIDDataShort:
			if err := need(1); err != nil {
				return err
			}
			mainLen = int(body[p])
			p++
			haveMainLen = true

		case blockID == xlrBlockIDDataLong:
			if err := need(4); err != nil {
				return err
			}
			mainLen = int(binary.LittleEndian.Uint32(body[p : p+4]))
			p += 4
			haveMainLen = true

		case blockID == xlrBlockIDOrigin:
			if err := need(2); err != nil {
				return err
			}
			p += 2
			continue

		case blockID == xlrBlockIDTopXid:
			if err := need(4); err != nil {
				return err
			}
			p += 4
			continue

		case blockID <= xlrMaxBlockID:
			if err := need(3); err != nil {
				return err
			}
			forkFlags := body[p]
			dataLen := int(binary.LittleEndian.Uint16(body[p+1 : p+3]))
			p += 3
			if forkFlags&bkpBlockHasData != 0 {
				dataTotal += dataLen
			} else if dataLen != 0 {
				return fmt.Errorf("block %d has data length %d but no data flag", blockID, dataLen)
			}

			if forkFlags&bkpBlockHasImage != 0 {
				if err := need(5); err != nil {
					return err
				}
				imgLen := int(binary.LittleEndian.Uint16(body[p : p+2]))
				bimgInfo := body[p+4]
				p += 5
				if bimgInfo&bimgHasHole != 0 && bimgInfo&bimgCompressMask != 0 {
					if err := need(2); err != nil {
						return err
					}
					p += 2
				}
				dataTotal += imgLen
			}

			ref := BlockRef{}
			if forkFlags&bkpBlockSameRel != 0 {
				if lastRel == nil {
					return fmt.Errorf("block %d reuses relation before any was given", blockID)
				}
				ref.Tablespace = lastRel.Tablespace
				ref.Database = lastRel.Database
				ref.Relation = lastRel.Relation
			} else {
				if err := need(12); err != nil {
					return err
				}
				ref.Tablespace = binary.LittleEndian.Uint32(body[p : p+4])
				ref.Database = binary.LittleEndian.Uint32(body[p+4 : p+8])
				ref.Relation = binary.LittleEndian.Uint32(body[p+8 : p+12])
				p += 12
			}
			ref.Fork = pgdata.Fork(forkFlags & bkpBlockForkMask)

			if err := need(4); err != nil {
				return err
			}
			ref.Block = binary.LittleEndian.Uint32(body[p : p+4])
			p += 4

			rec.Blocks = append(rec.Blocks, ref)
			lastRel = &rec.Blocks[len(rec.Blocks)-1]
			continue

		default:
			return fmt.Errorf("invalid block ID %d", blockID)
		}

		// Main data length markers end the header region.
		break
	}

	if haveMainLen {
		start := p + dataTotal
		if start+mainLen > len(body) {
			return fmt.Errorf("main data overruns record (offset %d, length %d, body %d)",
				start, mainLen, len(body))
		}
		rec.MainData = body[start : start+mainLen]
	}
	return nil
}
