// Package walscantest lays out synthetic WAL streams with real page
// framing for tests that exercise WAL readers end to end.
package walscantest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bamsammich/pgrewind/internal/pgdata"
	"github.com/stretchr/testify/require"
)

const (
	pageSize        = 8192
	pageMagic       = 0xD116
	shortHeaderSize = 24
	longHeaderSize  = 40
	recHeaderSize   = 24

	flagContRecord = 0x0001
	flagLongHeader = 0x0002
)

// Checkpoint classification bytes for the xlog resource manager.
const (
	RmgrXlog               = 0
	InfoCheckpointShutdown = 0x00
	InfoCheckpointOnline   = 0x10
	RmgrHeap               = 10
)

// Builder writes records into an in-memory WAL stream and dumps it as
// segment files.
type Builder struct {
	segSize uint64
	tli     pgdata.Tli
	start   uint64
	buf     []byte
	pos     uint64
	prev    pgdata.Lsn
}

func NewBuilder(segSize uint64, tli pgdata.Tli, startSeg uint64) *Builder {
	return &Builder{
		segSize: segSize,
		tli:     tli,
		start:   startSeg * segSize,
		pos:     startSeg * segSize,
	}
}

func (b *Builder) SegSize() uint64 { return b.segSize }
func (b *Builder) Tli() pgdata.Tli { return b.tli }
func (b *Builder) Pos() pgdata.Lsn { return pgdata.Lsn(b.pos) }

func (b *Builder) grow(abs uint64) {
	if need := abs - b.start; need > uint64(len(b.buf)) {
		b.buf = append(b.buf, make([]byte, need-uint64(len(b.buf)))...)
	}
}

func (b *Builder) pageHeader(remLen uint32) {
	long := b.pos%b.segSize == 0
	size := shortHeaderSize
	if long {
		size = longHeaderSize
	}
	b.grow(b.pos + uint64(size))
	h := b.buf[b.pos-b.start:]

	var info uint16
	if long {
		info |= flagLongHeader
	}
	if remLen > 0 {
		info |= flagContRecord
	}
	binary.LittleEndian.PutUint16(h[0:2], pageMagic)
	binary.LittleEndian.PutUint16(h[2:4], info)
	binary.LittleEndian.PutUint32(h[4:8], uint32(b.tli))
	binary.LittleEndian.PutUint64(h[8:16], b.pos)
	binary.LittleEndian.PutUint32(h[16:20], remLen)
	if long {
		binary.LittleEndian.PutUint64(h[24:32], 0x66E1A09C37D8F1A2) // system identifier
		binary.LittleEndian.PutUint32(h[32:36], uint32(b.segSize))
		binary.LittleEndian.PutUint32(h[36:40], pageSize)
	}
	b.pos += uint64(size)
}

// Record appends one record, splitting it across pages as needed, and
// returns its start position.
func (b *Builder) Record(rmid, info byte, body []byte) pgdata.Lsn {
	if b.pos%pageSize == 0 {
		b.pageHeader(0)
	}
	lsn := pgdata.Lsn(b.pos)

	data := make([]byte, recHeaderSize+len(body))
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(data[4:8], 7) // xid, arbitrary
	binary.LittleEndian.PutUint64(data[8:16], uint64(b.prev))
	data[16] = info
	data[17] = rmid
	copy(data[recHeaderSize:], body)

	for len(data) > 0 {
		if b.pos%pageSize == 0 {
			b.pageHeader(uint32(len(data)))
		}
		avail := int(pageSize - b.pos%pageSize)
		n := min(avail, len(data))
		b.grow(b.pos + uint64(n))
		copy(b.buf[b.pos-b.start:], data[:n])
		b.pos += uint64(n)
		data = data[n:]
	}

	b.pos = (b.pos + 7) &^ 7
	b.prev = lsn
	return lsn
}

// WriteSegments dumps the stream into dir as segment files, padding
// the tail of the last one with zero pages.
func (b *Builder) WriteSegments(t *testing.T, dir string) {
	t.Helper()
	segs := (uint64(len(b.buf)) + b.segSize - 1) / b.segSize
	for i := uint64(0); i < segs; i++ {
		segno := b.start/b.segSize + i
		name := pgdata.WalSegmentName(b.tli, segno, b.segSize)
		seg := make([]byte, b.segSize)
		copy(seg, b.buf[i*b.segSize:])
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), seg, 0o644))
	}
}

// MainData encodes a record body holding only main data.
func MainData(data []byte) []byte {
	if len(data) < 256 {
		return append([]byte{255, byte(len(data))}, data...)
	}
	body := make([]byte, 5, 5+len(data))
	body[0] = 254
	binary.LittleEndian.PutUint32(body[1:5], uint32(len(data)))
	return append(body, data...)
}

// BlockRefBody encodes one main-fork-style block reference (no data,
// no image) followed by optional main data.
func BlockRefBody(spc, db, rel uint32, fork byte, block uint32, data []byte) []byte {
	body := []byte{0, fork, 0, 0} // block ID 0, fork_flags, data_len
	var rest [16]byte
	binary.LittleEndian.PutUint32(rest[0:4], spc)
	binary.LittleEndian.PutUint32(rest[4:8], db)
	binary.LittleEndian.PutUint32(rest[8:12], rel)
	binary.LittleEndian.PutUint32(rest[12:16], block)
	body = append(body, rest[:]...)
	return append(body, MainData(data)...)
}

// CheckpointBody encodes a checkpoint payload whose redo pointer is
// its first field.
func CheckpointBody(redo pgdata.Lsn) []byte {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint64(data[0:8], uint64(redo))
	return MainData(data)
}
