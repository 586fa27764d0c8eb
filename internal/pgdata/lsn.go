package pgdata

import (
	"fmt"
	"strconv"
	"strings"
)

// Lsn is a byte position in the write-ahead log stream.
type Lsn uint64

// InvalidLsn is the zero log position, never a valid record address.
const InvalidLsn Lsn = 0

// Tli identifies one fork of the WAL history. Incremented on promotion.
type Tli uint32

// ParseLsn parses the textual "X/Y" form used by the server
// (pg_current_wal_insert_lsn and friends).
func ParseLsn(s string) (Lsn, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return InvalidLsn, fmt.Errorf("parse lsn %q: missing separator", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return InvalidLsn, fmt.Errorf("parse lsn %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return InvalidLsn, fmt.Errorf("parse lsn %q: %w", s, err)
	}
	return Lsn(h<<32 | l), nil
}

// String renders the conventional "X/Y" form.
func (l Lsn) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// Valid reports whether the position is nonzero.
func (l Lsn) Valid() bool { return l != InvalidLsn }

// SegmentNumber returns the WAL segment the position falls in.
func (l Lsn) SegmentNumber(segSize uint64) uint64 {
	return uint64(l) / segSize
}

// SegmentOffset returns the byte offset within the containing segment.
func (l Lsn) SegmentOffset(segSize uint64) uint64 {
	return uint64(l) % segSize
}
