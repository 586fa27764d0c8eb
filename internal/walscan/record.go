// Package walscan reads the target's write-ahead log from the
// divergence point forward and turns every modified main-fork block
// into a page-map bit, while remembering which WAL segments the target
// will need again during its own recovery.
package walscan

import (
	"encoding/binary"

	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// Resource manager and info constants for the records the scan must
// recognize. Everything else is opaque payload.
const (
	rmgrXlog = 0

	infoMask               = 0xF0
	xlogCheckpointShutdown = 0x00
	xlogCheckpointOnline   = 0x10
	xlogSwitch             = 0x40
)

// BlockRef names one disk block touched by a record.
type BlockRef struct {
	Tablespace uint32
	Database   uint32
	Relation   uint32
	Fork       pgdata.Fork
	Block      uint32
}

// Record is one decoded WAL record, reduced to what rewind needs: its
// position, the blocks it touched, and enough header to classify
// checkpoints. Payload bytes beyond MainData are never interpreted.
type Record struct {
	Lsn    pgdata.Lsn // first byte of the record
	EndLsn pgdata.Lsn // first byte after the record (aligned)
	Tli    pgdata.Tli // timeline the record was read from

	RmgrID uint8
	Info   uint8

	Blocks   []BlockRef
	MainData []byte
}

// IsCheckpoint reports whether the record is a checkpoint of either
// flavor.
func (r *Record) IsCheckpoint() bool {
	return r.RmgrID == rmgrXlog &&
		(r.Info&infoMask == xlogCheckpointShutdown || r.Info&infoMask == xlogCheckpointOnline)
}

// IsShutdownCheckpoint reports whether the record is the
// shutdown-checkpoint flavor that ends a cleanly stopped server's WAL.
func (r *Record) IsShutdownCheckpoint() bool {
	return r.RmgrID == rmgrXlog && r.Info&infoMask == xlogCheckpointShutdown
}

// RedoLsn extracts the redo pointer from a checkpoint record's main
// data. The redo pointer is the first field of the checkpoint payload.
func (r *Record) RedoLsn() (pgdata.Lsn, bool) {
	if !r.IsCheckpoint() || len(r.MainData) < 8 {
		return pgdata.InvalidLsn, false
	}
	return pgdata.Lsn(binary.LittleEndian.Uint64(r.MainData[:8])), true
}

// RecordReader yields successive records from a WAL stream. Next
// returns io.EOF at the readable end of WAL; any other error is
// corruption or an I/O failure and is fatal to the scan.
type RecordReader interface {
	Next() (*Record, error)
	Close() error
}
