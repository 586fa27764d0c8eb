// Package controlfile reads and writes the fixed-layout cluster control
// block stored at global/pg_control. The block is a little-endian field
// sequence followed by a CRC-32C over those fields and zero padding up
// to the on-disk size.
package controlfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// Size is the fixed on-disk size of the control file.
const Size = 8192

// payloadSize is the number of meaningful bytes preceding the CRC.
const payloadSize = 57

// State is the database cluster state recorded at the last control
// file update.
type State uint32

const (
	StateStartingUp State = iota
	StateShutdown
	StateShutdownInRecovery
	StateShuttingDown
	StateInCrashRecovery
	StateInArchiveRecovery
	StateInProduction
)

var stateNames = map[State]string{
	StateStartingUp:         "starting up",
	StateShutdown:           "shut down",
	StateShutdownInRecovery: "shut down in recovery",
	StateShuttingDown:       "shutting down",
	StateInCrashRecovery:    "in crash recovery",
	StateInArchiveRecovery:  "in archive recovery",
	StateInProduction:       "in production",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unrecognized state code %d", uint32(s))
}

// ControlFile is the decoded control block.
type ControlFile struct {
	SystemID            uint64
	ControlVersion      uint32
	CatalogVersion      uint32
	State               State
	CheckpointLsn       pgdata.Lsn
	CheckpointTli       pgdata.Tli
	CheckpointRedoLsn   pgdata.Lsn
	MinRecoveryLsn      pgdata.Lsn
	MinRecoveryTli      pgdata.Tli
	WalLogHints         bool
	DataChecksumVersion uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Parse decodes and verifies a raw control file image. The input must
// be exactly Size bytes and carry a matching CRC.
func Parse(data []byte) (*ControlFile, error) {
	if len(data) != Size {
		return nil, fmt.Errorf("control file is %d bytes, expected %d", len(data), Size)
	}

	stored := binary.LittleEndian.Uint32(data[payloadSize : payloadSize+4])
	computed := crc32.Checksum(data[:payloadSize], castagnoli)
	if stored != computed {
		return nil, fmt.Errorf("control file CRC mismatch: stored %08X, computed %08X", stored, computed)
	}

	cf := &ControlFile{
		SystemID:            binary.LittleEndian.Uint64(data[0:8]),
		ControlVersion:      binary.LittleEndian.Uint32(data[8:12]),
		CatalogVersion:      binary.LittleEndian.Uint32(data[12:16]),
		State:               State(binary.LittleEndian.Uint32(data[16:20])),
		CheckpointLsn:       pgdata.Lsn(binary.LittleEndian.Uint64(data[20:28])),
		CheckpointTli:       pgdata.Tli(binary.LittleEndian.Uint32(data[28:32])),
		CheckpointRedoLsn:   pgdata.Lsn(binary.LittleEndian.Uint64(data[32:40])),
		MinRecoveryLsn:      pgdata.Lsn(binary.LittleEndian.Uint64(data[40:48])),
		MinRecoveryTli:      pgdata.Tli(binary.LittleEndian.Uint32(data[48:52])),
		WalLogHints:         data[52] != 0,
		DataChecksumVersion: binary.LittleEndian.Uint32(data[53:57]),
	}
	return cf, nil
}

// Encode serializes the control block, recomputing the CRC and zero
// padding to the on-disk size.
func (cf *ControlFile) Encode() []byte {
	data := make([]byte, Size)
	binary.LittleEndian.PutUint64(data[0:8], cf.SystemID)
	binary.LittleEndian.PutUint32(data[8:12], cf.ControlVersion)
	binary.LittleEndian.PutUint32(data[12:16], cf.CatalogVersion)
	binary.LittleEndian.PutUint32(data[16:20], uint32(cf.State))
	binary.LittleEndian.PutUint64(data[20:28], uint64(cf.CheckpointLsn))
	binary.LittleEndian.PutUint32(data[28:32], uint32(cf.CheckpointTli))
	binary.LittleEndian.PutUint64(data[32:40], uint64(cf.CheckpointRedoLsn))
	binary.LittleEndian.PutUint64(data[40:48], uint64(cf.MinRecoveryLsn))
	binary.LittleEndian.PutUint32(data[48:52], uint32(cf.MinRecoveryTli))
	if cf.WalLogHints {
		data[52] = 1
	}
	binary.LittleEndian.PutUint32(data[53:57], cf.DataChecksumVersion)

	crc := crc32.Checksum(data[:payloadSize], castagnoli)
	binary.LittleEndian.PutUint32(data[payloadSize:payloadSize+4], crc)
	return data
}
