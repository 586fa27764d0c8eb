package pgdata

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// WalSegmentName renders the fixed-width segment filename for the
// segment containing lsn: <TLI><SEGNO_HI><SEGNO_LO>, each 8 hex digits.
func WalSegmentName(tli Tli, segno uint64, segSize uint64) string {
	segsPerID := uint64(0x100000000) / segSize
	return fmt.Sprintf("%08X%08X%08X", uint32(tli), segno/segsPerID, segno%segsPerID)
}

// WalSegmentNameForLsn names the segment containing lsn on tli.
func WalSegmentNameForLsn(tli Tli, lsn Lsn, segSize uint64) string {
	return WalSegmentName(tli, lsn.SegmentNumber(segSize), segSize)
}

// IsWalSegmentName reports whether name has the 24-hex-digit shape of a
// WAL segment file.
func IsWalSegmentName(name string) bool {
	if len(name) != 24 {
		return false
	}
	_, err := strconv.ParseUint(name[:16], 16, 64)
	if err != nil {
		return false
	}
	_, err = strconv.ParseUint(name[16:], 16, 64)
	return err == nil
}

// TimelineHistoryPath returns the data-directory-relative path of the
// history file for tli.
func TimelineHistoryPath(tli Tli) string {
	return fmt.Sprintf("%s/%08X.history", WalDirName, uint32(tli))
}

// walPageHeader field offsets within a long page header. The layout is
// xlp_magic u16, xlp_info u16, xlp_tli u32, xlp_pageaddr u64,
// xlp_rem_len u32, then for long headers xlp_sysid u64,
// xlp_seg_size u32, xlp_xlog_blcksz u32.
const (
	walLongHeaderSize = 40
	xlpLongHeader     = 0x0002
	xlpSegSizeOffset  = 32
)

// DiscoverWalSegSize reads the first page header of any existing WAL
// segment under dataDir and returns the cluster's segment size. The
// size is a cluster property, not a constant, so it must be read from
// disk. Returns WalSegDefaultSize when no segment exists.
func DiscoverWalSegSize(dataDir string) (uint64, error) {
	walDir := filepath.Join(dataDir, WalDirName)
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return 0, fmt.Errorf("read wal dir %s: %w", walDir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !IsWalSegmentName(e.Name()) {
			continue
		}
		size, err := readSegSizeFromHeader(filepath.Join(walDir, e.Name()))
		if err != nil {
			// A partially written or recycled segment is not an error;
			// another segment may still carry a valid header.
			continue
		}
		return size, nil
	}
	return WalSegDefaultSize, nil
}

func readSegSizeFromHeader(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var hdr [walLongHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return 0, fmt.Errorf("read page header %s: %w", path, err)
	}

	info := binary.LittleEndian.Uint16(hdr[2:4])
	if info&xlpLongHeader == 0 {
		return 0, fmt.Errorf("segment %s does not start with a long page header", path)
	}
	size := uint64(binary.LittleEndian.Uint32(hdr[xlpSegSizeOffset : xlpSegSizeOffset+4]))
	if !ValidWalSegSize(size) {
		return 0, fmt.Errorf("segment %s declares invalid wal segment size %d", path, size)
	}
	return size, nil
}
