package pgdata

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSegmentHeader(t *testing.T, walDir, name string, segSize uint32) {
	t.Helper()
	hdr := make([]byte, walLongHeaderSize)
	binary.LittleEndian.PutUint16(hdr[0:2], 0xD116)
	binary.LittleEndian.PutUint16(hdr[2:4], xlpLongHeader)
	binary.LittleEndian.PutUint32(hdr[xlpSegSizeOffset:xlpSegSizeOffset+4], segSize)
	require.NoError(t, os.WriteFile(filepath.Join(walDir, name), hdr, 0o600))
}

func TestDiscoverWalSegSize(t *testing.T) {
	dataDir := t.TempDir()
	walDir := filepath.Join(dataDir, WalDirName)
	require.NoError(t, os.Mkdir(walDir, 0o700))

	// Empty pg_wal falls back to the default.
	size, err := DiscoverWalSegSize(dataDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(WalSegDefaultSize), size)

	writeSegmentHeader(t, walDir, "000000010000000000000001", 1024*1024)
	size, err = DiscoverWalSegSize(dataDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024*1024), size)
}

func TestDiscoverWalSegSizeSkipsRecycled(t *testing.T) {
	dataDir := t.TempDir()
	walDir := filepath.Join(dataDir, WalDirName)
	require.NoError(t, os.Mkdir(walDir, 0o700))

	// A zeroed (recycled) segment sorts first; discovery must move past
	// it to the one with a valid header.
	zeroed := make([]byte, walLongHeaderSize)
	require.NoError(t,
		os.WriteFile(filepath.Join(walDir, "000000010000000000000001"), zeroed, 0o600))
	require.NoError(t,
		os.WriteFile(filepath.Join(walDir, "00000001.history"), []byte("history"), 0o600))
	writeSegmentHeader(t, walDir, "000000010000000000000002", 64*1024*1024)

	size, err := DiscoverWalSegSize(dataDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(64*1024*1024), size)
}

func TestDiscoverWalSegSizeMissingWalDir(t *testing.T) {
	_, err := DiscoverWalSegSize(t.TempDir())
	assert.Error(t, err)
}
