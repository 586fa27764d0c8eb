package pgdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLsn(t *testing.T) {
	lsn, err := ParseLsn("1/E6213A0")
	require.NoError(t, err)
	assert.Equal(t, Lsn(0x10E6213A0), lsn)
	assert.Equal(t, "1/E6213A0", lsn.String())

	lsn, err = ParseLsn("0/0")
	require.NoError(t, err)
	assert.Equal(t, InvalidLsn, lsn)
	assert.False(t, lsn.Valid())
}

func TestParseLsnErrors(t *testing.T) {
	for _, s := range []string{"", "12345", "1/zz", "x/0", "1/2/3"} {
		_, err := ParseLsn(s)
		assert.Error(t, err, s)
	}
}

func TestWalSegmentName(t *testing.T) {
	const segSize = 16 * 1024 * 1024

	assert.Equal(t, "000000010000000000000001",
		WalSegmentNameForLsn(1, Lsn(segSize), segSize))
	assert.Equal(t, "0000000400000001000000FF",
		WalSegmentName(4, 0x1FF, segSize))

	// Segment numbering wraps into the high half at 4 GiB of WAL.
	assert.Equal(t, "000000010000000100000000",
		WalSegmentNameForLsn(1, Lsn(0x100000000), segSize))
}

func TestIsWalSegmentName(t *testing.T) {
	assert.True(t, IsWalSegmentName("000000010000000000000001"))
	assert.True(t, IsWalSegmentName("0000000300000002000000FF"))
	assert.False(t, IsWalSegmentName("00000001000000000000001"))   // short
	assert.False(t, IsWalSegmentName("0000000100000000000000010")) // long
	assert.False(t, IsWalSegmentName("00000001.history"))
	assert.False(t, IsWalSegmentName("archive_status"))
}

func TestTimelineHistoryPath(t *testing.T) {
	assert.Equal(t, "pg_wal/00000002.history", TimelineHistoryPath(2))
	assert.Equal(t, "pg_wal/000000FF.history", TimelineHistoryPath(255))
}
