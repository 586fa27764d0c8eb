// Package pgdata holds the fixed on-disk vocabulary of a PostgreSQL data
// directory: log positions, timelines, block and segment geometry, the
// relation-segment path grammar, and WAL segment naming.
package pgdata

// Block and segment geometry. These are build-time constants of the
// clusters being rewound; both sides must have been built with the same
// values or the control-file version check fails long before any of
// these matter.
const (
	// BlockSize is the size of one relation disk page.
	BlockSize = 8192

	// RelSegBlocks is the number of blocks per relation segment file,
	// giving the conventional 1 GiB segment size.
	RelSegBlocks = 131072

	// WalSegMinSize and WalSegMaxSize bound the per-cluster WAL segment
	// size, which is discovered from an existing segment's first page
	// header rather than assumed.
	WalSegMinSize = 1 * 1024 * 1024
	WalSegMaxSize = 1 * 1024 * 1024 * 1024

	// WalSegDefaultSize is used only when a cluster has no WAL on disk
	// to discover the real size from.
	WalSegDefaultSize = 16 * 1024 * 1024
)

// Well-known OIDs and directory names.
const (
	GlobalTablespaceOid  = 1664
	DefaultTablespaceOid = 1663

	// TablespaceVersionDir is the per-catalog-version subdirectory that
	// user tablespaces nest their databases under.
	TablespaceVersionDir = "PG_17_202406281"

	ControlFilePath = "global/pg_control"
	WalDirName      = "pg_wal"
	TablespaceDir   = "pg_tblspc"
	BackupLabelFile = "backup_label"
)

// ValidWalSegSize reports whether size is a power of two in the
// accepted range.
func ValidWalSegSize(size uint64) bool {
	return size >= WalSegMinSize && size <= WalSegMaxSize && size&(size-1) == 0
}
