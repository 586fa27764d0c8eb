package controlfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// ReadFile loads and parses the control file under dataDir.
func ReadFile(dataDir string) (*ControlFile, error) {
	path := filepath.Join(dataDir, filepath.FromSlash(pgdata.ControlFilePath))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read control file %s: %w", path, err)
	}
	cf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse control file %s: %w", path, err)
	}
	return cf, nil
}

// CheckCompatible verifies that two clusters were ever the same
// cluster: same system identifier and same binary/catalog versions.
func CheckCompatible(target, source *ControlFile) error {
	if target.SystemID != source.SystemID {
		return fmt.Errorf("source and target are not from the same system: %d != %d",
			source.SystemID, target.SystemID)
	}
	if target.ControlVersion != source.ControlVersion {
		return fmt.Errorf("control file version mismatch: source %d, target %d",
			source.ControlVersion, target.ControlVersion)
	}
	if target.CatalogVersion != source.CatalogVersion {
		return fmt.Errorf("catalog version mismatch: source %d, target %d",
			source.CatalogVersion, target.CatalogVersion)
	}
	return nil
}

// CheckTargetState rejects targets that were not cleanly shut down.
// Rewind edits the directory underneath any pending crash recovery, so
// an unclean target is never safe to touch.
func CheckTargetState(target *ControlFile) error {
	if target.State != StateShutdown && target.State != StateShutdownInRecovery {
		return fmt.Errorf("target server must be shut down cleanly (currently %s)", target.State)
	}
	return nil
}

// CheckSourceState applies the same shutdown requirement to
// local-directory sources, which have no server enforcing consistency.
func CheckSourceState(source *ControlFile) error {
	if source.State != StateShutdown && source.State != StateShutdownInRecovery {
		return fmt.Errorf("source server must be shut down cleanly when copying from a directory (currently %s)", source.State)
	}
	return nil
}

// CheckSafeguards requires the target to have either data checksums or
// wal_log_hints. Without one of them, hint-bit-only page changes never
// reach the WAL and the page map would miss them.
func CheckSafeguards(target *ControlFile) error {
	if target.DataChecksumVersion == 0 && !target.WalLogHints {
		return fmt.Errorf("target server needs to use either data checksums or \"wal_log_hints = on\"")
	}
	return nil
}
