package pgdata

import (
	"fmt"
	"strconv"
	"strings"
)

// Fork names a parallel storage stream of a relation. Only the main
// fork participates in page-level rewind tracking; the others are
// refreshed wholesale when they differ.
type Fork int

const (
	MainFork Fork = iota
	FsmFork
	VmFork
	InitFork
)

var forkSuffixes = [...]string{
	MainFork: "",
	FsmFork:  "_fsm",
	VmFork:   "_vm",
	InitFork: "_init",
}

func (f Fork) String() string {
	if f == MainFork {
		return "main"
	}
	if int(f) < len(forkSuffixes) {
		return strings.TrimPrefix(forkSuffixes[f], "_")
	}
	return "unknown"
}

// RelSegKey identifies one on-disk relation segment file.
type RelSegKey struct {
	Tablespace uint32
	Database   uint32
	Relation   uint32
	Fork       Fork
	Segment    uint32
}

// Path renders the canonical data-directory-relative path for the
// segment. This is the inverse of ParseRelSegPath.
func (k RelSegKey) Path() string {
	name := strconv.FormatUint(uint64(k.Relation), 10) + forkSuffixes[k.Fork]
	if k.Segment > 0 {
		name = fmt.Sprintf("%s.%d", name, k.Segment)
	}
	switch k.Tablespace {
	case GlobalTablespaceOid:
		return "global/" + name
	case DefaultTablespaceOid:
		return fmt.Sprintf("base/%d/%s", k.Database, name)
	default:
		return fmt.Sprintf("%s/%d/%s/%d/%s",
			TablespaceDir, k.Tablespace, TablespaceVersionDir, k.Database, name)
	}
}

// ParseRelSegPath classifies a slash-separated relative path as a
// relation segment. It accepts exactly the three canonical shapes
// (global/, base/<db>/, pg_tblspc/<spc>/<ver>/<db>/) and rejects
// anything that does not round-trip through Path, so trailing cruft or
// alternative spellings of the same numbers never classify.
func ParseRelSegPath(p string) (RelSegKey, bool) {
	parts := strings.Split(p, "/")

	var key RelSegKey
	var base string
	switch {
	case len(parts) == 2 && parts[0] == "global":
		key.Tablespace = GlobalTablespaceOid
		key.Database = 0
		base = parts[1]
	case len(parts) == 3 && parts[0] == "base":
		db, err := parseOid(parts[1])
		if err != nil {
			return RelSegKey{}, false
		}
		key.Tablespace = DefaultTablespaceOid
		key.Database = db
		base = parts[2]
	case len(parts) == 5 && parts[0] == TablespaceDir && parts[2] == TablespaceVersionDir:
		spc, err := parseOid(parts[1])
		if err != nil {
			return RelSegKey{}, false
		}
		db, err := parseOid(parts[3])
		if err != nil {
			return RelSegKey{}, false
		}
		key.Tablespace = spc
		key.Database = db
		base = parts[4]
	default:
		return RelSegKey{}, false
	}

	name, seg, hasSeg := strings.Cut(base, ".")
	if hasSeg {
		n, err := strconv.ParseUint(seg, 10, 32)
		if err != nil {
			return RelSegKey{}, false
		}
		key.Segment = uint32(n)
	}

	// Fork-suffixed files (_fsm, _vm, _init) are deliberately not
	// classified: they are refreshed wholesale, never page by page, so
	// they go through the non-relation copy path. The underscore fails
	// the numeric parse below.
	key.Fork = MainFork

	rel, err := parseOid(name)
	if err != nil {
		return RelSegKey{}, false
	}
	key.Relation = rel

	// Reject non-canonical spellings (leading zeros, ".0" suffixes).
	if key.Path() != p {
		return RelSegKey{}, false
	}
	return key, true
}

func parseOid(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
