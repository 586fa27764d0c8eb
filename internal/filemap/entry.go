// Package filemap builds the merged picture of a source and target data
// directory and plans the per-file actions that make the target
// rewindable onto the source.
package filemap

import (
	"fmt"
	"sort"

	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// Kind classifies a directory entry.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Action is what the executor will do with one entry. The enum order is
// the execution order: parents materialize before contents, copies land
// before anything destructive, and deletions run last.
type Action int

const (
	ActionUndecided Action = iota
	ActionCreate
	ActionCopy
	ActionCopyTail
	ActionNone
	ActionTruncate
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionUndecided:
		return "undecided"
	case ActionCreate:
		return "create"
	case ActionCopy:
		return "copy"
	case ActionCopyTail:
		return "copy_tail"
	case ActionNone:
		return "none"
	case ActionTruncate:
		return "truncate"
	case ActionRemove:
		return "remove"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Entry is the merged view of one path across both data directories.
// Entries are created during inventory and never destroyed; the planner
// assigns Action exactly once.
type Entry struct {
	Path      string
	IsRelFile bool

	TargetExists     bool
	TargetKind       Kind
	TargetSize       int64
	TargetLinkTarget string

	SourceExists     bool
	SourceKind       Kind
	SourceSize       int64
	SourceLinkTarget string

	// PagesToOverwrite is only populated when both sides have the path
	// as a regular relation file.
	PagesToOverwrite PageBitmap

	Action Action
}

// Map is the file map keyed by data-directory-relative path.
type Map struct {
	entries map[string]*Entry
}

// NewMap returns an empty file map.
func NewMap() *Map {
	return &Map{entries: make(map[string]*Entry)}
}

func (m *Map) lookupOrCreate(path string) *Entry {
	e, ok := m.entries[path]
	if !ok {
		e = &Entry{Path: path}
		_, e.IsRelFile = pgdata.ParseRelSegPath(path)
		m.entries[path] = e
	}
	return e
}

// Lookup returns the entry for path, or nil.
func (m *Map) Lookup(path string) *Entry {
	return m.entries[path]
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// AddSource records the source-side inventory callback for path.
func (m *Map) AddSource(path string, kind Kind, size int64, linkTarget string) {
	e := m.lookupOrCreate(path)
	e.SourceExists = true
	e.SourceKind = kind
	e.SourceSize = size
	e.SourceLinkTarget = linkTarget
}

// AddTarget records the target-side inventory callback for path.
func (m *Map) AddTarget(path string, kind Kind, size int64, linkTarget string) {
	e := m.lookupOrCreate(path)
	e.TargetExists = true
	e.TargetKind = kind
	e.TargetSize = size
	e.TargetLinkTarget = linkTarget
}

// MarkModifiedBlock records that the block at blockInSeg of the segment
// file named by key changed on the target branch. Unknown paths are
// ignored (the relation was dropped on both sides); so are paths where
// either side is not a regular file, and blocks past either side's
// size (replay will extend or the truncation wins).
func (m *Map) MarkModifiedBlock(key pgdata.RelSegKey, blockInSeg uint32) {
	e, ok := m.entries[key.Path()]
	if !ok {
		return
	}
	if !e.TargetExists || !e.SourceExists ||
		e.TargetKind != KindRegular || e.SourceKind != KindRegular {
		return
	}
	end := (int64(blockInSeg) + 1) * pgdata.BlockSize
	if end > e.TargetSize || end > e.SourceSize {
		return
	}
	e.PagesToOverwrite.Set(blockInSeg)
}

// sortedPaths returns all paths in lexical order, for deterministic
// iteration over the underlying hash.
func (m *Map) sortedPaths() []string {
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
