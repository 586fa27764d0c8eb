package filemap

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// KeepWalSet holds WAL paths the target itself must re-read during its
// own recovery. The planner never removes these even when the source no
// longer has them.
type KeepWalSet map[string]struct{}

// NewKeepWalSet returns an empty set.
func NewKeepWalSet() KeepWalSet { return make(KeepWalSet) }

// Add records a data-directory-relative WAL path.
func (s KeepWalSet) Add(path string) { s[path] = struct{}{} }

// AddSegment records the segment containing segno on tli.
func (s KeepWalSet) AddSegment(tli pgdata.Tli, segno uint64, segSize uint64) {
	s.Add(pgdata.WalDirName + "/" + pgdata.WalSegmentName(tli, segno, segSize))
}

// Contains reports membership.
func (s KeepWalSet) Contains(path string) bool {
	_, ok := s[path]
	return ok
}

// Plan is the final, ordered action list plus the progress totals.
type Plan struct {
	Entries []*Entry

	// TotalSize is the sum of source sizes over regular files;
	// FetchSize is the number of bytes the executor will pull from the
	// source.
	TotalSize int64
	FetchSize int64
}

// DecideActions runs the per-entry decision pass and then orders the
// map into an executable plan. The decision for an entry depends only
// on that entry and the keep-WAL set, never on traversal order.
func (m *Map) DecideActions(keepWal KeepWalSet, log *slog.Logger) (*Plan, error) {
	if log == nil {
		log = slog.Default()
	}

	for _, path := range m.sortedPaths() {
		e := m.entries[path]
		action, err := decideAction(e, keepWal)
		if err != nil {
			return nil, err
		}
		e.Action = action
		log.Debug("file action",
			"path", e.Path,
			"action", e.Action.String(),
			"source_size", e.SourceSize,
			"target_size", e.TargetSize,
			"pages", e.PagesToOverwrite.Count(),
		)
	}
	return m.buildPlan()
}

func decideAction(e *Entry, keepWal KeepWalSet) (Action, error) {
	// The control file is rewritten by the driver after everything else
	// has landed; the generic machinery must leave it alone.
	if e.Path == pgdata.ControlFilePath {
		return ActionNone, nil
	}

	if Excluded(e.Path) {
		if e.TargetExists {
			return ActionRemove, nil
		}
		return ActionNone, nil
	}

	switch {
	case !e.TargetExists && e.SourceExists:
		if e.SourceKind == KindDirectory || e.SourceKind == KindSymlink {
			return ActionCreate, nil
		}
		return ActionCopy, nil

	case e.TargetExists && !e.SourceExists:
		if keepWal.Contains(e.Path) {
			return ActionNone, nil
		}
		return ActionRemove, nil

	case !e.TargetExists && !e.SourceExists:
		return ActionUndecided, fmt.Errorf("entry %q exists on neither side", e.Path)
	}

	// Both sides exist from here on.
	if e.TargetKind != e.SourceKind {
		return ActionUndecided, fmt.Errorf(
			"file %q is of different type in source (%s) and target (%s)",
			e.Path, e.SourceKind, e.TargetKind)
	}

	// PG_VERSION files exist at every database directory level and
	// never change within a major version.
	if e.Path == "PG_VERSION" || strings.HasSuffix(e.Path, "/PG_VERSION") {
		return ActionNone, nil
	}

	switch e.SourceKind {
	case KindDirectory:
		return ActionNone, nil
	case KindSymlink:
		// Link target differences are deliberately ignored; migrating
		// tablespace locations is out of scope.
		return ActionNone, nil
	}

	if !e.IsRelFile {
		// Non-relation regular files have no page-level tracking, so
		// they are refreshed blindly.
		return ActionCopy, nil
	}

	switch {
	case e.TargetSize < e.SourceSize:
		return ActionCopyTail, nil
	case e.TargetSize > e.SourceSize:
		return ActionTruncate, nil
	default:
		return ActionNone, nil
	}
}

func (m *Map) buildPlan() (*Plan, error) {
	plan := &Plan{Entries: make([]*Entry, 0, len(m.entries))}
	for _, e := range m.entries {
		if e.Action == ActionUndecided {
			return nil, fmt.Errorf("no action decided for %q", e.Path)
		}
		plan.Entries = append(plan.Entries, e)
	}

	sort.SliceStable(plan.Entries, func(i, j int) bool {
		a, b := plan.Entries[i], plan.Entries[j]
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		if a.Action == ActionRemove {
			// Children must be unlinked before their parent directory.
			return a.Path > b.Path
		}
		return a.Path < b.Path
	})

	for _, e := range plan.Entries {
		if e.SourceExists && e.SourceKind == KindRegular {
			plan.TotalSize += e.SourceSize
		}
		switch e.Action {
		case ActionCopy:
			plan.FetchSize += e.SourceSize
		case ActionCopyTail:
			plan.FetchSize += e.SourceSize - e.TargetSize
		}
		if !e.PagesToOverwrite.Empty() {
			plan.FetchSize += int64(e.PagesToOverwrite.Count()) * pgdata.BlockSize
		}
	}
	return plan, nil
}
