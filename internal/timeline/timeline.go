// Package timeline parses timeline history files and locates the point
// where two cluster histories diverged.
//
// A history file lists, oldest first, the timelines the current one
// descends from and the LSN at which each ended:
//
//	1	0/15D68C0	no recovery target specified
//
// The owning timeline itself is open ended and has no line.
package timeline

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// Entry is one closed timeline in a history: tli ended (was forked
// from) at SwitchLsn. The final entry of a parsed History is the owning
// timeline with SwitchLsn 0, meaning open ended.
type Entry struct {
	Tli       pgdata.Tli
	SwitchLsn pgdata.Lsn
}

// History is an ordered ancestry, oldest timeline first.
type History []Entry

// ParseHistory decodes the history file contents for tli. Blank lines
// and # comments are ignored. The owning timeline is appended as the
// open-ended final entry.
func ParseHistory(tli pgdata.Tli, data []byte) (History, error) {
	var h History
	lastTli := pgdata.Tli(0)

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("syntax error in history file: %q", line)
		}
		t, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid timeline in history file: %q", line)
		}
		lsn, err := pgdata.ParseLsn(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid switch point in history file: %q", line)
		}

		if pgdata.Tli(t) <= lastTli {
			return nil, fmt.Errorf("timeline IDs must be in increasing sequence: %q", line)
		}
		lastTli = pgdata.Tli(t)
		h = append(h, Entry{Tli: pgdata.Tli(t), SwitchLsn: lsn})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}

	if tli <= lastTli {
		return nil, fmt.Errorf("timeline IDs must be less than child timeline's ID %d", tli)
	}
	return append(h, Entry{Tli: tli, SwitchLsn: pgdata.InvalidLsn}), nil
}

// SyntheticHistory is the single-entry history of a timeline that has
// no history file: timeline 1, and any timeline whose file is missing.
func SyntheticHistory(tli pgdata.Tli) History {
	return History{{Tli: tli, SwitchLsn: pgdata.InvalidLsn}}
}

// TliOfPoint returns the timeline that owns log position p in this
// history: the oldest timeline whose switch point lies beyond p. A
// record starting exactly at a switch point belongs to the newer
// timeline.
func (h History) TliOfPoint(p pgdata.Lsn) pgdata.Tli {
	for _, e := range h {
		if e.SwitchLsn.Valid() && p < e.SwitchLsn {
			return e.Tli
		}
	}
	if len(h) == 0 {
		return 1
	}
	return h[len(h)-1].Tli
}

// FindCommonAncestor scans sourceHistory newest to oldest for the
// target's checkpoint timeline and returns the switch point where the
// two histories parted. An absent target timeline means the target is
// not an ancestor of the source and cannot be rewound onto it.
func FindCommonAncestor(targetTli pgdata.Tli, sourceHistory History) (pgdata.Lsn, pgdata.Tli, error) {
	for i := len(sourceHistory) - 1; i >= 0; i-- {
		e := sourceHistory[i]
		if e.Tli == targetTli {
			if !e.SwitchLsn.Valid() {
				// The open-ended entry: both sides are on the same
				// timeline, which callers short-circuit before here.
				return pgdata.InvalidLsn, 0, fmt.Errorf("target timeline %d has not ended in source history", targetTli)
			}
			return e.SwitchLsn, e.Tli, nil
		}
	}
	return pgdata.InvalidLsn, 0, fmt.Errorf(
		"could not find common ancestor: target timeline %d is not in the source history", targetTli)
}
