// Package progress prints fetch progress to stderr, throttled so a
// fast copy does not drown the terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

// printInterval is how often a new progress line may appear.
const printInterval = 150 * time.Millisecond

// Reporter tracks fetched bytes with lock-free counters; Add is safe
// to call from the fetch path without coordination.
type Reporter struct {
	out      io.Writer
	enabled  bool
	isTTY    bool
	interval time.Duration

	total     atomic.Int64
	done      atomic.Int64
	lastPrint atomic.Int64 // unix nanos
}

// NewReporter writes to out when enabled. When out is a terminal the
// line is redrawn in place; otherwise each update is its own line.
func NewReporter(out io.Writer, enabled bool) *Reporter {
	r := &Reporter{out: out, enabled: enabled, interval: printInterval}
	if f, ok := out.(*os.File); ok {
		r.isTTY = term.IsTerminal(int(f.Fd()))
	}
	return r
}

// SetTotal records the number of bytes the fetch is expected to move.
func (r *Reporter) SetTotal(n int64) { r.total.Store(n) }

// Add records n fetched bytes and prints a line if one is due.
func (r *Reporter) Add(n int64) {
	done := r.done.Add(n)
	if !r.enabled {
		return
	}

	now := time.Now().UnixNano()
	last := r.lastPrint.Load()
	if now-last < int64(r.interval) {
		return
	}
	if !r.lastPrint.CompareAndSwap(last, now) {
		return
	}
	r.print(done)
}

// Finish prints the final totals unconditionally.
func (r *Reporter) Finish() {
	if !r.enabled {
		return
	}
	r.print(r.done.Load())
	if r.isTTY {
		fmt.Fprintln(r.out)
	}
}

func (r *Reporter) print(done int64) {
	total := r.total.Load()
	if total < done {
		total = done
	}
	var pct int64
	if total > 0 {
		pct = done * 100 / total
	}

	end := "\n"
	if r.isTTY {
		end = "\r"
	}
	fmt.Fprintf(r.out, "%d/%d kB (%d%%) copied%s", done/1024, total/1024, pct, end)
}
