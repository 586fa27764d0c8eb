// Package source reads cluster content out of the server being copied
// from, either a local data directory or a live server over a libpq
// connection.
package source

import (
	"context"

	"github.com/bamsammich/pgrewind/internal/filemap"
	"github.com/bamsammich/pgrewind/internal/pgdata"
	"golang.org/x/time/rate"
)

// Fetch batching limits for the libpq source. Local fetches stream
// directly and ignore them.
const (
	// MaxChunkSize caps a single fetched chunk.
	MaxChunkSize = 1024 * 1024

	// MaxChunksPerQuery caps how many chunks one round trip carries.
	MaxChunksPerQuery = 1000
)

// Sink receives fetched bytes. The rewind target's mutator is the real
// implementation; tests substitute in-memory fakes.
type Sink interface {
	WriteRange(path string, off int64, data []byte) error
	Truncate(path string, size int64) error
	Remove(path string) error
}

// Source is one side of the fetch pipeline. Queue methods may execute
// immediately (local) or batch until Flush (libpq); either way, after
// Flush returns nil every queued byte has reached the sink.
type Source interface {
	// Traverse reports every entry of the source data directory plus
	// the contents of its tablespaces.
	Traverse(ctx context.Context, fn filemap.WalkFunc) error

	// ReadFile slurps one small file, such as the control file or a
	// timeline history file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// QueueFetchFile truncates the target copy and fetches the whole
	// file, expected to be length bytes right now.
	QueueFetchFile(ctx context.Context, path string, length int64) error

	// QueueFetchRange fetches [off, off+length) of path.
	QueueFetchRange(ctx context.Context, path string, off, length int64) error

	// Flush drains any queued fetches into the sink.
	Flush(ctx context.Context) error

	// InsertLsn reports the point the copied data is consistent up to:
	// the current WAL insert position of a live source, or the last
	// checkpoint of a stopped one.
	InsertLsn(ctx context.Context) (pgdata.Lsn, error)

	Close(ctx context.Context) error
}

// Options tune any source implementation.
type Options struct {
	// Limiter throttles fetched bytes when set.
	Limiter *rate.Limiter

	// Progress is called with the size of each chunk delivered to the
	// sink.
	Progress func(bytes int64)
}

func (o Options) throttle(ctx context.Context, n int) error {
	if o.Limiter == nil || n == 0 {
		return nil
	}
	// Bursts are sized to MaxChunkSize; a chunk never exceeds it.
	return o.Limiter.WaitN(ctx, n)
}

func (o Options) report(n int64) {
	if o.Progress != nil && n > 0 {
		o.Progress(n)
	}
}
