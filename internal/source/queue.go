package source

import "context"

// chunk is one pending fetch request.
type chunk struct {
	path   string
	off    int64
	length int64
}

// fetchQueue accumulates fetch requests, splitting them into chunks of
// at most MaxChunkSize, merging adjacent requests against the same
// file, and flushing whenever MaxChunksPerQuery requests are pending.
type fetchQueue struct {
	chunks []chunk
	flush  func(ctx context.Context, chunks []chunk) error
}

func (q *fetchQueue) add(ctx context.Context, path string, off, length int64) error {
	for length > 0 {
		n := length
		if n > MaxChunkSize {
			n = MaxChunkSize
		}

		if last := q.last(); last != nil &&
			last.path == path &&
			last.off+last.length == off &&
			last.length+n <= MaxChunkSize {
			last.length += n
		} else {
			if len(q.chunks) >= MaxChunksPerQuery {
				if err := q.drain(ctx); err != nil {
					return err
				}
			}
			q.chunks = append(q.chunks, chunk{path: path, off: off, length: n})
		}

		off += n
		length -= n
	}
	return nil
}

func (q *fetchQueue) last() *chunk {
	if len(q.chunks) == 0 {
		return nil
	}
	return &q.chunks[len(q.chunks)-1]
}

func (q *fetchQueue) drain(ctx context.Context) error {
	if len(q.chunks) == 0 {
		return nil
	}
	pending := q.chunks
	q.chunks = nil
	return q.flush(ctx, pending)
}
