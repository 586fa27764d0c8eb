package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bamsammich/pgrewind/internal/filemap"
	"github.com/bamsammich/pgrewind/internal/pgdata"
)

// Recursive listing of the source data directory, with tablespace
// symlinks resolved through pg_tablespace so the traversal can follow
// them. Vanished entries return NULL rows and are skipped.
const listFilesQuery = `
WITH RECURSIVE files (path, filename, size, isdir) AS (
  SELECT '' AS path, filename, size, isdir
  FROM (SELECT pg_ls_dir('.', true, false) AS filename) AS fn,
       pg_stat_file(fn.filename, true) AS this
  UNION ALL
  SELECT parent.path || parent.filename || '/' AS path,
         fn.filename, this.size, this.isdir
  FROM files AS parent,
       pg_ls_dir(parent.path || parent.filename, true, false) AS fn,
       pg_stat_file(parent.path || parent.filename || '/' || fn.filename, true) AS this
  WHERE parent.isdir
)
SELECT path || filename, size, isdir,
       pg_tablespace_location(pg_tablespace.oid) AS link_target
FROM files
LEFT OUTER JOIN pg_tablespace
  ON files.path = 'pg_tblspc/' AND pg_tablespace.oid::text = files.filename
`

// One round trip fetches a batch of chunks. missing_ok lets a vanished
// file come back as a NULL row instead of an error.
const fetchChunksQuery = `
SELECT path, off, pg_read_binary_file(path, off, len, true) AS chunk
FROM unnest($1::text[], $2::int8[], $3::int4[]) AS requests (path, off, len)
`

// Libpq reads from a running source server over a replication-less
// libpq connection. Fetches are batched and executed by Flush or when
// the queue fills.
type Libpq struct {
	conn  *pgx.Conn
	sink  Sink
	opts  Options
	queue fetchQueue

	// paths already removed because the source reported them gone;
	// later chunks for the same file are expected and ignored.
	vanished map[string]struct{}
}

var _ Source = (*Libpq)(nil)

// Connect dials the source server and prepares the session. The
// connection must be able to read files server-side, which requires
// a superuser or a role granted the pg_read_server_files functions.
func Connect(ctx context.Context, connstr string, sink Sink, opts Options) (*Libpq, error) {
	conn, err := pgx.Connect(ctx, connstr)
	if err != nil {
		return nil, fmt.Errorf("connect to source server: %w", err)
	}

	s := &Libpq{conn: conn, sink: sink, opts: opts, vanished: make(map[string]struct{})}
	s.queue.flush = s.fetchChunks

	// The session must never be killed mid-copy by a timeout, and must
	// never write: the source is only read from.
	for _, setting := range []string{
		"SET lock_timeout = 0",
		"SET statement_timeout = 0",
		"SET idle_in_transaction_session_timeout = 0",
		"SET default_transaction_read_only = on",
	} {
		if _, err := conn.Exec(ctx, setting); err != nil {
			conn.Close(ctx)
			return nil, fmt.Errorf("prepare source session: %w", err)
		}
	}

	var inRecovery bool
	if err := conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("check source recovery state: %w", err)
	}
	if inRecovery {
		conn.Close(ctx)
		return nil, fmt.Errorf("source server must not be in recovery mode")
	}

	var fpw string
	if err := conn.QueryRow(ctx, "SELECT current_setting('full_page_writes')").Scan(&fpw); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("check full_page_writes: %w", err)
	}
	if fpw != "on" {
		conn.Close(ctx)
		return nil, fmt.Errorf("full_page_writes must be enabled in the source server")
	}

	return s, nil
}

func (s *Libpq) Traverse(ctx context.Context, fn filemap.WalkFunc) error {
	rows, err := s.conn.Query(ctx, listFilesQuery)
	if err != nil {
		return fmt.Errorf("list source files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			path  *string
			size  *int64
			isDir *bool
			link  *string
		)
		if err := rows.Scan(&path, &size, &isDir, &link); err != nil {
			return fmt.Errorf("list source files: %w", err)
		}
		// A NULL row is a file that vanished between listing and stat.
		if path == nil || size == nil || isDir == nil {
			continue
		}

		switch {
		case link != nil && *link != "" && !strings.HasPrefix(*link, "pg_tblspc/"):
			fn(*path, filemap.KindSymlink, 0, *link)
		case *isDir:
			fn(*path, filemap.KindDirectory, 0, "")
		default:
			fn(*path, filemap.KindRegular, *size, "")
		}
	}
	return rows.Err()
}

func (s *Libpq) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.conn.QueryRow(ctx, "SELECT pg_read_binary_file($1)", path).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("read source file %s: %w", path, err)
	}
	return data, nil
}

// QueueFetchFile truncates the target copy and requests the whole
// file. At least one full chunk is requested even for tiny files, so
// a config file that grew between inventory and fetch still arrives
// complete (bounded to one chunk).
func (s *Libpq) QueueFetchFile(ctx context.Context, path string, length int64) error {
	if err := s.sink.Truncate(path, 0); err != nil {
		return err
	}
	if length < MaxChunkSize {
		length = MaxChunkSize
	}
	return s.queue.add(ctx, path, 0, length)
}

func (s *Libpq) QueueFetchRange(ctx context.Context, path string, off, length int64) error {
	return s.queue.add(ctx, path, off, length)
}

func (s *Libpq) Flush(ctx context.Context) error {
	return s.queue.drain(ctx)
}

// fetchChunks executes one batch. The server is asked to return rows
// in request order, and each row is verified against its request: the
// protocol has no other way to pair results with files.
func (s *Libpq) fetchChunks(ctx context.Context, chunks []chunk) error {
	paths := make([]string, len(chunks))
	offs := make([]int64, len(chunks))
	lens := make([]int32, len(chunks))
	for i, c := range chunks {
		paths[i] = c.path
		offs[i] = c.off
		lens[i] = int32(c.length)
	}

	rows, err := s.conn.Query(ctx, fetchChunksQuery, paths, offs, lens)
	if err != nil {
		return fmt.Errorf("fetch from source: %w", err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		if i >= len(chunks) {
			return fmt.Errorf("fetch returned more rows than requested (%d)", len(chunks))
		}
		want := chunks[i]
		i++

		var (
			path string
			off  int64
			data *[]byte
		)
		if err := rows.Scan(&path, &off, &data); err != nil {
			return fmt.Errorf("fetch from source: %w", err)
		}
		if path != want.path || off != want.off {
			return fmt.Errorf("fetch returned chunk for %s at %d, expected %s at %d",
				path, off, want.path, want.off)
		}

		// NULL: the file is gone from the source. Drop our copy too.
		if data == nil {
			if _, done := s.vanished[path]; !done {
				if err := s.sink.Remove(path); err != nil {
					return err
				}
				s.vanished[path] = struct{}{}
			}
			continue
		}

		// A short chunk means the file shrank, which later WAL replay
		// sorts out. A long one cannot happen.
		if int64(len(*data)) > want.length {
			return fmt.Errorf("fetch returned %d bytes for %s at %d, requested %d",
				len(*data), path, off, want.length)
		}
		if len(*data) == 0 {
			continue
		}

		if err := s.opts.throttle(ctx, len(*data)); err != nil {
			return err
		}
		if err := s.sink.WriteRange(path, off, *data); err != nil {
			return err
		}
		s.opts.report(int64(len(*data)))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch from source: %w", err)
	}
	if i != len(chunks) {
		return fmt.Errorf("fetch returned %d rows, requested %d", i, len(chunks))
	}
	return nil
}

func (s *Libpq) InsertLsn(ctx context.Context) (pgdata.Lsn, error) {
	var text string
	if err := s.conn.QueryRow(ctx, "SELECT pg_current_wal_insert_lsn()").Scan(&text); err != nil {
		return pgdata.InvalidLsn, fmt.Errorf("read source WAL insert position: %w", err)
	}
	lsn, err := pgdata.ParseLsn(text)
	if err != nil {
		return pgdata.InvalidLsn, fmt.Errorf("parse source WAL insert position: %w", err)
	}
	return lsn, nil
}

func (s *Libpq) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
