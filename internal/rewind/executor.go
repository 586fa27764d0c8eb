package rewind

import (
	"context"
	"fmt"

	"github.com/bamsammich/pgrewind/internal/filemap"
	"github.com/bamsammich/pgrewind/internal/pgdata"
	"github.com/bamsammich/pgrewind/internal/source"
)

// executePlan walks the ordered plan once. Page-map pages are queued
// for every entry before its action dispatches, so pages of a file
// that is about to shrink are still refreshed; the bitmap only ever
// holds blocks below both sides' sizes, so those writes land inside
// the truncated length. One Flush at the end drains everything.
func executePlan(ctx context.Context, plan *filemap.Plan, src source.Source, tgt TargetWriter) error {
	for _, e := range plan.Entries {
		if !e.PagesToOverwrite.Empty() {
			err := e.PagesToOverwrite.Iterate(func(blkno uint32) error {
				return src.QueueFetchRange(ctx, e.Path, int64(blkno)*pgdata.BlockSize, pgdata.BlockSize)
			})
			if err != nil {
				return err
			}
		}

		switch e.Action {
		case filemap.ActionNone:

		case filemap.ActionCopy:
			if err := src.QueueFetchFile(ctx, e.Path, e.SourceSize); err != nil {
				return err
			}

		case filemap.ActionCopyTail:
			if err := src.QueueFetchRange(ctx, e.Path, e.TargetSize, e.SourceSize-e.TargetSize); err != nil {
				return err
			}

		case filemap.ActionTruncate:
			if err := tgt.Truncate(e.Path, e.SourceSize); err != nil {
				return err
			}

		case filemap.ActionCreate:
			var err error
			switch e.SourceKind {
			case filemap.KindDirectory:
				err = tgt.CreateDirectory(e.Path)
			case filemap.KindSymlink:
				err = tgt.CreateSymlink(e.Path, e.SourceLinkTarget)
			default:
				err = fmt.Errorf("cannot create %s: unexpected kind %s", e.Path, e.SourceKind)
			}
			if err != nil {
				return err
			}

		case filemap.ActionRemove:
			var err error
			switch e.TargetKind {
			case filemap.KindDirectory:
				err = tgt.RemoveDirectory(e.Path)
			case filemap.KindSymlink:
				err = tgt.RemoveSymlink(e.Path)
			default:
				err = tgt.Remove(e.Path)
			}
			if err != nil {
				return err
			}

		default:
			return fmt.Errorf("unexpected action %s for %s", e.Action, e.Path)
		}
	}

	return src.Flush(ctx)
}
