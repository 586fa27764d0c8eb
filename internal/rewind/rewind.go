// Package rewind drives a full resynchronization of a diverged data
// directory back onto a promoted source cluster.
package rewind

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bamsammich/pgrewind/internal/controlfile"
	"github.com/bamsammich/pgrewind/internal/filemap"
	"github.com/bamsammich/pgrewind/internal/pgdata"
	"github.com/bamsammich/pgrewind/internal/progress"
	"github.com/bamsammich/pgrewind/internal/source"
	"github.com/bamsammich/pgrewind/internal/timeline"
	"github.com/bamsammich/pgrewind/internal/walscan"
)

// TargetWriter is the write side of the run. *target.Mutator is the
// real implementation.
type TargetWriter interface {
	source.Sink
	CreateDirectory(path string) error
	CreateSymlink(path, linkTarget string) error
	RemoveDirectory(path string) error
	RemoveSymlink(path string) error
	WriteFileAtomic(path string, data []byte) error
	SyncAll() error
	Close() error
}

// Config assembles one rewind run.
type Config struct {
	TargetDir string
	Source    source.Source
	Target    TargetWriter

	// SourceDir is set when the source is a local data directory. It
	// enables the extra source-state check and --verify.
	SourceDir string

	DryRun bool
	NoSync bool
	Verify bool

	// RestoreCommand fetches missing target WAL from the archive when
	// set.
	RestoreCommand string

	Log      *slog.Logger
	Progress *progress.Reporter
}

// Report summarizes what a run did, or why it did nothing.
type Report struct {
	RewindRequired bool
	DivergenceLsn  pgdata.Lsn
	DivergenceTli  pgdata.Tli
	FetchSize      int64
	TotalSize      int64
}

// Run executes the whole sequence: analyze divergence, build the plan,
// fetch, and stamp the target for recovery. A nil error with
// Report.RewindRequired == false means the clusters never diverged.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	log := cfg.Log

	targetCtl, err := controlfile.ReadFile(cfg.TargetDir)
	if err != nil {
		return nil, err
	}

	srcRaw, err := cfg.Source.ReadFile(ctx, pgdata.ControlFilePath)
	if err != nil {
		return nil, err
	}
	sourceCtl, err := controlfile.Parse(srcRaw)
	if err != nil {
		return nil, fmt.Errorf("source control file: %w", err)
	}

	if err := controlfile.CheckCompatible(targetCtl, sourceCtl); err != nil {
		return nil, err
	}
	if err := controlfile.CheckTargetState(targetCtl); err != nil {
		return nil, err
	}
	if err := controlfile.CheckSafeguards(targetCtl); err != nil {
		return nil, err
	}
	if cfg.SourceDir != "" {
		if err := controlfile.CheckSourceState(sourceCtl); err != nil {
			return nil, err
		}
	}

	log.Debug("control files read",
		"target_tli", targetCtl.CheckpointTli, "target_checkpoint", targetCtl.CheckpointLsn,
		"source_tli", sourceCtl.CheckpointTli, "source_checkpoint", sourceCtl.CheckpointLsn)

	if targetCtl.CheckpointTli == sourceCtl.CheckpointTli {
		log.Info("source and target are on the same timeline, no rewind required")
		return &Report{}, nil
	}

	segSize, err := pgdata.DiscoverWalSegSize(cfg.TargetDir)
	if err != nil {
		return nil, err
	}

	targetHistory, err := readTargetHistory(cfg.TargetDir, targetCtl.CheckpointTli)
	if err != nil {
		return nil, err
	}
	sourceHistory, err := readSourceHistory(ctx, cfg.Source, sourceCtl.CheckpointTli)
	if err != nil {
		return nil, err
	}

	divergence, commonTli, err := timeline.FindCommonAncestor(targetCtl.CheckpointTli, sourceHistory)
	if err != nil {
		return nil, err
	}
	log.Info("found common ancestor", "lsn", divergence, "tli", commonTli)

	readerCfg := walscan.ReaderConfig{
		WalDir:         filepath.Join(cfg.TargetDir, pgdata.WalDirName),
		SegSize:        segSize,
		History:        targetHistory,
		RestoreCommand: cfg.RestoreCommand,
	}

	needed, err := rewindNeeded(readerCfg, targetCtl, divergence)
	if err != nil {
		return nil, err
	}
	if !needed {
		log.Info("target checkpoint ends at the divergence point, no rewind required")
		return &Report{DivergenceLsn: divergence, DivergenceTli: commonTli}, nil
	}

	chkpt, err := walscan.FindLastCheckpoint(readerCfg, divergence)
	if err != nil {
		return nil, err
	}
	log.Info("rewinding", "from_checkpoint", chkpt.Lsn, "redo", chkpt.Redo, "tli", chkpt.Tli)

	m := filemap.NewMap()
	if err := cfg.Source.Traverse(ctx, m.AddSource); err != nil {
		return nil, err
	}
	if err := filemap.Walk(cfg.TargetDir, m.AddTarget); err != nil {
		return nil, err
	}

	keep := filemap.NewKeepWalSet()
	keepHistoryFiles(keep, targetHistory)
	reader := walscan.NewSegmentReader(readerCfg, chkpt.Redo)
	err = walscan.Extract(reader, m, keep, segSize, targetCtl.CheckpointLsn)
	reader.Close()
	if err != nil {
		return nil, err
	}

	plan, err := m.DecideActions(keep, log)
	if err != nil {
		return nil, err
	}
	log.Info("plan ready",
		"entries", len(plan.Entries), "total_bytes", plan.TotalSize, "fetch_bytes", plan.FetchSize)
	cfg.Progress.SetTotal(plan.FetchSize)

	if err := executePlan(ctx, plan, cfg.Source, cfg.Target); err != nil {
		return nil, err
	}

	label := backupLabel(chkpt, segSize, time.Now())
	if err := cfg.Target.WriteFileAtomic(pgdata.BackupLabelFile, label); err != nil {
		return nil, err
	}

	endLsn, err := cfg.Source.InsertLsn(ctx)
	if err != nil {
		return nil, err
	}
	newCtl := *sourceCtl
	newCtl.MinRecoveryLsn = endLsn
	newCtl.MinRecoveryTli = sourceCtl.CheckpointTli
	newCtl.State = controlfile.StateInArchiveRecovery
	if err := cfg.Target.WriteFileAtomic(pgdata.ControlFilePath, newCtl.Encode()); err != nil {
		return nil, err
	}
	log.Debug("control file written", "min_recovery", endLsn, "tli", newCtl.MinRecoveryTli)

	if err := cfg.Target.Close(); err != nil {
		return nil, err
	}
	if !cfg.NoSync {
		if err := cfg.Target.SyncAll(); err != nil {
			return nil, err
		}
	}

	if cfg.Verify && cfg.SourceDir != "" && !cfg.DryRun {
		if err := verifyCopies(cfg.SourceDir, cfg.TargetDir, plan); err != nil {
			return nil, err
		}
		log.Info("verified copied files against the source")
	}

	cfg.Progress.Finish()
	return &Report{
		RewindRequired: true,
		DivergenceLsn:  divergence,
		DivergenceTli:  commonTli,
		FetchSize:      plan.FetchSize,
		TotalSize:      plan.TotalSize,
	}, nil
}

// rewindNeeded decides whether any target WAL after the divergence
// point differs from the source's history. A target whose last
// checkpoint record ends exactly at the switch point shut down cleanly
// before diverging and only needs to be reconfigured, not rewound.
func rewindNeeded(readerCfg walscan.ReaderConfig, targetCtl *controlfile.ControlFile, divergence pgdata.Lsn) (bool, error) {
	if targetCtl.CheckpointLsn >= divergence {
		return true, nil
	}
	rec, err := walscan.ReadRecordAt(readerCfg, targetCtl.CheckpointLsn)
	if err != nil {
		return false, fmt.Errorf("read target checkpoint record: %w", err)
	}
	return rec.EndLsn != divergence, nil
}

// readTargetHistory loads the target's own timeline history from its
// pg_wal directory.
func readTargetHistory(dataDir string, tli pgdata.Tli) (timeline.History, error) {
	if tli == 1 {
		return timeline.SyntheticHistory(tli), nil
	}
	path := filepath.Join(dataDir, filepath.FromSlash(pgdata.TimelineHistoryPath(tli)))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return timeline.SyntheticHistory(tli), nil
		}
		return nil, fmt.Errorf("read target timeline history: %w", err)
	}
	return timeline.ParseHistory(tli, data)
}

func readSourceHistory(ctx context.Context, src source.Source, tli pgdata.Tli) (timeline.History, error) {
	if tli == 1 {
		return timeline.SyntheticHistory(tli), nil
	}
	data, err := src.ReadFile(ctx, pgdata.TimelineHistoryPath(tli))
	if err != nil {
		return nil, fmt.Errorf("read source timeline history: %w", err)
	}
	return timeline.ParseHistory(tli, data)
}

// keepHistoryFiles protects every timeline history file of the
// target's ancestry: recovery re-reads them.
func keepHistoryFiles(keep filemap.KeepWalSet, hist timeline.History) {
	for _, e := range hist {
		if e.Tli > 1 {
			keep.Add(pgdata.TimelineHistoryPath(e.Tli))
		}
	}
}

// backupLabel renders the label that makes the target start recovery
// from the rewind checkpoint instead of its own control file.
func backupLabel(chkpt walscan.Checkpoint, segSize uint64, now time.Time) []byte {
	return []byte(fmt.Sprintf(
		"START WAL LOCATION: %s (file %s)\n"+
			"CHECKPOINT LOCATION: %s\n"+
			"BACKUP METHOD: pg_rewind\n"+
			"BACKUP FROM: standby\n"+
			"START TIME: %s\n",
		chkpt.Redo, pgdata.WalSegmentNameForLsn(chkpt.Tli, chkpt.Redo, segSize),
		chkpt.Lsn,
		now.Format("2006-01-02 15:04:05 MST"),
	))
}

// verifyCopies rehashes whole-file copies against a local source.
func verifyCopies(sourceDir, targetDir string, plan *filemap.Plan) error {
	var paths []string
	for _, e := range plan.Entries {
		if e.Action == filemap.ActionCopy && e.SourceKind == filemap.KindRegular {
			paths = append(paths, e.Path)
		}
	}
	return source.VerifyLocal(sourceDir, targetDir, paths)
}
