package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/wgje/flowsync/internal/queue"
	"github.com/wgje/flowsync/internal/snapshot"
	"github.com/wgje/flowsync/internal/syncstate"
	"github.com/wgje/flowsync/internal/types"
)

// DefaultSnapshotKeep is how many local queue snapshots are retained when
// no explicit count is configured.
const DefaultSnapshotKeep = 24

// SnapshotSource exposes the queue contents and sync state to snapshot.
// Implemented by engine.Engine.
type SnapshotSource interface {
	PendingMutations() []types.MutationRecord
	DeadLetters() []queue.DeadLetter
	State() syncstate.Snapshot
}

// SnapshotCoordinator periodically writes the retry queue and dead letters
// to disk and, when an uploader is configured, ships the file to object
// storage.
type SnapshotCoordinator struct {
	source   SnapshotSource
	dir      string
	keep     int
	uploader snapshot.Uploader
	interval time.Duration
	now      func() time.Time
}

// NewSnapshotCoordinator creates a coordinator writing into dir.
// The uploader parameter is optional; if nil, no upload is attempted.
func NewSnapshotCoordinator(
	source SnapshotSource,
	dir string,
	keep int,
	interval time.Duration,
	uploader snapshot.Uploader,
) *SnapshotCoordinator {
	if keep <= 0 {
		keep = DefaultSnapshotKeep
	}
	return &SnapshotCoordinator{
		source:   source,
		dir:      dir,
		keep:     keep,
		uploader: uploader,
		interval: interval,
		now:      time.Now,
	}
}

// Run starts the coordinator loop. It blocks until ctx is cancelled.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
		"dir", c.dir,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Snapshot immediately so a crash right after start still leaves a copy.
	c.TakeSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.TakeSnapshot(ctx)
		}
	}
}

// TakeSnapshot writes one snapshot, prunes old ones and uploads the new
// file. It returns the written path, or "" on failure.
func (c *SnapshotCoordinator) TakeSnapshot(ctx context.Context) string {
	if ctx.Err() != nil {
		return ""
	}

	snap := snapshot.New(c.now(), c.source.PendingMutations(), c.source.DeadLetters(), c.source.State())
	path, err := snapshot.Write(c.dir, snap)
	if err != nil {
		slog.Warn("queue snapshot failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return ""
	}

	slog.Info("queue snapshot written",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_written",
		"snapshot_id", snap.ID,
		"pending", len(snap.Pending),
		"dead_letters", len(snap.DeadLetters),
	)

	if removed, err := snapshot.Prune(c.dir, c.keep); err != nil {
		slog.Warn("snapshot prune failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "prune_failed",
			"error", err,
		)
	} else if removed > 0 {
		slog.Debug("old snapshots pruned",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"removed", removed,
		)
	}

	if c.uploader != nil {
		c.upload(ctx, path)
	}
	return path
}

// upload ships the snapshot file. Failures are logged; the local copy
// remains valid.
func (c *SnapshotCoordinator) upload(ctx context.Context, path string) {
	name := filepath.Base(path)
	if err := c.uploader.Upload(ctx, name, path); err != nil {
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"snapshot", name,
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
		"snapshot", name,
	)
}
