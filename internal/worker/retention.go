package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
)

// applyRetention enforces the keep-last-N policy after a successful run.
// Snapshots beyond the newest N get their retained flag cleared; remote
// objects are never deleted. N <= 0 keeps everything.
func (w *Worker) applyRetention(ctx context.Context, job *db.Job, log *zap.Logger) {
	if job.KeepLastN <= 0 {
		return
	}

	retained, err := w.cfg.Snapshots.ListRetainedByJob(ctx, job.ID)
	if err != nil {
		w.logger.Warn("retention listing failed",
			zap.Int64("job_id", job.ID),
			zap.Error(err),
		)
		return
	}
	if len(retained) <= job.KeepLastN {
		return
	}

	// ListRetainedByJob is newest first; everything past N expires.
	expired := retained[job.KeepLastN:]
	for i := range expired {
		snap := &expired[i]
		if err := w.cfg.Snapshots.MarkNotRetained(ctx, snap.ID, "keep_last_n"); err != nil {
			w.logger.Warn("failed to expire snapshot",
				zap.Int64("snapshot_id", snap.ID),
				zap.Error(err),
			)
			continue
		}
		log.Info("snapshot expired by retention",
			zap.String("snapshot_id", snap.SnapshotID),
			zap.Int("keep_last_n", job.KeepLastN),
		)
	}
}
