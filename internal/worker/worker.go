// Package worker owns the run lifecycle. Every status transition of a
// BackupRun happens here and only here: the scheduler and API merely
// enqueue trigger requests, the engines merely execute. One goroutine
// dispatches the bounded trigger queue and each run executes on its own
// goroutine; per-job single-flight is enforced before a run is enqueued.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/engine"
	"github.com/coldvault/coldvault/internal/notification"
	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/repositories"
	"github.com/coldvault/coldvault/internal/runlog"
)

// orphanMessage is written to runs found unfinished at startup.
const orphanMessage = "Backup was interrupted (server restart or crash)"

var (
	// ErrQueueFull means the trigger queue is at capacity; callers map it
	// to 503.
	ErrQueueFull = errors.New("trigger queue full")

	// ErrJobBusy means the job already has an active run.
	ErrJobBusy = errors.New("job already has an active run")

	// ErrNotCancellable means the run is already in a terminal state.
	ErrNotCancellable = errors.New("run is not active")

	// ErrNoEngine means the job kind has no executable engine.
	ErrNoEngine = errors.New("no engine for this job kind")
)

// partialSuccessThreshold is the minimum fraction of attempted uploads that
// must succeed for a run with upload errors to still count as success.
const partialSuccessThreshold = 0.95

// Config wires the worker's dependencies and tuning.
type Config struct {
	Jobs      repositories.JobRepository
	Runs      repositories.RunRepository
	Snapshots repositories.SnapshotRepository
	Store     objectstore.Store
	Notifier  notification.Service
	Logger    *zap.Logger

	// DataDir holds run logs (logs/) and staging files (tmp/).
	DataDir string

	// Passphrase is the encryption key material for jobs with encryption
	// enabled. Empty disables encryption regardless of job settings.
	Passphrase string

	QueueSize     int
	ScanWorkers   int
	UploadWorkers int
}

// Worker executes backup runs off the trigger queue.
type Worker struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	cancels     map[int64]context.CancelCauseFunc // run ID -> cancel
	activeByJob map[int64]int64                   // job ID -> run ID

	queue chan int64

	// nextFire is injected after the scheduler exists (the scheduler's
	// trigger func points back at this worker).
	nextFire func(jobID int64) (time.Time, bool)
}

// New builds a Worker and immediately sweeps orphaned runs: any run still
// pending or running in the ledger belongs to a previous process and is
// failed with a fixed message.
func New(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	w := &Worker{
		cfg:         cfg,
		logger:      cfg.Logger.Named("worker"),
		cancels:     make(map[int64]context.CancelCauseFunc),
		activeByJob: make(map[int64]int64),
		queue:       make(chan int64, cfg.QueueSize),
	}
	if err := w.sweepOrphans(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// SetNextFire injects the scheduler's next-fire lookup, used to refresh the
// job's next_run_at after each run.
func (w *Worker) SetNextFire(fn func(jobID int64) (time.Time, bool)) {
	w.nextFire = fn
}

// sweepOrphans fails every unfinished run left behind by a crashed or
// restarted process. Uploaded objects stay put; the consolidated
// destination absorbs them on the next run.
func (w *Worker) sweepOrphans(ctx context.Context) error {
	orphans, err := w.cfg.Runs.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("worker: orphan sweep: %w", err)
	}
	for i := range orphans {
		run := &orphans[i]
		now := time.Now().UTC()
		if err := w.cfg.Runs.UpdateStatus(ctx, run.ID, db.StatusFailed, &now, orphanMessage); err != nil {
			w.logger.Error("failed to mark orphaned run",
				zap.Int64("run_id", run.ID),
				zap.Error(err),
			)
			continue
		}
		// The job's denormalized summary moves with the run status so the
		// jobs list reflects the interruption without joining runs.
		if err := w.cfg.Jobs.UpdateRunSummary(ctx, run.JobID, now, db.StatusFailed); err != nil {
			w.logger.Warn("failed to update job run summary for orphan",
				zap.Int64("job_id", run.JobID),
				zap.Error(err),
			)
		}
		w.logger.Warn("orphaned run marked failed",
			zap.Int64("run_id", run.ID),
			zap.Int64("job_id", run.JobID),
		)
	}
	if len(orphans) > 0 {
		w.logger.Info("orphan sweep complete", zap.Int("orphans", len(orphans)))
	}
	return nil
}

// Start consumes the trigger queue until ctx is cancelled. Each run
// executes on its own goroutine; only runs of the same job serialize, via
// the single-flight slot taken at Trigger.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started", zap.Int("queue_size", cap(w.queue)))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		case runID := <-w.queue:
			triggerQueueDepth.Dec()
			go w.execute(ctx, runID)
		}
	}
}

// Trigger creates a pending run for the job and enqueues it. Returns
// ErrJobBusy when the job already has an active run, ErrQueueFull when the
// queue is at capacity, and ErrNoEngine for job kinds without an engine.
func (w *Worker) Trigger(ctx context.Context, jobID int64, manual bool) (int64, error) {
	job, err := w.cfg.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Kind != db.KindFileSet {
		return 0, fmt.Errorf("worker: job %q kind %s: %w", job.Name, job.Kind, ErrNoEngine)
	}

	w.mu.Lock()
	if _, busy := w.activeByJob[jobID]; busy {
		w.mu.Unlock()
		return 0, ErrJobBusy
	}
	// Reserve the job slot before the run row exists so two concurrent
	// triggers cannot both pass the busy check.
	w.activeByJob[jobID] = 0
	w.mu.Unlock()

	release := func() {
		w.mu.Lock()
		delete(w.activeByJob, jobID)
		w.mu.Unlock()
	}

	run := &db.BackupRun{
		JobID:         jobID,
		Status:        db.StatusPending,
		ManualTrigger: manual,
	}
	if err := w.cfg.Runs.Create(ctx, run); err != nil {
		release()
		return 0, fmt.Errorf("worker: create run: %w", err)
	}

	w.mu.Lock()
	w.activeByJob[jobID] = run.ID
	w.mu.Unlock()

	select {
	case w.queue <- run.ID:
		triggerQueueDepth.Inc()
	default:
		now := time.Now().UTC()
		_ = w.cfg.Runs.UpdateStatus(ctx, run.ID, db.StatusFailed, &now, "trigger queue full")
		release()
		return 0, ErrQueueFull
	}

	w.logger.Info("run queued",
		zap.Int64("run_id", run.ID),
		zap.Int64("job_id", jobID),
		zap.Bool("manual", manual),
	)
	return run.ID, nil
}

// TriggerScheduled adapts Trigger to the scheduler's TriggerFunc. A busy
// job on a tick is normal (singleton reschedule), logged at debug.
func (w *Worker) TriggerScheduled(jobID int64) {
	_, err := w.Trigger(context.Background(), jobID, false)
	switch {
	case err == nil:
	case errors.Is(err, ErrJobBusy):
		w.logger.Debug("tick skipped, job busy", zap.Int64("job_id", jobID))
	default:
		w.logger.Error("scheduled trigger failed",
			zap.Int64("job_id", jobID),
			zap.Error(err),
		)
	}
}

// Cancel requests cancellation of a run. A queued run is cancelled in
// place; a running one gets its context cancelled and finishes through the
// normal terminal path.
func (w *Worker) Cancel(ctx context.Context, runID int64) error {
	run, err := w.cfg.Runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	cancel, running := w.cancels[runID]
	w.mu.Unlock()

	if running {
		cancel(engine.ErrCancelled)
		w.logger.Info("run cancellation requested", zap.Int64("run_id", runID))
		return nil
	}

	if run.Status == db.StatusPending {
		now := time.Now().UTC()
		if err := w.cfg.Runs.UpdateStatus(ctx, runID, db.StatusCancelled, &now, ""); err != nil {
			return err
		}
		w.mu.Lock()
		if w.activeByJob[run.JobID] == runID {
			delete(w.activeByJob, run.JobID)
		}
		w.mu.Unlock()
		runsTotal.WithLabelValues(string(db.StatusCancelled)).Inc()
		w.logger.Info("queued run cancelled", zap.Int64("run_id", runID))
		return nil
	}

	return ErrNotCancellable
}

// execute drives one run from pending to a terminal state.
func (w *Worker) execute(ctx context.Context, runID int64) {
	run, err := w.cfg.Runs.GetByID(ctx, runID)
	if err != nil {
		w.logger.Error("queued run vanished", zap.Int64("run_id", runID), zap.Error(err))
		return
	}
	if run.Status != db.StatusPending {
		// Cancelled while queued.
		return
	}

	job, err := w.cfg.Jobs.GetByID(ctx, run.JobID)
	if err != nil {
		now := time.Now().UTC()
		_ = w.cfg.Runs.UpdateStatus(ctx, runID, db.StatusFailed, &now, "job no longer exists")
		w.release(run.JobID, runID)
		runsTotal.WithLabelValues(string(db.StatusFailed)).Inc()
		return
	}

	rl, err := runlog.Open(filepath.Join(w.cfg.DataDir, "logs"), runID)
	if err != nil {
		w.logger.Error("failed to open run log", zap.Int64("run_id", runID), zap.Error(err))
		now := time.Now().UTC()
		_ = w.cfg.Runs.UpdateStatus(ctx, runID, db.StatusFailed, &now, err.Error())
		w.release(run.JobID, runID)
		runsTotal.WithLabelValues(string(db.StatusFailed)).Inc()
		return
	}
	defer rl.Close()

	started := time.Now().UTC()
	run.Status = db.StatusRunning
	run.StartedAt = &started
	run.LogPath = rl.Path
	run.StorageClass = job.StorageClass
	if err := w.cfg.Runs.Update(ctx, run); err != nil {
		w.logger.Error("failed to mark run running", zap.Int64("run_id", runID), zap.Error(err))
		w.release(run.JobID, runID)
		return
	}

	rctx, cancel := context.WithCancelCause(ctx)
	w.mu.Lock()
	w.cancels[runID] = cancel
	w.mu.Unlock()
	defer func() {
		cancel(nil)
		w.mu.Lock()
		delete(w.cancels, runID)
		w.mu.Unlock()
		w.release(run.JobID, runID)
	}()

	rl.Logger.Info("backup run starting",
		zap.Int64("run_id", runID),
		zap.String("job", job.Name),
		zap.Bool("incremental", job.IncrementalEnabled),
	)

	result, runErr := w.runEngine(rctx, job, rl.Logger)
	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.DurationSeconds = completed.Sub(started).Seconds()

	switch {
	case runErr == nil:
		w.finishSuccess(ctx, job, run, result, rl.Logger)
	case errors.Is(runErr, engine.ErrCancelled):
		run.Status = db.StatusCancelled
		run.ErrorMessage = ""
		rl.Logger.Warn("backup run cancelled")
		if err := w.cfg.Runs.Update(ctx, run); err != nil {
			w.logger.Error("failed to persist cancelled run", zap.Int64("run_id", runID), zap.Error(err))
		}
	default:
		run.Status = db.StatusFailed
		run.ErrorMessage = runErr.Error()
		rl.Logger.Error("backup run failed", zap.Error(runErr))
		if err := w.cfg.Runs.Update(ctx, run); err != nil {
			w.logger.Error("failed to persist failed run", zap.Int64("run_id", runID), zap.Error(err))
		}
		w.cfg.Notifier.NotifyRunFailed(ctx, job.ID, runID, job.Name, runErr.Error())
	}

	runsTotal.WithLabelValues(string(run.Status)).Inc()

	if err := w.cfg.Jobs.UpdateRunSummary(ctx, job.ID, completed, run.Status); err != nil {
		w.logger.Warn("failed to update job run summary", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	if w.nextFire != nil {
		if next, ok := w.nextFire(job.ID); ok {
			if err := w.cfg.Jobs.UpdateNextRun(ctx, job.ID, &next); err != nil {
				w.logger.Warn("failed to update next run time", zap.Int64("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

// runEngine decodes the job's path/pattern arrays and dispatches to the
// matching engine.
func (w *Worker) runEngine(ctx context.Context, job *db.Job, log *zap.Logger) (*engine.Result, error) {
	sources, err := decodeStrings(job.SourcePaths)
	if err != nil {
		return nil, fmt.Errorf("worker: bad source paths for job %q: %w", job.Name, err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("worker: job %q has no source paths", job.Name)
	}
	include, err := decodeStrings(job.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("worker: bad include patterns for job %q: %w", job.Name, err)
	}
	exclude, err := decodeStrings(job.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("worker: bad exclude patterns for job %q: %w", job.Name, err)
	}

	passphrase := ""
	if job.EncryptionEnabled {
		passphrase = w.cfg.Passphrase
	}

	params := engine.Params{
		JobID:           job.ID,
		JobName:         job.Name,
		SnapshotID:      time.Now().UTC().Format("20060102_150405"),
		SourcePaths:     sources,
		IncludePatterns: include,
		ExcludePatterns: exclude,
		Bucket:          job.Bucket,
		Prefix:          job.Prefix,
		StorageClass:    job.StorageClass,
		Passphrase:      passphrase,
		ScanWorkers:     w.cfg.ScanWorkers,
		UploadWorkers:   w.cfg.UploadWorkers,
		TempDir:         filepath.Join(w.cfg.DataDir, "tmp"),
		Store:           w.cfg.Store,
		Logger:          log,
	}

	if job.IncrementalEnabled {
		return engine.RunIncremental(ctx, params)
	}
	return engine.RunArchive(ctx, params)
}

// finishSuccess applies the partial-success rule, persists the result, and
// creates the snapshot row.
func (w *Worker) finishSuccess(ctx context.Context, job *db.Job, run *db.BackupRun, res *engine.Result, log *zap.Logger) {
	attempted := res.FilesCount + res.UploadErrors
	if res.UploadErrors > 0 && attempted > 0 {
		ratio := float64(res.FilesCount) / float64(attempted)
		if ratio < partialSuccessThreshold {
			run.Status = db.StatusFailed
			run.ErrorMessage = fmt.Sprintf("too many upload failures: %d of %d files failed", res.UploadErrors, attempted)
			log.Error("backup run failed below success threshold",
				zap.Int("uploaded", res.FilesCount),
				zap.Int("failed", res.UploadErrors),
			)
			if err := w.cfg.Runs.Update(ctx, run); err != nil {
				w.logger.Error("failed to persist failed run", zap.Int64("run_id", run.ID), zap.Error(err))
			}
			w.cfg.Notifier.NotifyRunFailed(ctx, job.ID, run.ID, job.Name, run.ErrorMessage)
			return
		}
		// Success with a marker so the failures stay visible on the run.
		run.ErrorMessage = fmt.Sprintf("partial success: %d of %d files failed to upload", res.UploadErrors, attempted)
		log.Warn("backup run succeeded with upload errors",
			zap.Int("uploaded", res.FilesCount),
			zap.Int("failed", res.UploadErrors),
		)
	}

	run.Status = db.StatusSuccess
	run.SnapshotID = res.SnapshotID
	run.SizeBytes = res.SizeBytes
	run.FilesCount = res.FilesCount
	run.S3Key = res.S3Key
	if err := w.cfg.Runs.Update(ctx, run); err != nil {
		w.logger.Error("failed to persist successful run", zap.Int64("run_id", run.ID), zap.Error(err))
	}

	snap := &db.Snapshot{
		JobID:          job.ID,
		BackupRunID:    run.ID,
		SnapshotID:     res.SnapshotID,
		SizeBytes:      res.SizeBytes,
		FilesCount:     res.FilesCount,
		S3Key:          res.S3Key,
		ManifestKey:    res.ManifestKey,
		StorageClass:   job.StorageClass,
		IsIncremental:  res.Incremental,
		FilesUnchanged: res.FilesUnchanged,
		Retained:       true,
	}
	if err := w.cfg.Snapshots.Create(ctx, snap); err != nil {
		w.logger.Error("failed to create snapshot row",
			zap.Int64("run_id", run.ID),
			zap.Error(err),
		)
	}

	w.applyRetention(ctx, job, log)

	uploadedBytesTotal.Add(float64(res.SizeBytes))
	uploadedFilesTotal.Add(float64(res.FilesCount))
	w.cfg.Notifier.NotifyRunSucceeded(ctx, job.ID, run.ID, job.Name, res.SizeBytes, res.FilesCount)

	log.Info("backup run complete",
		zap.String("snapshot_id", res.SnapshotID),
		zap.Int("files_uploaded", res.FilesCount),
		zap.Int("files_unchanged", res.FilesUnchanged),
		zap.Int64("bytes_uploaded", res.SizeBytes),
	)
}

// release frees the job's single-flight slot if this run still holds it.
func (w *Worker) release(jobID, runID int64) {
	w.mu.Lock()
	if w.activeByJob[jobID] == runID {
		delete(w.activeByJob, jobID)
	}
	w.mu.Unlock()
}

// decodeStrings parses a JSON string array column; empty means none.
func decodeStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
