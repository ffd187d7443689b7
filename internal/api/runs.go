package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/repositories"
	"github.com/coldvault/coldvault/internal/worker"
)

// RunHandler groups run-related HTTP handlers: listing, manual trigger,
// cancellation and artifact verification.
type RunHandler struct {
	runs      repositories.RunRepository
	jobs      repositories.JobRepository
	snapshots repositories.SnapshotRepository
	trigger   RunTrigger
	store     objectstore.Store
	logger    *zap.Logger
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(runs repositories.RunRepository, jobs repositories.JobRepository, snapshots repositories.SnapshotRepository, trigger RunTrigger, store objectstore.Store, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		runs:      runs,
		jobs:      jobs,
		snapshots: snapshots,
		trigger:   trigger,
		store:     store,
		logger:    logger.Named("run_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// runResponse is the JSON representation of a backup run.
type runResponse struct {
	ID              int64   `json:"id"`
	JobID           int64   `json:"job_id"`
	Status          string  `json:"status"`
	StartedAt       *string `json:"started_at"`
	CompletedAt     *string `json:"completed_at"`
	DurationSeconds float64 `json:"duration_seconds"`
	SnapshotID      string  `json:"snapshot_id"`
	SizeBytes       int64   `json:"size_bytes"`
	FilesCount      int     `json:"files_count"`
	S3Key           string  `json:"s3_key"`
	StorageClass    string  `json:"storage_class"`
	ErrorMessage    string  `json:"error_message"`
	ManualTrigger   bool    `json:"manual_trigger"`
	CreatedAt       string  `json:"created_at"`
}

type listRunsResponse struct {
	Items []runResponse `json:"items"`
	Total int64         `json:"total"`
}

func runToResponse(run *db.BackupRun) runResponse {
	resp := runResponse{
		ID:              run.ID,
		JobID:           run.JobID,
		Status:          string(run.Status),
		DurationSeconds: run.DurationSeconds,
		SnapshotID:      run.SnapshotID,
		SizeBytes:       run.SizeBytes,
		FilesCount:      run.FilesCount,
		S3Key:           run.S3Key,
		StorageClass:    string(run.StorageClass),
		ErrorMessage:    run.ErrorMessage,
		ManualTrigger:   run.ManualTrigger,
		CreatedAt:       run.CreatedAt.UTC().Format(time.RFC3339),
	}
	if run.StartedAt != nil {
		s := run.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if run.CompletedAt != nil {
		s := run.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/runs with an optional job_id filter.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	var (
		runs  []db.BackupRun
		total int64
		err   error
	)
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		id, perr := parseInt64(jobID)
		if perr != nil {
			ErrBadRequest(w, "invalid job_id: must be a positive integer")
			return
		}
		runs, total, err = h.runs.ListByJob(r.Context(), id, opts)
	} else {
		runs, total, err = h.runs.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]runResponse, len(runs))
	for i := range runs {
		items[i] = runToResponse(&runs[i])
	}
	Ok(w, listRunsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/runs/{id}.
func (h *RunHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get run", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, runToResponse(run))
}

// Trigger handles POST /api/v1/jobs/{id}/trigger. Returns 200 with the new
// run's id and pending status.
func (h *RunHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	runID, err := h.trigger.Trigger(r.Context(), jobID, true)
	switch {
	case err == nil:
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
		return
	case errors.Is(err, worker.ErrJobBusy):
		ErrConflict(w, "job already has an active run")
		return
	case errors.Is(err, worker.ErrNoEngine):
		ErrUnprocessable(w, "this job kind cannot be executed by the built-in engines")
		return
	case errors.Is(err, worker.ErrQueueFull):
		ErrServiceUnavailable(w, "trigger queue is full, retry later")
		return
	default:
		h.logger.Error("failed to trigger run", zap.Int64("job_id", jobID), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, envelope{
		"backup_run_id": runID,
		"status":        string(db.StatusPending),
	})
}

// Cancel handles POST /api/v1/runs/{id}/cancel. 200 while the run is
// pending or running, 400 once it is terminal.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	err := h.trigger.Cancel(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
		return
	case errors.Is(err, worker.ErrNotCancellable):
		ErrBadRequest(w, "run is already in a terminal state")
		return
	default:
		h.logger.Error("failed to cancel run", zap.Int64("run_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, envelope{"cancelled": true})
}

// Verify handles GET /api/v1/runs/{id}/verify: HEAD the run's recorded
// artifact and report whether it is still present.
func (h *RunHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get run for verify", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	if run.Status != db.StatusSuccess {
		ErrBadRequest(w, "only successful runs can be verified")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), run.JobID)
	if err != nil {
		h.logger.Error("failed to get job for verify", zap.Int64("run_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	key, err := h.verifyKey(r.Context(), run)
	if err != nil {
		h.logger.Error("failed to resolve verify key", zap.Int64("run_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	info, err := h.store.Head(r.Context(), job.Bucket, key)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		Ok(w, envelope{"verified": false, "key": key})
		return
	}
	if err != nil {
		h.logger.Error("verify head failed", zap.String("key", key), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, envelope{
		"verified":      true,
		"key":           key,
		"size_bytes":    info.Size,
		"storage_class": info.StorageClass,
		"last_modified": info.LastModified.UTC().Format(time.RFC3339),
	})
}

// verifyKey resolves the object to HEAD for a run. Incremental runs record
// a prefix, so the manifest stands in as the verifiable artifact.
func (h *RunHandler) verifyKey(ctx context.Context, run *db.BackupRun) (string, error) {
	if !strings.HasSuffix(run.S3Key, "/") {
		return run.S3Key, nil
	}
	snap, err := h.snapshots.GetBySnapshotID(ctx, run.SnapshotID)
	if err != nil {
		return "", err
	}
	return snap.ManifestKey, nil
}
