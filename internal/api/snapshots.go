package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/repositories"
)

// SnapshotHandler serves the snapshot catalog restore targets come from.
type SnapshotHandler struct {
	repo   repositories.SnapshotRepository
	logger *zap.Logger
}

// NewSnapshotHandler creates a new SnapshotHandler.
func NewSnapshotHandler(repo repositories.SnapshotRepository, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		repo:   repo,
		logger: logger.Named("snapshot_handler"),
	}
}

// snapshotResponse is the JSON representation of a snapshot.
type snapshotResponse struct {
	ID              int64  `json:"id"`
	JobID           int64  `json:"job_id"`
	BackupRunID     int64  `json:"backup_run_id"`
	SnapshotID      string `json:"snapshot_id"`
	SizeBytes       int64  `json:"size_bytes"`
	FilesCount      int    `json:"files_count"`
	S3Key           string `json:"s3_key"`
	ManifestKey     string `json:"manifest_key"`
	StorageClass    string `json:"storage_class"`
	IsIncremental   bool   `json:"is_incremental"`
	FilesUnchanged  int    `json:"files_unchanged"`
	Retained        bool   `json:"retained"`
	RetentionReason string `json:"retention_reason"`
	CreatedAt       string `json:"created_at"`
}

type listSnapshotsResponse struct {
	Items []snapshotResponse `json:"items"`
	Total int64              `json:"total"`
}

func snapshotToResponse(s *db.Snapshot) snapshotResponse {
	return snapshotResponse{
		ID:              s.ID,
		JobID:           s.JobID,
		BackupRunID:     s.BackupRunID,
		SnapshotID:      s.SnapshotID,
		SizeBytes:       s.SizeBytes,
		FilesCount:      s.FilesCount,
		S3Key:           s.S3Key,
		ManifestKey:     s.ManifestKey,
		StorageClass:    string(s.StorageClass),
		IsIncremental:   s.IsIncremental,
		FilesUnchanged:  s.FilesUnchanged,
		Retained:        s.Retained,
		RetentionReason: s.RetentionReason,
		CreatedAt:       s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// List handles GET /api/v1/snapshots with an optional job_id filter.
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	var (
		snaps []db.Snapshot
		total int64
		err   error
	)
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		id, perr := parseInt64(jobID)
		if perr != nil {
			ErrBadRequest(w, "invalid job_id: must be a positive integer")
			return
		}
		snaps, total, err = h.repo.ListByJob(r.Context(), id, opts)
	} else {
		snaps, total, err = h.repo.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list snapshots", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]snapshotResponse, len(snaps))
	for i := range snaps {
		items[i] = snapshotToResponse(&snaps[i])
	}
	Ok(w, listSnapshotsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/snapshots/{id}.
func (h *SnapshotHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	snap, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get snapshot", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, snapshotToResponse(snap))
}
