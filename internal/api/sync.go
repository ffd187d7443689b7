package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/reconcile"
	"github.com/coldvault/coldvault/internal/repositories"
)

// SyncHandler exposes the reconciliation engine over HTTP.
type SyncHandler struct {
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(reconciler *reconcile.Reconciler, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		reconciler: reconciler,
		logger:     logger.Named("sync_handler"),
	}
}

// Sync handles POST /api/v1/jobs/{id}/sync. With ?dry_run=true nothing is
// repaired; the response reports what a real pass would do.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	dryRun := r.URL.Query().Get("dry_run") == "true"

	res, err := h.reconciler.Run(r.Context(), id, dryRun)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("reconciliation failed", zap.Int64("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, res)
}
