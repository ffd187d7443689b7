package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/repositories"
	"github.com/coldvault/coldvault/internal/restore"
)

// RestoreHandler exposes the restore engine over HTTP.
type RestoreHandler struct {
	restorer *restore.Restorer
	logger   *zap.Logger
}

// NewRestoreHandler creates a new RestoreHandler.
func NewRestoreHandler(restorer *restore.Restorer, logger *zap.Logger) *RestoreHandler {
	return &RestoreHandler{
		restorer: restorer,
		logger:   logger.Named("restore_handler"),
	}
}

// restoreRequest selects a snapshot and a destination on the server's
// filesystem. Subset limits restoration to matching path prefixes.
type restoreRequest struct {
	SnapshotID string   `json:"snapshot_id"`
	Dest       string   `json:"dest"`
	Subset     []string `json:"subset"`
	Tier       string   `json:"tier"`
}

// Restore handles POST /api/v1/restore. Cold snapshots get a
// cold_retrieval_pending response; the client retries the same request once
// the tier releases the objects.
func (h *RestoreHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SnapshotID == "" {
		ErrBadRequest(w, "snapshot_id is required")
		return
	}
	if req.Dest == "" {
		ErrBadRequest(w, "dest is required")
		return
	}

	tier := objectstore.RestoreTier(req.Tier)
	switch tier {
	case "", objectstore.TierExpedited, objectstore.TierStandard, objectstore.TierBulk:
	default:
		ErrBadRequest(w, "tier must be one of Expedited, Standard, Bulk")
		return
	}

	res, err := h.restorer.Run(r.Context(), restore.Params{
		SnapshotID: req.SnapshotID,
		Dest:       req.Dest,
		Subset:     req.Subset,
		Tier:       tier,
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("restore failed",
			zap.String("snapshot_id", req.SnapshotID),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	Ok(w, res)
}
