package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/metrics"
	"github.com/coldvault/coldvault/internal/repositories"
)

// StorageHandler serves the storage-metrics history and growth projection.
type StorageHandler struct {
	recorder *metrics.Recorder
	logger   *zap.Logger
}

// NewStorageHandler creates a new StorageHandler.
func NewStorageHandler(recorder *metrics.Recorder, logger *zap.Logger) *StorageHandler {
	return &StorageHandler{
		recorder: recorder,
		logger:   logger.Named("storage_handler"),
	}
}

// storageMetricResponse is the JSON representation of one daily row. The
// job breakdown is passed through as raw JSON.
type storageMetricResponse struct {
	RecordedAt          string  `json:"recorded_at"`
	TotalSizeBytes      int64   `json:"total_size_bytes"`
	SizeHotBytes        int64   `json:"size_hot_bytes"`
	SizeCoolIRBytes     int64   `json:"size_cool_ir_bytes"`
	SizeCoolFlexBytes   int64   `json:"size_cool_flex_bytes"`
	SizeDeepBytes       int64   `json:"size_deep_bytes"`
	TotalFiles          int64   `json:"total_files"`
	MonthlyCostEstimate float64 `json:"monthly_cost_estimate"`
	CostHot             float64 `json:"cost_hot"`
	CostCoolIR          float64 `json:"cost_cool_ir"`
	CostCoolFlex        float64 `json:"cost_cool_flex"`
	CostDeep            float64 `json:"cost_deep"`
	JobBreakdown        string  `json:"job_breakdown"`
}

func metricToResponse(m *db.StorageMetric) storageMetricResponse {
	return storageMetricResponse{
		RecordedAt:          m.RecordedAt.UTC().Format(time.RFC3339),
		TotalSizeBytes:      m.TotalSizeBytes,
		SizeHotBytes:        m.SizeHotBytes,
		SizeCoolIRBytes:     m.SizeCoolIRBytes,
		SizeCoolFlexBytes:   m.SizeCoolFlexBytes,
		SizeDeepBytes:       m.SizeDeepBytes,
		TotalFiles:          m.TotalFiles,
		MonthlyCostEstimate: m.MonthlyCostEstimate,
		CostHot:             m.CostHot,
		CostCoolIR:          m.CostCoolIR,
		CostCoolFlex:        m.CostCoolFlex,
		CostDeep:            m.CostDeep,
		JobBreakdown:        m.JobBreakdown,
	}
}

// History handles GET /api/v1/storage/metrics?days=N.
func (h *StorageHandler) History(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			ErrBadRequest(w, "days must be a positive integer")
			return
		}
		days = n
	}

	rows, err := h.recorder.History(r.Context(), days)
	if err != nil {
		h.logger.Error("failed to load metrics history", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]storageMetricResponse, len(rows))
	for i := range rows {
		items[i] = metricToResponse(&rows[i])
	}
	Ok(w, items)
}

// Projection handles GET /api/v1/storage/projection?days_ahead=N.
func (h *StorageHandler) Projection(w http.ResponseWriter, r *http.Request) {
	daysAhead := 30
	if v := r.URL.Query().Get("days_ahead"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			ErrBadRequest(w, "days_ahead must be a positive integer")
			return
		}
		daysAhead = n
	}

	proj, err := h.recorder.Project(r.Context(), daysAhead)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnprocessable(w, "no metrics recorded yet")
			return
		}
		h.logger.Error("failed to compute projection", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, proj)
}
