// Package metrics aggregates retained snapshots into daily StorageMetric
// rows and projects storage growth. Costs use a static price table; real
// billing is the provider's business, these numbers are for the dashboard.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/repositories"
)

// pricePerGiBMonth is the static $/GiB-month price table by storage class.
var pricePerGiBMonth = map[db.StorageClass]float64{
	db.ClassHot:      0.023,
	db.ClassCoolIR:   0.004,
	db.ClassCoolFlex: 0.0036,
	db.ClassDeep:     0.00099,
}

const gib = float64(1 << 30)

// projectionWindow caps how many daily rows feed the linear fit.
const projectionWindow = 30

// JobUsage is one job's slice of the per-job breakdown JSON.
type JobUsage struct {
	JobID       int64   `json:"job_id"`
	SizeBytes   int64   `json:"size_bytes"`
	FilesCount  int64   `json:"files_count"`
	MonthlyCost float64 `json:"monthly_cost"`
}

// Projection is the extrapolated storage size and cost some days ahead.
type Projection struct {
	DaysAhead          int     `json:"days_ahead"`
	CurrentSizeBytes   int64   `json:"current_size_bytes"`
	ProjectedSizeBytes int64   `json:"projected_size_bytes"`
	ProjectedCost      float64 `json:"projected_monthly_cost"`
	DailyGrowthBytes   float64 `json:"daily_growth_bytes"`
	Samples            int     `json:"samples"`
}

// Recorder writes the daily aggregates and answers projection queries.
type Recorder struct {
	snapshots repositories.SnapshotRepository
	metrics   repositories.MetricRepository
	logger    *zap.Logger
}

// New creates a Recorder.
func New(snapshots repositories.SnapshotRepository, metrics repositories.MetricRepository, logger *zap.Logger) *Recorder {
	return &Recorder{
		snapshots: snapshots,
		metrics:   metrics,
		logger:    logger.Named("metrics"),
	}
}

// Record aggregates every retained snapshot into today's StorageMetric row,
// updating it in place when one already exists. Called on process start and
// once per day by the scheduler.
func (r *Recorder) Record(ctx context.Context) (*db.StorageMetric, error) {
	retained, err := r.snapshots.ListRetained(ctx)
	if err != nil {
		return nil, fmt.Errorf("metrics: list retained snapshots: %w", err)
	}

	sizeByClass := make(map[db.StorageClass]int64)
	byJob := make(map[int64]*JobUsage)
	var totalSize, totalFiles int64

	for i := range retained {
		snap := &retained[i]
		totalSize += snap.SizeBytes
		totalFiles += int64(snap.FilesCount)
		sizeByClass[snap.StorageClass] += snap.SizeBytes

		usage, ok := byJob[snap.JobID]
		if !ok {
			usage = &JobUsage{JobID: snap.JobID}
			byJob[snap.JobID] = usage
		}
		usage.SizeBytes += snap.SizeBytes
		usage.FilesCount += int64(snap.FilesCount)
		usage.MonthlyCost += cost(snap.StorageClass, snap.SizeBytes)
	}

	breakdown, err := json.Marshal(byJob)
	if err != nil {
		return nil, fmt.Errorf("metrics: encode job breakdown: %w", err)
	}

	metric := &db.StorageMetric{
		RecordedAt:        time.Now().UTC(),
		TotalSizeBytes:    totalSize,
		SizeHotBytes:      sizeByClass[db.ClassHot],
		SizeCoolIRBytes:   sizeByClass[db.ClassCoolIR],
		SizeCoolFlexBytes: sizeByClass[db.ClassCoolFlex],
		SizeDeepBytes:     sizeByClass[db.ClassDeep],
		TotalFiles:        totalFiles,
		CostHot:           cost(db.ClassHot, sizeByClass[db.ClassHot]),
		CostCoolIR:        cost(db.ClassCoolIR, sizeByClass[db.ClassCoolIR]),
		CostCoolFlex:      cost(db.ClassCoolFlex, sizeByClass[db.ClassCoolFlex]),
		CostDeep:          cost(db.ClassDeep, sizeByClass[db.ClassDeep]),
		JobBreakdown:      string(breakdown),
	}
	metric.MonthlyCostEstimate = metric.CostHot + metric.CostCoolIR + metric.CostCoolFlex + metric.CostDeep

	// At most one row per calendar day.
	existing, err := r.metrics.GetForDay(ctx, metric.RecordedAt)
	switch {
	case err == nil:
		metric.ID = existing.ID
		if uerr := r.metrics.Update(ctx, metric); uerr != nil {
			return nil, fmt.Errorf("metrics: update daily row: %w", uerr)
		}
	case errors.Is(err, repositories.ErrNotFound):
		if cerr := r.metrics.Create(ctx, metric); cerr != nil {
			return nil, fmt.Errorf("metrics: create daily row: %w", cerr)
		}
	default:
		return nil, fmt.Errorf("metrics: look up daily row: %w", err)
	}

	r.logger.Info("storage metrics recorded",
		zap.Int64("total_size_bytes", totalSize),
		zap.Int64("total_files", totalFiles),
		zap.Float64("monthly_cost_estimate", metric.MonthlyCostEstimate),
	)
	return metric, nil
}

// History returns the metric rows covering the last `days` days, oldest
// first.
func (r *Recorder) History(ctx context.Context, days int) ([]db.StorageMetric, error) {
	if days <= 0 {
		days = projectionWindow
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := r.metrics.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("metrics: list history: %w", err)
	}
	return rows, nil
}

// Project fits a linear trend to the recent daily totals and extrapolates
// daysAhead. The projected cost reuses the latest observed $/GiB ratio, so
// the class mix is assumed stable.
func (r *Recorder) Project(ctx context.Context, daysAhead int) (*Projection, error) {
	if daysAhead <= 0 {
		daysAhead = 30
	}

	since := time.Now().UTC().AddDate(0, 0, -projectionWindow)
	rows, err := r.metrics.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("metrics: list rows for projection: %w", err)
	}
	if len(rows) == 0 {
		return nil, repositories.ErrNotFound
	}
	if len(rows) > projectionWindow {
		rows = rows[len(rows)-projectionWindow:]
	}

	latest := rows[len(rows)-1]
	slope := dailyGrowth(rows)

	projected := float64(latest.TotalSizeBytes) + slope*float64(daysAhead)
	if projected < 0 {
		projected = 0
	}

	costPerGiB := 0.0
	if latest.TotalSizeBytes > 0 {
		costPerGiB = latest.MonthlyCostEstimate / (float64(latest.TotalSizeBytes) / gib)
	}

	return &Projection{
		DaysAhead:          daysAhead,
		CurrentSizeBytes:   latest.TotalSizeBytes,
		ProjectedSizeBytes: int64(projected),
		ProjectedCost:      (projected / gib) * costPerGiB,
		DailyGrowthBytes:   slope,
		Samples:            len(rows),
	}, nil
}

// dailyGrowth is the least-squares slope of total size over days since the
// first sample. A single sample means no observable growth.
func dailyGrowth(rows []db.StorageMetric) float64 {
	if len(rows) < 2 {
		return 0
	}

	t0 := rows[0].RecordedAt
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(rows))
	for _, row := range rows {
		x := row.RecordedAt.Sub(t0).Hours() / 24
		y := float64(row.TotalSizeBytes)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func cost(class db.StorageClass, sizeBytes int64) float64 {
	return (float64(sizeBytes) / gib) * pricePerGiBMonth[class]
}
