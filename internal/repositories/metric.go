package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/coldvault/coldvault/internal/db"
)

// gormMetricRepository is the GORM implementation of MetricRepository.
type gormMetricRepository struct {
	db *gorm.DB
}

// NewMetricRepository returns a MetricRepository backed by the provided *gorm.DB.
func NewMetricRepository(db *gorm.DB) MetricRepository {
	return &gormMetricRepository{db: db}
}

// Create inserts a new storage metric record.
func (r *gormMetricRepository) Create(ctx context.Context, metric *db.StorageMetric) error {
	if err := r.db.WithContext(ctx).Create(metric).Error; err != nil {
		return fmt.Errorf("metrics: create: %w", err)
	}
	return nil
}

// Update persists all fields of an existing metric record. The aggregator
// uses this to overwrite the current day's row instead of appending.
func (r *gormMetricRepository) Update(ctx context.Context, metric *db.StorageMetric) error {
	result := r.db.WithContext(ctx).Save(metric)
	if result.Error != nil {
		return fmt.Errorf("metrics: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetForDay returns the metric recorded on the calendar day containing the
// given time, in the time's own location. Returns ErrNotFound if no row
// exists for that day.
func (r *gormMetricRepository) GetForDay(ctx context.Context, day time.Time) (*db.StorageMetric, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	var metric db.StorageMetric
	err := r.db.WithContext(ctx).
		Where("recorded_at >= ? AND recorded_at < ?", start, end).
		Order("recorded_at DESC").
		First(&metric).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metrics: get for day: %w", err)
	}
	return &metric, nil
}

// Latest returns the most recently recorded metric.
// Returns ErrNotFound when no metrics have been recorded yet.
func (r *gormMetricRepository) Latest(ctx context.Context) (*db.StorageMetric, error) {
	var metric db.StorageMetric
	err := r.db.WithContext(ctx).
		Order("recorded_at DESC").
		First(&metric).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metrics: latest: %w", err)
	}
	return &metric, nil
}

// ListSince returns metrics recorded at or after the given time, oldest first.
func (r *gormMetricRepository) ListSince(ctx context.Context, since time.Time) ([]db.StorageMetric, error) {
	var metrics []db.StorageMetric
	if err := r.db.WithContext(ctx).
		Where("recorded_at >= ?", since).
		Order("recorded_at ASC").
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("metrics: list since: %w", err)
	}
	return metrics, nil
}
