package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/coldvault/coldvault/internal/db"
)

// gormSnapshotRepository is the GORM implementation of SnapshotRepository.
type gormSnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a SnapshotRepository backed by the provided *gorm.DB.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepository{db: db}
}

// Create inserts a new snapshot record.
func (r *gormSnapshotRepository) Create(ctx context.Context, snapshot *db.Snapshot) error {
	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("snapshots: create: %w", err)
	}
	return nil
}

// GetByID retrieves a snapshot by its database ID.
// Returns ErrNotFound if no record exists.
func (r *gormSnapshotRepository) GetByID(ctx context.Context, id int64) (*db.Snapshot, error) {
	var snapshot db.Snapshot
	err := r.db.WithContext(ctx).First(&snapshot, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshots: get by id: %w", err)
	}
	return &snapshot, nil
}

// GetBySnapshotID retrieves a snapshot by its logical snapshot identifier,
// the one embedded in object keys and manifests.
func (r *gormSnapshotRepository) GetBySnapshotID(ctx context.Context, snapshotID string) (*db.Snapshot, error) {
	var snapshot db.Snapshot
	err := r.db.WithContext(ctx).First(&snapshot, "snapshot_id = ?", snapshotID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshots: get by snapshot id: %w", err)
	}
	return &snapshot, nil
}

// Update persists all fields of an existing snapshot record.
func (r *gormSnapshotRepository) Update(ctx context.Context, snapshot *db.Snapshot) error {
	result := r.db.WithContext(ctx).Save(snapshot)
	if result.Error != nil {
		return fmt.Errorf("snapshots: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of snapshots and the total count,
// ordered by creation time descending.
func (r *gormSnapshotRepository) List(ctx context.Context, opts ListOptions) ([]db.Snapshot, int64, error) {
	var snapshots []db.Snapshot
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Snapshot{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.limit()).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&snapshots).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list: %w", err)
	}

	return snapshots, total, nil
}

// ListByJob returns a paginated list of snapshots for a given job,
// ordered by creation time descending.
func (r *gormSnapshotRepository) ListByJob(ctx context.Context, jobID int64, opts ListOptions) ([]db.Snapshot, int64, error) {
	var snapshots []db.Snapshot
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Snapshot{}).
		Where("job_id = ?", jobID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list by job count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(opts.limit()).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&snapshots).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list by job: %w", err)
	}

	return snapshots, total, nil
}

// ListRetainedByJob returns all retained snapshots for a job, newest first.
func (r *gormSnapshotRepository) ListRetainedByJob(ctx context.Context, jobID int64) ([]db.Snapshot, error) {
	var snapshots []db.Snapshot
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND retained = ?", jobID, true).
		Order("created_at DESC").
		Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("snapshots: list retained by job: %w", err)
	}
	return snapshots, nil
}

// ListRetained returns every retained snapshot across all jobs.
func (r *gormSnapshotRepository) ListRetained(ctx context.Context) ([]db.Snapshot, error) {
	var snapshots []db.Snapshot
	if err := r.db.WithContext(ctx).
		Where("retained = ?", true).
		Order("created_at DESC").
		Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("snapshots: list retained: %w", err)
	}
	return snapshots, nil
}

// MarkNotRetained clears the retained flag with an explanation. The remote
// artifact is left in place.
func (r *gormSnapshotRepository) MarkNotRetained(ctx context.Context, id int64, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Snapshot{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retained":         false,
			"retention_reason": reason,
		})
	if result.Error != nil {
		return fmt.Errorf("snapshots: mark not retained: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByJob removes all snapshot records for a job. Called when the job
// itself is deleted.
func (r *gormSnapshotRepository) DeleteByJob(ctx context.Context, jobID int64) error {
	if err := r.db.WithContext(ctx).
		Delete(&db.Snapshot{}, "job_id = ?", jobID).Error; err != nil {
		return fmt.Errorf("snapshots: delete by job: %w", err)
	}
	return nil
}
