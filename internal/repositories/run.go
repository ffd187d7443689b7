package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/coldvault/coldvault/internal/db"
)

// gormRunRepository is the GORM implementation of RunRepository.
type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by the provided *gorm.DB.
func NewRunRepository(db *gorm.DB) RunRepository {
	return &gormRunRepository{db: db}
}

// Create inserts a new backup run record.
func (r *gormRunRepository) Create(ctx context.Context, run *db.BackupRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a run by its ID. Returns ErrNotFound if no record exists.
func (r *gormRunRepository) GetByID(ctx context.Context, id int64) (*db.BackupRun, error) {
	var run db.BackupRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by id: %w", err)
	}
	return &run, nil
}

// Update persists all fields of an existing run record.
func (r *gormRunRepository) Update(ctx context.Context, run *db.BackupRun) error {
	result := r.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return fmt.Errorf("runs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the lifecycle fields of a run. Result fields
// (sizes, keys, counters) written during execution are left untouched.
func (r *gormRunRepository) UpdateStatus(ctx context.Context, id int64, status db.RunStatus, completedAt *time.Time, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&db.BackupRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"completed_at":  completedAt,
			"error_message": errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("runs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of runs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormRunRepository) List(ctx context.Context, opts ListOptions) ([]db.BackupRun, int64, error) {
	var runs []db.BackupRun
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.BackupRun{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.limit()).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list: %w", err)
	}

	return runs, total, nil
}

// ListByJob returns a paginated list of runs for a given job,
// ordered by creation time descending.
func (r *gormRunRepository) ListByJob(ctx context.Context, jobID int64, opts ListOptions) ([]db.BackupRun, int64, error) {
	var runs []db.BackupRun
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.BackupRun{}).
		Where("job_id = ?", jobID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list by job count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(opts.limit()).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list by job: %w", err)
	}

	return runs, total, nil
}

// ListUnfinished returns runs still in pending or running state, oldest
// first. After a restart these are orphans: no goroutine owns them anymore.
func (r *gormRunRepository) ListUnfinished(ctx context.Context) ([]db.BackupRun, error) {
	var runs []db.BackupRun
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []db.RunStatus{db.StatusPending, db.StatusRunning}).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list unfinished: %w", err)
	}
	return runs, nil
}

// DeleteByJob removes all run records for a job. Called when the job itself
// is deleted.
func (r *gormRunRepository) DeleteByJob(ctx context.Context, jobID int64) error {
	if err := r.db.WithContext(ctx).
		Delete(&db.BackupRun{}, "job_id = ?", jobID).Error; err != nil {
		return fmt.Errorf("runs: delete by job: %w", err)
	}
	return nil
}
