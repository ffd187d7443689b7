package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/coldvault/coldvault/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record.
// Returns ErrConflict if a job with the same name already exists.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its ID. Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id int64) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetByName retrieves a job by its unique name.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByName(ctx context.Context, name string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by name: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing job record.
// Returns ErrConflict if the update would duplicate another job's name.
func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a job record. Runs and snapshots are deleted separately by
// the caller so partial failures remain visible.
func (r *gormJobRepository) Delete(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&db.Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("jobs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of jobs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.limit()).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ListEnabled returns all enabled jobs, ordered by ID. Called at startup to
// register schedules and by the reconciler to enumerate work.
func (r *gormJobRepository) ListEnabled(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list enabled: %w", err)
	}
	return jobs, nil
}

// UpdateRunSummary updates only the denormalized last-run fields of a job.
// Called once per run when it reaches a terminal state, so a concurrent edit
// of the job spec is never overwritten.
func (r *gormJobRepository) UpdateRunSummary(ctx context.Context, id int64, lastRunAt time.Time, status db.RunStatus) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at":     lastRunAt,
			"last_run_status": status,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update run summary: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateNextRun records the scheduler's next fire time for the job.
func (r *gormJobRepository) UpdateNextRun(ctx context.Context, id int64, nextRunAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Update("next_run_at", nextRunAt)
	if result.Error != nil {
		return fmt.Errorf("jobs: update next run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
