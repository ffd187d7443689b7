// Package repositories provides the data access layer over the db package.
// Each entity gets an interface plus a GORM-backed implementation; callers
// depend on the interfaces so tests can substitute in-memory databases.
package repositories

import (
	"context"
	"time"

	"github.com/coldvault/coldvault/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// defaultListLimit applies when Limit is unset. A zero limit would reach
// the driver as LIMIT 0 and return no rows at all.
const defaultListLimit = 20

// limit returns the effective SQL limit for the options.
func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return defaultListLimit
	}
	return o.Limit
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	// Create inserts a new job. Returns ErrConflict if a job with the same
	// name already exists.
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id int64) (*db.Job, error)
	GetByName(ctx context.Context, name string) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListEnabled(ctx context.Context) ([]db.Job, error)

	// UpdateRunSummary writes the denormalized last-run fields after a run
	// reaches a terminal state.
	UpdateRunSummary(ctx context.Context, id int64, lastRunAt time.Time, status db.RunStatus) error

	// UpdateNextRun records the scheduler's next fire time for display.
	UpdateNextRun(ctx context.Context, id int64, nextRunAt *time.Time) error
}

// -----------------------------------------------------------------------------
// RunRepository
// -----------------------------------------------------------------------------

type RunRepository interface {
	Create(ctx context.Context, run *db.BackupRun) error
	GetByID(ctx context.Context, id int64) (*db.BackupRun, error)
	Update(ctx context.Context, run *db.BackupRun) error

	// UpdateStatus updates only the lifecycle fields of a run, leaving result
	// fields written earlier in the execution untouched.
	UpdateStatus(ctx context.Context, id int64, status db.RunStatus, completedAt *time.Time, errMsg string) error

	List(ctx context.Context, opts ListOptions) ([]db.BackupRun, int64, error)
	ListByJob(ctx context.Context, jobID int64, opts ListOptions) ([]db.BackupRun, int64, error)

	// ListUnfinished returns runs still in pending or running state,
	// oldest first. Used by the startup orphan sweep.
	ListUnfinished(ctx context.Context) ([]db.BackupRun, error)

	DeleteByJob(ctx context.Context, jobID int64) error
}

// -----------------------------------------------------------------------------
// SnapshotRepository
// -----------------------------------------------------------------------------

type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *db.Snapshot) error
	GetByID(ctx context.Context, id int64) (*db.Snapshot, error)
	GetBySnapshotID(ctx context.Context, snapshotID string) (*db.Snapshot, error)
	Update(ctx context.Context, snapshot *db.Snapshot) error
	List(ctx context.Context, opts ListOptions) ([]db.Snapshot, int64, error)
	ListByJob(ctx context.Context, jobID int64, opts ListOptions) ([]db.Snapshot, int64, error)

	// ListRetainedByJob returns retained snapshots for a job, newest first.
	// Retention and reconciliation both walk this set.
	ListRetainedByJob(ctx context.Context, jobID int64) ([]db.Snapshot, error)

	// ListRetained returns every retained snapshot across all jobs,
	// used by the storage metrics aggregation.
	ListRetained(ctx context.Context) ([]db.Snapshot, error)

	// MarkNotRetained clears the retained flag with an explanation.
	// Remote objects are never deleted here.
	MarkNotRetained(ctx context.Context, id int64, reason string) error

	DeleteByJob(ctx context.Context, jobID int64) error
}

// -----------------------------------------------------------------------------
// NotificationRepository
// -----------------------------------------------------------------------------

type NotificationRepository interface {
	Create(ctx context.Context, notification *db.Notification) error
	List(ctx context.Context, opts ListOptions) ([]db.Notification, int64, error)
	ListByJob(ctx context.Context, jobID int64, opts ListOptions) ([]db.Notification, int64, error)

	// MarkDelivered records which channels accepted the notification.
	MarkDelivered(ctx context.Context, id int64, emailSent, webhookSent bool) error
}

// -----------------------------------------------------------------------------
// MetricRepository
// -----------------------------------------------------------------------------

type MetricRepository interface {
	Create(ctx context.Context, metric *db.StorageMetric) error
	Update(ctx context.Context, metric *db.StorageMetric) error

	// GetForDay returns the metric recorded on the given calendar day, if any.
	// At most one row exists per day; the aggregator updates it in place.
	GetForDay(ctx context.Context, day time.Time) (*db.StorageMetric, error)

	Latest(ctx context.Context) (*db.StorageMetric, error)

	// ListSince returns metrics recorded at or after the given time,
	// oldest first. Used for history charts and growth projection.
	ListSince(ctx context.Context, since time.Time) ([]db.StorageMetric, error)
}
