package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coldvault/coldvault/internal/db"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.NewForTesting(zap.NewNop())
	require.NoError(t, err)
	return database
}

func testJob(name string) *db.Job {
	return &db.Job{
		Name:         name,
		Kind:         db.KindFileSet,
		SourcePaths:  `["/data"]`,
		Schedule:     "daily",
		Enabled:      true,
		Bucket:       "backups",
		Prefix:       "vault",
		StorageClass: db.ClassDeep,
		KeepLastN:    30,
	}
}

func TestJobCreateAndGet(t *testing.T) {
	repo := NewJobRepository(testDB(t))
	ctx := context.Background()

	job := testJob("documents")
	require.NoError(t, repo.Create(ctx, job))
	require.NotZero(t, job.ID)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "documents", got.Name)
	assert.Equal(t, db.ClassDeep, got.StorageClass)

	byName, err := repo.GetByName(ctx, "documents")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byName.ID)
}

func TestJobCreateDuplicateNameConflicts(t *testing.T) {
	repo := NewJobRepository(testDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testJob("documents")))
	err := repo.Create(ctx, testJob("documents"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestJobGetMissingReturnsNotFound(t *testing.T) {
	repo := NewJobRepository(testDB(t))

	_, err := repo.GetByID(context.Background(), 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJobListEnabled(t *testing.T) {
	repo := NewJobRepository(testDB(t))
	ctx := context.Background()

	enabled := testJob("on")
	disabled := testJob("off")
	disabled.Enabled = false
	require.NoError(t, repo.Create(ctx, enabled))
	require.NoError(t, repo.Create(ctx, disabled))

	jobs, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "on", jobs[0].Name)
}

func TestJobCreatePersistsDisabledFlags(t *testing.T) {
	repo := NewJobRepository(testDB(t))
	ctx := context.Background()

	job := testJob("plain")
	job.Enabled = false
	job.EncryptionEnabled = false
	job.IncrementalEnabled = false
	require.NoError(t, repo.Create(ctx, job))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.False(t, got.EncryptionEnabled)
	assert.False(t, got.IncrementalEnabled)
}

func TestListZeroOptionsReturnsRows(t *testing.T) {
	database := testDB(t)
	snaps := NewSnapshotRepository(database)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, snaps.Create(ctx, &db.Snapshot{
			JobID:      1,
			SnapshotID: time.Now().UTC().Add(time.Duration(i) * time.Second).Format("20060102_150405"),
			Retained:   true,
		}))
	}

	all, total, err := snaps.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, int64(3), total)

	byJob, _, err := snaps.ListByJob(ctx, 1, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, byJob, 3)
}

func TestJobUpdateRunSummary(t *testing.T) {
	repo := NewJobRepository(testDB(t))
	ctx := context.Background()

	job := testJob("documents")
	require.NoError(t, repo.Create(ctx, job))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdateRunSummary(ctx, job.ID, at, db.StatusSuccess))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, at, *got.LastRunAt, time.Second)
}

func TestRunLifecycle(t *testing.T) {
	database := testDB(t)
	jobs := NewJobRepository(database)
	runs := NewRunRepository(database)
	ctx := context.Background()

	job := testJob("documents")
	require.NoError(t, jobs.Create(ctx, job))

	run := &db.BackupRun{JobID: job.ID, Status: db.StatusPending}
	require.NoError(t, runs.Create(ctx, run))

	now := time.Now().UTC()
	require.NoError(t, runs.UpdateStatus(ctx, run.ID, db.StatusRunning, nil, ""))
	require.NoError(t, runs.UpdateStatus(ctx, run.ID, db.StatusFailed, &now, "disk gone"))

	got, err := runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Equal(t, "disk gone", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
}

func TestRunListUnfinished(t *testing.T) {
	database := testDB(t)
	runs := NewRunRepository(database)
	ctx := context.Background()

	done := time.Now().UTC()
	for _, r := range []*db.BackupRun{
		{JobID: 1, Status: db.StatusPending},
		{JobID: 1, Status: db.StatusRunning},
		{JobID: 1, Status: db.StatusSuccess, CompletedAt: &done},
		{JobID: 1, Status: db.StatusCancelled, CompletedAt: &done},
	} {
		require.NoError(t, runs.Create(ctx, r))
	}

	unfinished, err := runs.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	for _, r := range unfinished {
		assert.False(t, r.Status.Terminal())
	}
}

func TestSnapshotRetention(t *testing.T) {
	database := testDB(t)
	snaps := NewSnapshotRepository(database)
	ctx := context.Background()

	a := &db.Snapshot{JobID: 1, SnapshotID: "20260101_000000", Retained: true}
	b := &db.Snapshot{JobID: 1, SnapshotID: "20260102_000000", Retained: true}
	require.NoError(t, snaps.Create(ctx, a))
	require.NoError(t, snaps.Create(ctx, b))

	require.NoError(t, snaps.MarkNotRetained(ctx, a.ID, "keep_last_n"))

	retained, err := snaps.ListRetainedByJob(ctx, 1)
	require.NoError(t, err)
	require.Len(t, retained, 1)
	assert.Equal(t, "20260102_000000", retained[0].SnapshotID)

	got, err := snaps.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Retained)
	assert.Equal(t, "keep_last_n", got.RetentionReason)
}

func TestSnapshotDuplicateIDConflicts(t *testing.T) {
	snaps := NewSnapshotRepository(testDB(t))
	ctx := context.Background()

	require.NoError(t, snaps.Create(ctx, &db.Snapshot{JobID: 1, SnapshotID: "dup"}))
	err := snaps.Create(ctx, &db.Snapshot{JobID: 2, SnapshotID: "dup"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestMetricGetForDay(t *testing.T) {
	metrics := NewMetricRepository(testDB(t))
	ctx := context.Background()

	today := time.Now().UTC()
	yesterday := today.Add(-24 * time.Hour)

	require.NoError(t, metrics.Create(ctx, &db.StorageMetric{
		RecordedAt:     yesterday,
		TotalSizeBytes: 100,
	}))
	require.NoError(t, metrics.Create(ctx, &db.StorageMetric{
		RecordedAt:     today,
		TotalSizeBytes: 200,
	}))

	got, err := metrics.GetForDay(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.TotalSizeBytes)

	latest, err := metrics.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), latest.TotalSizeBytes)

	history, err := metrics.ListSince(ctx, yesterday.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(100), history[0].TotalSizeBytes)
}

func TestNotificationMarkDelivered(t *testing.T) {
	repo := NewNotificationRepository(testDB(t))
	ctx := context.Background()

	n := &db.Notification{
		JobID:    1,
		Type:     "backup_failure",
		Severity: "error",
		Message:  "backup failed",
		SentAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, n))
	require.NoError(t, repo.MarkDelivered(ctx, n.ID, true, false))

	list, _, err := repo.ListByJob(ctx, 1, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].EmailSent)
	assert.False(t, list[0].WebhookSent)
}
