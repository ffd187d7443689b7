package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/metrics"
	"github.com/coldvault/coldvault/internal/notification"
	"github.com/coldvault/coldvault/internal/objectstore/storetest"
	"github.com/coldvault/coldvault/internal/reconcile"
	"github.com/coldvault/coldvault/internal/repositories"
	"github.com/coldvault/coldvault/internal/restore"
	"github.com/coldvault/coldvault/internal/worker"
)

// fakeScheduler records registry calls without running gocron.
type fakeScheduler struct {
	added   []int64
	removed []int64
}

func (f *fakeScheduler) Add(job *db.Job) error    { f.added = append(f.added, job.ID); return nil }
func (f *fakeScheduler) Update(job *db.Job) error { f.added = append(f.added, job.ID); return nil }
func (f *fakeScheduler) Remove(jobID int64)       { f.removed = append(f.removed, jobID) }

type testServer struct {
	handler http.Handler
	sched   *fakeScheduler
	jobs    repositories.JobRepository
	runs    repositories.RunRepository
	snaps   repositories.SnapshotRepository
	store   *storetest.FakeStore
	worker  *worker.Worker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gdb, err := db.NewForTesting(zap.NewNop())
	require.NoError(t, err)

	jobs := repositories.NewJobRepository(gdb)
	runs := repositories.NewRunRepository(gdb)
	snaps := repositories.NewSnapshotRepository(gdb)
	notifs := repositories.NewNotificationRepository(gdb)
	mets := repositories.NewMetricRepository(gdb)

	store := storetest.NewFakeStore()
	notifier := notification.NewService(notification.Config{Repo: notifs, Logger: zap.NewNop()})

	wrk, err := worker.New(context.Background(), worker.Config{
		Jobs:      jobs,
		Runs:      runs,
		Snapshots: snaps,
		Store:     store,
		Notifier:  notifier,
		Logger:    zap.NewNop(),
		DataDir:   t.TempDir(),
	})
	require.NoError(t, err)

	sched := &fakeScheduler{}
	handler := NewRouter(RouterConfig{
		Logger:        zap.NewNop(),
		Jobs:          jobs,
		Runs:          runs,
		Snapshots:     snaps,
		Notifications: notifs,
		Worker:        wrk,
		Scheduler:     sched,
		Store:         store,
		Reconciler:    reconcile.New(jobs, snaps, store, "", zap.NewNop()),
		Restorer:      restore.New(jobs, snaps, store, "", t.TempDir(), zap.NewNop()),
		Recorder:      metrics.New(snaps, mets, zap.NewNop()),
		Health:        func(context.Context) error { return nil },
	})

	return &testServer{
		handler: handler,
		sched:   sched,
		jobs:    jobs,
		runs:    runs,
		snaps:   snaps,
		store:   store,
		worker:  wrk,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func validJobBody(name string) map[string]any {
	return map[string]any{
		"name":         name,
		"source_paths": []string{"/data/docs"},
		"schedule":     "daily",
		"bucket":       "backups",
		"prefix":       "vault/" + name,
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateJobReturns201(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs", validJobBody("documents"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job jobResponse
	decodeData(t, rec, &job)
	assert.Equal(t, "documents", job.Name)
	assert.Equal(t, "file_set", job.Kind)
	assert.Equal(t, "DEEP", job.StorageClass)
	assert.True(t, job.Enabled)
	assert.True(t, job.EncryptionEnabled)
	assert.Equal(t, []string{"/data/docs"}, job.SourcePaths)

	// The new job was handed to the scheduler.
	assert.Contains(t, s.sched.added, job.ID)
}

func TestCreateJobDuplicateNameIs400(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs", validJobBody("documents"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/jobs", validJobBody("documents"))
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestCreateJobMissingFields(t *testing.T) {
	s := newTestServer(t)

	body := validJobBody("documents")
	delete(body, "source_paths")
	rec := s.do(t, http.MethodPost, "/api/v1/jobs", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobBadStorageClass(t *testing.T) {
	s := newTestServer(t)

	body := validJobBody("documents")
	body["storage_class"] = "LUKEWARM"
	rec := s.do(t, http.MethodPost, "/api/v1/jobs", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateJobPatchesFields(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs", validJobBody("documents"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created jobResponse
	decodeData(t, rec, &created)

	rec = s.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/jobs/%d", created.ID), map[string]any{
		"schedule":    "@every_6h",
		"keep_last_n": 5,
		"enabled":     false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated jobResponse
	decodeData(t, rec, &updated)
	assert.Equal(t, "@every_6h", updated.Schedule)
	assert.Equal(t, 5, updated.KeepLastN)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "documents", updated.Name)
}

func TestDeleteJobRemovesSchedule(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs", validJobBody("documents"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created jobResponse
	decodeData(t, rec, &created)

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/jobs/%d", created.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, s.sched.removed, created.ID)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerReturnsPendingRun(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs", validJobBody("documents"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created jobResponse
	decodeData(t, rec, &created)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/trigger", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		BackupRunID int64  `json:"backup_run_id"`
		Status      string `json:"status"`
	}
	decodeData(t, rec, &resp)
	assert.NotZero(t, resp.BackupRunID)
	assert.Equal(t, "pending", resp.Status)

	// A second trigger while the first is queued conflicts.
	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/trigger", created.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerUnknownJobIs404(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/jobs/9999/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelQueuedRunThenTerminalIs400(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs", validJobBody("documents"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created jobResponse
	decodeData(t, rec, &created)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/trigger", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		BackupRunID int64 `json:"backup_run_id"`
	}
	decodeData(t, rec, &resp)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/runs/%d/cancel", resp.BackupRunID), nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Already cancelled; a second cancel is a client error.
	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/runs/%d/cancel", resp.BackupRunID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestoreValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/restore", map[string]any{"dest": "/tmp/out"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/restore", map[string]any{
		"snapshot_id": "s1", "dest": "/tmp/out", "tier": "Sluggish",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/restore", map[string]any{
		"snapshot_id": "missing", "dest": t.TempDir(),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncEndpointReportsNoSnapshots(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs", validJobBody("documents"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created jobResponse
	decodeData(t, rec, &created)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/sync?dry_run=true", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		DryRun bool `json:"dry_run"`
		Issues []struct {
			Type string `json:"type"`
		} `json:"issues"`
	}
	decodeData(t, rec, &res)
	assert.True(t, res.DryRun)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "no_snapshots", res.Issues[0].Type)
}

func TestSnapshotsListFilterByJob(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs", validJobBody("documents"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created jobResponse
	decodeData(t, rec, &created)

	require.NoError(t, s.snaps.Create(context.Background(), &db.Snapshot{
		JobID: created.ID, SnapshotID: "s1", S3Key: "k", Retained: true,
	}))
	require.NoError(t, s.snaps.Create(context.Background(), &db.Snapshot{
		JobID: created.ID + 100, SnapshotID: "s2", S3Key: "k2", Retained: true,
	}))

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/snapshots?job_id=%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list listSnapshotsResponse
	decodeData(t, rec, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "s1", list.Items[0].SnapshotID)
}

func TestProjectionWithoutMetricsIs422(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/storage/projection", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
