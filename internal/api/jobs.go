package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/repositories"
)

// JobHandler groups all job-related HTTP handlers. Creating, updating or
// deleting a job keeps the scheduler registration in step with the row.
type JobHandler struct {
	repo   repositories.JobRepository
	sched  ScheduleRegistry
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(repo repositories.JobRepository, sched ScheduleRegistry, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		repo:   repo,
		sched:  sched,
		logger: logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Request / response types
// -----------------------------------------------------------------------------

// jobRequest is the create/update payload. Pointer fields distinguish
// "absent" from zero values on PATCH.
type jobRequest struct {
	Name        *string `json:"name"`
	Kind        *string `json:"kind"`
	Description *string `json:"description"`

	SourcePaths *[]string `json:"source_paths"`
	Schedule    *string   `json:"schedule"`
	Enabled     *bool     `json:"enabled"`

	Bucket       *string `json:"bucket"`
	Prefix       *string `json:"prefix"`
	StorageClass *string `json:"storage_class"`

	IncludePatterns *[]string `json:"include_patterns"`
	ExcludePatterns *[]string `json:"exclude_patterns"`

	KeepLastN *int `json:"keep_last_n"`

	BandwidthLimit *int64 `json:"bandwidth_limit"`
	CPUPriority    *int   `json:"cpu_priority"`

	EncryptionEnabled  *bool `json:"encryption_enabled"`
	IncrementalEnabled *bool `json:"incremental_enabled"`
}

// jobResponse is the JSON representation of a job.
type jobResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description"`

	SourcePaths []string `json:"source_paths"`
	Schedule    string   `json:"schedule"`
	Enabled     bool     `json:"enabled"`

	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix"`
	StorageClass string `json:"storage_class"`

	IncludePatterns []string `json:"include_patterns"`
	ExcludePatterns []string `json:"exclude_patterns"`

	KeepLastN int `json:"keep_last_n"`

	BandwidthLimit int64 `json:"bandwidth_limit"`
	CPUPriority    int   `json:"cpu_priority"`

	EncryptionEnabled  bool `json:"encryption_enabled"`
	IncrementalEnabled bool `json:"incremental_enabled"`

	LastRunAt     *string `json:"last_run_at"`
	LastRunStatus string  `json:"last_run_status"`
	NextRunAt     *string `json:"next_run_at"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// listJobsResponse wraps a paginated list of jobs.
type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

func jobToResponse(j *db.Job) jobResponse {
	resp := jobResponse{
		ID:                 j.ID,
		Name:               j.Name,
		Kind:               string(j.Kind),
		Description:        j.Description,
		SourcePaths:        decodeStringArray(j.SourcePaths),
		Schedule:           j.Schedule,
		Enabled:            j.Enabled,
		Bucket:             j.Bucket,
		Prefix:             j.Prefix,
		StorageClass:       string(j.StorageClass),
		IncludePatterns:    decodeStringArray(j.IncludePatterns),
		ExcludePatterns:    decodeStringArray(j.ExcludePatterns),
		KeepLastN:          j.KeepLastN,
		BandwidthLimit:     j.BandwidthLimit,
		CPUPriority:        j.CPUPriority,
		EncryptionEnabled:  j.EncryptionEnabled,
		IncrementalEnabled: j.IncrementalEnabled,
		LastRunStatus:      string(j.LastRunStatus),
		CreatedAt:          j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.LastRunAt != nil {
		s := j.LastRunAt.UTC().Format(time.RFC3339)
		resp.LastRunAt = &s
	}
	if j.NextRunAt != nil {
		s := j.NextRunAt.UTC().Format(time.RFC3339)
		resp.NextRunAt = &s
	}
	return resp
}

// decodeStringArray parses a JSON array column; bad or empty text decodes
// to an empty slice so responses never carry null.
func decodeStringArray(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func encodeStringArray(vals []string) string {
	if vals == nil {
		vals = []string{}
	}
	data, _ := json.Marshal(vals)
	return string(data)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job))
}

// Create handles POST /api/v1/jobs. Returns 201 with the persisted row; a
// duplicate name is a 400.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == nil || *req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if req.SourcePaths == nil || len(*req.SourcePaths) == 0 {
		ErrBadRequest(w, "source_paths is required")
		return
	}
	if req.Schedule == nil || *req.Schedule == "" {
		ErrBadRequest(w, "schedule is required")
		return
	}
	if req.Bucket == nil || *req.Bucket == "" {
		ErrBadRequest(w, "bucket is required")
		return
	}
	if req.Prefix == nil || *req.Prefix == "" {
		ErrBadRequest(w, "prefix is required")
		return
	}

	job := &db.Job{
		Name:               *req.Name,
		Kind:               db.KindFileSet,
		SourcePaths:        encodeStringArray(*req.SourcePaths),
		Schedule:           *req.Schedule,
		Enabled:            true,
		Bucket:             *req.Bucket,
		Prefix:             *req.Prefix,
		StorageClass:       db.ClassDeep,
		IncludePatterns:    encodeStringArray(nil),
		ExcludePatterns:    encodeStringArray(nil),
		KeepLastN:          30,
		CPUPriority:        5,
		EncryptionEnabled:  true,
		IncrementalEnabled: true,
	}
	if !applyJobRequest(w, job, &req) {
		return
	}

	if err := h.repo.Create(r.Context(), job); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrBadRequest(w, "a job with this name already exists")
			return
		}
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	if job.Enabled {
		if err := h.sched.Add(job); err != nil {
			h.logger.Error("failed to schedule new job",
				zap.Int64("job_id", job.ID),
				zap.Error(err),
			)
		}
	}

	h.logger.Info("job created", zap.Int64("job_id", job.ID), zap.String("name", job.Name))
	Created(w, jobToResponse(job))
}

// Update handles PATCH /api/v1/jobs/{id}. Only fields present in the body
// change; the scheduler registration is refreshed afterwards.
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	var req jobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to load job for update", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil && *req.Name != "" {
		job.Name = *req.Name
	}
	if req.SourcePaths != nil {
		job.SourcePaths = encodeStringArray(*req.SourcePaths)
	}
	if req.Schedule != nil && *req.Schedule != "" {
		job.Schedule = *req.Schedule
	}
	if !applyJobRequest(w, job, &req) {
		return
	}

	if err := h.repo.Update(r.Context(), job); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrBadRequest(w, "a job with this name already exists")
			return
		}
		h.logger.Error("failed to update job", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.sched.Update(job); err != nil {
		h.logger.Error("failed to reschedule job", zap.Int64("job_id", job.ID), zap.Error(err))
	}

	Ok(w, jobToResponse(job))
}

// Delete handles DELETE /api/v1/jobs/{id}. The schedule is removed;
// historical runs and snapshots stay.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete job", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.sched.Remove(id)
	h.logger.Info("job deleted", zap.Int64("job_id", id))
	NoContent(w)
}

// applyJobRequest copies the optional shared fields of a request onto the
// job, validating enumerations. Returns false after writing an error.
func applyJobRequest(w http.ResponseWriter, job *db.Job, req *jobRequest) bool {
	if req.Kind != nil {
		kind, err := db.ParseJobKind(*req.Kind)
		if err != nil {
			ErrBadRequest(w, err.Error())
			return false
		}
		job.Kind = kind
	}
	if req.StorageClass != nil {
		class, err := db.ParseStorageClass(*req.StorageClass)
		if err != nil {
			ErrBadRequest(w, err.Error())
			return false
		}
		job.StorageClass = class
	}
	if req.Description != nil {
		job.Description = *req.Description
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.IncludePatterns != nil {
		job.IncludePatterns = encodeStringArray(*req.IncludePatterns)
	}
	if req.ExcludePatterns != nil {
		job.ExcludePatterns = encodeStringArray(*req.ExcludePatterns)
	}
	if req.KeepLastN != nil {
		job.KeepLastN = *req.KeepLastN
	}
	if req.BandwidthLimit != nil {
		job.BandwidthLimit = *req.BandwidthLimit
	}
	if req.CPUPriority != nil {
		job.CPUPriority = *req.CPUPriority
	}
	if req.EncryptionEnabled != nil {
		job.EncryptionEnabled = *req.EncryptionEnabled
	}
	if req.IncrementalEnabled != nil {
		job.IncrementalEnabled = *req.IncrementalEnabled
	}
	return true
}
