// Package scheduler maps each enabled job to one gocron entry and fires the
// worker's trigger on every tick. Entries run in singleton mode: if a job's
// previous run is still going when the next tick fires, the tick is
// rescheduled instead of overlapping.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/repositories"
)

// TriggerFunc is called on every schedule tick with the job's ID. The
// scheduler never executes backups itself; the worker owns execution.
type TriggerFunc func(jobID int64)

// Scheduler wraps gocron and keeps the job-ID-to-entry mapping.
// The zero value is not usable; create instances with New.
type Scheduler struct {
	cron    gocron.Scheduler
	jobs    repositories.JobRepository
	trigger TriggerFunc
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[int64]uuid.UUID
}

// New creates a Scheduler. Call Start to load enabled jobs and begin ticking.
func New(jobs repositories.JobRepository, trigger TriggerFunc, logger *zap.Logger) (*Scheduler, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:    c,
		jobs:    jobs,
		trigger: trigger,
		logger:  logger.Named("scheduler"),
		entries: make(map[int64]uuid.UUID),
	}, nil
}

// Start registers every enabled job and starts the underlying scheduler.
// Called once at startup, after the database is ready.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: failed to load enabled jobs: %w", err)
	}

	for i := range enabled {
		if err := s.Add(&enabled[i]); err != nil {
			s.logger.Error("failed to schedule job",
				zap.Int64("job_id", enabled[i].ID),
				zap.String("job_name", enabled[i].Name),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("scheduler started", zap.Int("jobs_scheduled", len(enabled)))
	s.cron.Start()
	return nil
}

// Stop shuts down gocron, waiting for running task functions to return.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Add registers a job's schedule. Safe to call while running. An
// unparseable expression falls back to daily at midnight with a warning.
func (s *Scheduler) Add(job *db.Job) error {
	spec, ok := Parse(job.Schedule)
	if !ok {
		s.logger.Warn("unparseable schedule, falling back to daily at midnight",
			zap.Int64("job_id", job.ID),
			zap.String("job_name", job.Name),
			zap.String("schedule", job.Schedule),
		)
	}

	var def gocron.JobDefinition
	if spec.Interval() {
		def = gocron.DurationJob(spec.Every)
	} else {
		def = gocron.CronJob(spec.Cron, false)
	}

	jobID := job.ID
	entry, err := s.cron.NewJob(
		def,
		gocron.NewTask(func() {
			s.trigger(jobID)
		}),
		gocron.WithTags(strconv.FormatInt(jobID, 10)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: gocron.NewJob failed for job %d (schedule %q): %w",
			jobID, job.Schedule, err)
	}

	s.mu.Lock()
	s.entries[jobID] = entry.ID()
	s.mu.Unlock()

	// Best-effort display hint; scheduling itself does not depend on it.
	if next, nerr := entry.NextRun(); nerr == nil && !next.IsZero() {
		if uerr := s.jobs.UpdateNextRun(context.Background(), jobID, &next); uerr != nil {
			s.logger.Warn("failed to record next run time",
				zap.Int64("job_id", jobID),
				zap.Error(uerr),
			)
		}
	}
	return nil
}

// Remove unregisters a job. Safe to call while running; removing an
// unscheduled job is a no-op.
func (s *Scheduler) Remove(jobID int64) {
	s.cron.RemoveByTags(strconv.FormatInt(jobID, 10))
	s.mu.Lock()
	delete(s.entries, jobID)
	s.mu.Unlock()
	s.logger.Info("job removed from scheduler", zap.Int64("job_id", jobID))
}

// Update reschedules a job after its expression or enabled state changed.
func (s *Scheduler) Update(job *db.Job) error {
	s.Remove(job.ID)
	if !job.Enabled {
		s.logger.Info("job disabled, removed from scheduler", zap.Int64("job_id", job.ID))
		return nil
	}
	return s.Add(job)
}

// NextFireTime returns the next scheduled tick for a job, if scheduled.
func (s *Scheduler) NextFireTime(jobID int64) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}

	for _, j := range s.cron.Jobs() {
		if j.ID() == entryID {
			next, err := j.NextRun()
			if err != nil || next.IsZero() {
				return time.Time{}, false
			}
			return next, true
		}
	}
	return time.Time{}, false
}
