package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/metrics"
	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/reconcile"
	"github.com/coldvault/coldvault/internal/repositories"
	"github.com/coldvault/coldvault/internal/restore"
)

// RunTrigger is the worker surface the API needs: enqueue a manual run and
// cancel one.
type RunTrigger interface {
	Trigger(ctx context.Context, jobID int64, manual bool) (int64, error)
	Cancel(ctx context.Context, runID int64) error
}

// ScheduleRegistry keeps the scheduler in step with job mutations.
type ScheduleRegistry interface {
	Add(job *db.Job) error
	Update(job *db.Job) error
	Remove(jobID int64)
}

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Logger *zap.Logger

	Jobs          repositories.JobRepository
	Runs          repositories.RunRepository
	Snapshots     repositories.SnapshotRepository
	Notifications repositories.NotificationRepository

	Worker     RunTrigger
	Scheduler  ScheduleRegistry
	Store      objectstore.Store
	Reconciler *reconcile.Reconciler
	Restorer   *restore.Restorer
	Recorder   *metrics.Recorder

	// Health reports readiness, typically the database ping.
	Health func(ctx context.Context) error
}

// NewRouter builds and returns the fully configured Chi router. All
// resources live under /api/v1; /healthz and the Prometheus /metrics
// endpoint sit at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	jobHandler := NewJobHandler(cfg.Jobs, cfg.Scheduler, cfg.Logger)
	runHandler := NewRunHandler(cfg.Runs, cfg.Jobs, cfg.Snapshots, cfg.Worker, cfg.Store, cfg.Logger)
	snapshotHandler := NewSnapshotHandler(cfg.Snapshots, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Logger)
	syncHandler := NewSyncHandler(cfg.Reconciler, cfg.Logger)
	restoreHandler := NewRestoreHandler(cfg.Restorer, cfg.Logger)
	storageHandler := NewStorageHandler(cfg.Recorder, cfg.Logger)
	logHandler := NewLogHandler(cfg.Runs, cfg.Logger)

	r.Get("/healthz", healthHandler(cfg.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Jobs
		r.Get("/jobs", jobHandler.List)
		r.Post("/jobs", jobHandler.Create)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Patch("/jobs/{id}", jobHandler.Update)
		r.Delete("/jobs/{id}", jobHandler.Delete)
		r.Post("/jobs/{id}/trigger", runHandler.Trigger)
		r.Post("/jobs/{id}/sync", syncHandler.Sync)

		// Runs
		r.Get("/runs", runHandler.List)
		r.Get("/runs/{id}", runHandler.GetByID)
		r.Post("/runs/{id}/cancel", runHandler.Cancel)
		r.Get("/runs/{id}/verify", runHandler.Verify)
		r.Get("/runs/{id}/logs", logHandler.Fetch)
		r.Get("/runs/{id}/logs/stream", logHandler.Stream)

		// Snapshots
		r.Get("/snapshots", snapshotHandler.List)
		r.Get("/snapshots/{id}", snapshotHandler.GetByID)

		// Restore
		r.Post("/restore", restoreHandler.Restore)

		// Storage metrics
		r.Get("/storage/metrics", storageHandler.History)
		r.Get("/storage/projection", storageHandler.Projection)

		// Notifications
		r.Get("/notifications", notificationHandler.List)
	})

	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				errJSON(w, http.StatusServiceUnavailable, "unhealthy", "unavailable")
				return
			}
		}
		Ok(w, envelope{"status": "ok"})
	}
}
