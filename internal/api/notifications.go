package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/repositories"
)

// NotificationHandler lists emitted alerts and their delivery flags.
type NotificationHandler struct {
	repo   repositories.NotificationRepository
	logger *zap.Logger
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(repo repositories.NotificationRepository, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		repo:   repo,
		logger: logger.Named("notification_handler"),
	}
}

// notificationResponse is the JSON representation of a notification.
type notificationResponse struct {
	ID          int64  `json:"id"`
	JobID       int64  `json:"job_id"`
	BackupRunID int64  `json:"backup_run_id"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	EmailSent   bool   `json:"email_sent"`
	WebhookSent bool   `json:"webhook_sent"`
	SentAt      string `json:"sent_at"`
}

type listNotificationsResponse struct {
	Items []notificationResponse `json:"items"`
	Total int64                  `json:"total"`
}

func notificationToResponse(n *db.Notification) notificationResponse {
	return notificationResponse{
		ID:          n.ID,
		JobID:       n.JobID,
		BackupRunID: n.BackupRunID,
		Type:        n.Type,
		Severity:    n.Severity,
		Message:     n.Message,
		EmailSent:   n.EmailSent,
		WebhookSent: n.WebhookSent,
		SentAt:      n.SentAt.UTC().Format(time.RFC3339),
	}
}

// List handles GET /api/v1/notifications with an optional job_id filter.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	var (
		rows  []db.Notification
		total int64
		err   error
	)
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		id, perr := parseInt64(jobID)
		if perr != nil {
			ErrBadRequest(w, "invalid job_id: must be a positive integer")
			return
		}
		rows, total, err = h.repo.ListByJob(r.Context(), id, opts)
	} else {
		rows, total, err = h.repo.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]notificationResponse, len(rows))
	for i := range rows {
		items[i] = notificationToResponse(&rows[i])
	}
	Ok(w, listNotificationsResponse{Items: items, Total: total})
}
