// Package notification persists run alerts and fans them out to the
// configured delivery channels (SMTP, webhook). Channels are optional; an
// unset config disables the channel silently.
package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/repositories"
)

// Service is the single entry point for emitting notifications. Callers use
// the typed methods so message content stays consistent across the codebase.
type Service interface {
	// NotifyRunFailed records a failure alert for the given run.
	NotifyRunFailed(ctx context.Context, jobID, runID int64, jobName, errMsg string)

	// NotifyRunSucceeded records a success alert. Only emitted when
	// success notifications are enabled in the config.
	NotifyRunSucceeded(ctx context.Context, jobID, runID int64, jobName string, sizeBytes int64, filesCount int)
}

// SMTPConfig configures the email channel. An empty Host disables it.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	TLS      bool
}

// WebhookConfig configures the webhook channel. An empty URL disables it.
type WebhookConfig struct {
	URL    string
	Secret string
}

// Config holds the dependencies and channel settings for the Service.
type Config struct {
	Repo            repositories.NotificationRepository
	SMTP            SMTPConfig
	Webhook         WebhookConfig
	NotifyOnSuccess bool
	Logger          *zap.Logger
}

type service struct {
	repo            repositories.NotificationRepository
	email           *emailSender
	webhook         *webhookSender
	notifyOnSuccess bool
	logger          *zap.Logger
}

// NewService creates a notification Service with the senders wired from the
// static channel configs.
func NewService(cfg Config) Service {
	return &service{
		repo:            cfg.Repo,
		email:           newEmailSender(cfg.SMTP),
		webhook:         newWebhookSender(cfg.Webhook),
		notifyOnSuccess: cfg.NotifyOnSuccess,
		logger:          cfg.Logger.Named("notification"),
	}
}

func (s *service) NotifyRunFailed(ctx context.Context, jobID, runID int64, jobName, errMsg string) {
	s.notify(ctx, event{
		jobID:    jobID,
		runID:    runID,
		kind:     "backup_failure",
		severity: "error",
		title:    fmt.Sprintf("Backup failed: %s", jobName),
		body:     fmt.Sprintf("Job %q failed at %s: %s", jobName, time.Now().UTC().Format(time.RFC3339), errMsg),
	})
}

func (s *service) NotifyRunSucceeded(ctx context.Context, jobID, runID int64, jobName string, sizeBytes int64, filesCount int) {
	if !s.notifyOnSuccess {
		return
	}
	s.notify(ctx, event{
		jobID:    jobID,
		runID:    runID,
		kind:     "backup_success",
		severity: "info",
		title:    fmt.Sprintf("Backup completed: %s", jobName),
		body: fmt.Sprintf("Job %q completed at %s: %d files, %d bytes uploaded.",
			jobName, time.Now().UTC().Format(time.RFC3339), filesCount, sizeBytes),
	})
}

// event carries one notification before fan-out.
type event struct {
	jobID    int64
	runID    int64
	kind     string
	severity string
	title    string
	body     string
}

// notify persists the row, then attempts each channel. Channel errors are
// logged, not propagated; the saved row records what was delivered.
func (s *service) notify(ctx context.Context, ev event) {
	n := &db.Notification{
		SentAt:      time.Now().UTC(),
		JobID:       ev.jobID,
		BackupRunID: ev.runID,
		Type:        ev.kind,
		Severity:    ev.severity,
		Message:     ev.body,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		s.logger.Error("failed to persist notification",
			zap.String("type", ev.kind),
			zap.Int64("job_id", ev.jobID),
			zap.Error(err),
		)
		return
	}

	emailSent := false
	if err := s.email.Send(ctx, ev.title, ev.body); err != nil {
		s.logger.Warn("email delivery failed",
			zap.String("type", ev.kind),
			zap.Error(err),
		)
	} else if s.email.enabled() {
		emailSent = true
	}

	webhookSent := false
	if err := s.webhook.Send(ctx, ev.kind, ev.title, ev.body, map[string]any{
		"job_id": ev.jobID,
		"run_id": ev.runID,
	}); err != nil {
		s.logger.Warn("webhook delivery failed",
			zap.String("type", ev.kind),
			zap.Error(err),
		)
	} else if s.webhook.enabled() {
		webhookSent = true
	}

	if emailSent || webhookSent {
		if err := s.repo.MarkDelivered(ctx, n.ID, emailSent, webhookSent); err != nil {
			s.logger.Warn("failed to record delivery flags", zap.Error(err))
		}
	}
}
