package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/coldvault/coldvault/internal/db"
)

// gormNotificationRepository is the GORM implementation of NotificationRepository.
type gormNotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository returns a NotificationRepository backed by the provided *gorm.DB.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &gormNotificationRepository{db: db}
}

// Create inserts a new notification record.
func (r *gormNotificationRepository) Create(ctx context.Context, notification *db.Notification) error {
	if err := r.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("notifications: create: %w", err)
	}
	return nil
}

// List returns a paginated list of notifications and the total count,
// newest first.
func (r *gormNotificationRepository) List(ctx context.Context, opts ListOptions) ([]db.Notification, int64, error) {
	var notifications []db.Notification
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Notification{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.limit()).
		Offset(opts.Offset).
		Order("sent_at DESC").
		Find(&notifications).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list: %w", err)
	}

	return notifications, total, nil
}

// ListByJob returns a paginated list of notifications for a given job,
// newest first.
func (r *gormNotificationRepository) ListByJob(ctx context.Context, jobID int64, opts ListOptions) ([]db.Notification, int64, error) {
	var notifications []db.Notification
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("job_id = ?", jobID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list by job count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(opts.limit()).
		Offset(opts.Offset).
		Order("sent_at DESC").
		Find(&notifications).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list by job: %w", err)
	}

	return notifications, total, nil
}

// MarkDelivered records which channels accepted the notification.
func (r *gormNotificationRepository) MarkDelivered(ctx context.Context, id int64, emailSent, webhookSent bool) error {
	result := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"email_sent":   emailSent,
			"webhook_sent": webhookSent,
		})
	if result.Error != nil {
		return fmt.Errorf("notifications: mark delivered: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
