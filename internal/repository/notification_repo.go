package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// NotificationRepository handles persistence for notification entities.
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	ListByUser(ctx context.Context, tenantID, userID string, status models.NotificationStatus, limit, offset int) ([]models.Notification, error)
	MarkRead(ctx context.Context, tenantID, userID, id string, at time.Time) (models.Notification, error)
	FindByID(ctx context.Context, id string) (models.Notification, error)
}

type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository constructs a repository backed by GORM.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, notification *models.Notification) error {
	return translateError(r.db.WithContext(ctx).Create(notification).Error)
}

func (r *notificationRepository) ListByUser(ctx context.Context, tenantID, userID string, status models.NotificationStatus, limit, offset int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := r.db.WithContext(ctx).Where("tenant_id = ? AND user_id = ?", tenantID, userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var notifications []models.Notification
	if err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&notifications).Error; err != nil {
		return nil, err
	}

	return notifications, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, tenantID, userID, id string, at time.Time) (models.Notification, error) {
	var notification models.Notification
	if err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND user_id = ?", id, tenantID, userID).
		First(&notification).Error; err != nil {
		return models.Notification{}, translateError(err)
	}

	if notification.Status == models.NotificationRead {
		return notification, nil
	}

	readAt := at.UTC()
	if err := r.db.WithContext(ctx).
		Model(&notification).
		Updates(map[string]interface{}{"status": models.NotificationRead, "read_at": readAt}).Error; err != nil {
		return models.Notification{}, err
	}
	notification.Status = models.NotificationRead
	notification.ReadAt = &readAt

	return notification, nil
}

func (r *notificationRepository) FindByID(ctx context.Context, id string) (models.Notification, error) {
	var notification models.Notification
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&notification).Error; err != nil {
		return models.Notification{}, translateError(err)
	}
	return notification, nil
}
