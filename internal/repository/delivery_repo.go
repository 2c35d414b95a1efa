package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// DeliveryRepository keeps the per-channel delivery log for notifications.
type DeliveryRepository interface {
	Record(ctx context.Context, delivery *models.NotificationDelivery) error
	ListByNotification(ctx context.Context, notificationID string) ([]models.NotificationDelivery, error)
}

type deliveryRepository struct {
	db *gorm.DB
}

// NewDeliveryRepository constructs a delivery log repository backed by GORM.
func NewDeliveryRepository(db *gorm.DB) DeliveryRepository {
	return &deliveryRepository{db: db}
}

func (r *deliveryRepository) Record(ctx context.Context, delivery *models.NotificationDelivery) error {
	return r.db.WithContext(ctx).Create(delivery).Error
}

func (r *deliveryRepository) ListByNotification(ctx context.Context, notificationID string) ([]models.NotificationDelivery, error) {
	var deliveries []models.NotificationDelivery
	if err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("id ASC").
		Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}
