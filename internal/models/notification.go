package models

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationStatus is the read state of a notification record.
type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

// Notification types emitted by the messaging pipeline.
const (
	NotificationTypeMention       = "mention"
	NotificationTypeDirectMessage = "direct_message"
)

// DeliveryChannel names an outbound notification channel.
type DeliveryChannel string

const (
	DeliveryInApp DeliveryChannel = "inApp"
	DeliveryEmail DeliveryChannel = "email"
	DeliveryPush  DeliveryChannel = "push"
	DeliverySMS   DeliveryChannel = "sms"
)

// DeliveryStatus records the final outcome of one channel attempt.
type DeliveryStatus string

const (
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
	DeliveryDegraded   DeliveryStatus = "degraded"
)

// Notification is persisted before any delivery is attempted.
type Notification struct {
	ID        string             `gorm:"primaryKey;size:64" json:"notificationId"`
	UserID    string             `gorm:"size:64;not null;index:idx_notifications_user,priority:2" json:"userId"`
	TenantID  string             `gorm:"size:64;not null;index:idx_notifications_user,priority:1" json:"tenantId"`
	Type      string             `gorm:"size:64;not null" json:"type"`
	Title     string             `gorm:"size:255" json:"title"`
	Body      string             `gorm:"type:text" json:"body"`
	Data      datatypes.JSONMap  `gorm:"type:json" json:"data"`
	Status    NotificationStatus `gorm:"size:16;not null;index" json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	ReadAt    *time.Time         `json:"readAt,omitempty"`
}

// NotificationPreference controls which channels a user receives notifications on.
type NotificationPreference struct {
	UserID       string    `gorm:"primaryKey;size:64" json:"userId"`
	TenantID     string    `gorm:"primaryKey;size:64" json:"tenantId"`
	EmailEnabled bool      `gorm:"not null" json:"emailEnabled"`
	PushEnabled  bool      `gorm:"not null" json:"pushEnabled"`
	SMSEnabled   bool      `gorm:"not null" json:"smsEnabled"`
	InAppEnabled bool      `gorm:"not null" json:"inAppEnabled"`
	Email        string    `gorm:"size:255" json:"email,omitempty"`
	Phone        string    `gorm:"size:32" json:"phone,omitempty"`
	DeviceToken  string    `gorm:"size:512" json:"deviceToken,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DefaultNotificationPreference returns the preferences applied when a user has none stored.
func DefaultNotificationPreference(userID, tenantID string) NotificationPreference {
	return NotificationPreference{
		UserID:       userID,
		TenantID:     tenantID,
		EmailEnabled: true,
		InAppEnabled: true,
	}
}

// EnabledChannels lists enabled channels in a stable order.
func (p NotificationPreference) EnabledChannels() []DeliveryChannel {
	channels := make([]DeliveryChannel, 0, 4)
	if p.InAppEnabled {
		channels = append(channels, DeliveryInApp)
	}
	if p.EmailEnabled {
		channels = append(channels, DeliveryEmail)
	}
	if p.PushEnabled {
		channels = append(channels, DeliveryPush)
	}
	if p.SMSEnabled {
		channels = append(channels, DeliverySMS)
	}
	return channels
}

// NotificationDelivery logs the outcome of delivering a notification on one channel.
type NotificationDelivery struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	NotificationID string          `gorm:"size:64;not null;index" json:"notificationId"`
	TenantID       string          `gorm:"size:64;not null" json:"tenantId"`
	UserID         string          `gorm:"size:64;not null" json:"userId"`
	Channel        DeliveryChannel `gorm:"size:16;not null" json:"channel"`
	Status         DeliveryStatus  `gorm:"size:16;not null;index" json:"status"`
	Attempts       int             `gorm:"not null" json:"attempts"`
	Error          string          `gorm:"type:text" json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}
