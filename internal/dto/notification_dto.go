package dto

import (
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// NotificationSendRequest describes a notification addressed to a user.
type NotificationSendRequest struct {
	UserID string                 `json:"userId" validate:"required,max=64"`
	Type   string                 `json:"type" validate:"required,max=64"`
	Title  string                 `json:"title" validate:"required,min=1,max=255"`
	Body   string                 `json:"body" validate:"max=4000"`
	Data   map[string]interface{} `json:"data"`
}

// NotificationListQuery filters the notification list.
type NotificationListQuery struct {
	Status string `query:"status" validate:"omitempty,oneof=unread read"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=100"`
	Offset int    `query:"offset" validate:"omitempty,min=0"`
}

// NotificationResponse represents notification data returned to clients.
type NotificationResponse struct {
	NotificationID string                    `json:"notificationId"`
	UserID         string                    `json:"userId"`
	TenantID       string                    `json:"tenantId"`
	Type           string                    `json:"type"`
	Title          string                    `json:"title"`
	Body           string                    `json:"body"`
	Data           map[string]interface{}    `json:"data"`
	Status         models.NotificationStatus `json:"status"`
	CreatedAt      time.Time                 `json:"createdAt"`
	ReadAt         *time.Time                `json:"readAt,omitempty"`
}

// NewNotificationResponse converts a notification model to DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	data := map[string]interface{}(model.Data)
	if data == nil {
		data = map[string]interface{}{}
	}
	return NotificationResponse{
		NotificationID: model.ID,
		UserID:         model.UserID,
		TenantID:       model.TenantID,
		Type:           model.Type,
		Title:          model.Title,
		Body:           model.Body,
		Data:           data,
		Status:         model.Status,
		CreatedAt:      model.CreatedAt,
		ReadAt:         model.ReadAt,
	}
}

// NewNotificationResponseSlice converts notifications into DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

// ChannelOutcome is the result of delivering on a single channel.
type ChannelOutcome struct {
	Channel   models.DeliveryChannel `json:"channel"`
	Succeeded bool                   `json:"succeeded"`
	Attempts  int                    `json:"attempts"`
	Degraded  bool                   `json:"degraded,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// DispatchResult aggregates per-channel outcomes for one notification.
type DispatchResult struct {
	Notification NotificationResponse `json:"notification"`
	Outcomes     []ChannelOutcome     `json:"outcomes"`
	Succeeded    bool                 `json:"succeeded"`
}

// Degraded reports whether every failed channel failed because its provider was unavailable.
func (r DispatchResult) Degraded() bool {
	failed := 0
	for _, outcome := range r.Outcomes {
		if outcome.Succeeded {
			continue
		}
		failed++
		if !outcome.Degraded {
			return false
		}
	}
	return failed > 0
}

// PreferenceUpdateRequest changes a user's delivery preferences. Nil toggles are left untouched.
type PreferenceUpdateRequest struct {
	EmailEnabled *bool   `json:"emailEnabled"`
	PushEnabled  *bool   `json:"pushEnabled"`
	SMSEnabled   *bool   `json:"smsEnabled"`
	InAppEnabled *bool   `json:"inAppEnabled"`
	Email        *string `json:"email" validate:"omitempty,email,max=255"`
	Phone        *string `json:"phone" validate:"omitempty,e164"`
	DeviceToken  *string `json:"deviceToken" validate:"omitempty,max=512"`
}

// PreferenceResponse serializes notification preferences.
type PreferenceResponse struct {
	UserID       string `json:"userId"`
	TenantID     string `json:"tenantId"`
	EmailEnabled bool   `json:"emailEnabled"`
	PushEnabled  bool   `json:"pushEnabled"`
	SMSEnabled   bool   `json:"smsEnabled"`
	InAppEnabled bool   `json:"inAppEnabled"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	DeviceToken  string `json:"deviceToken,omitempty"`
}

// NewPreferenceResponse converts preferences into a DTO.
func NewPreferenceResponse(pref models.NotificationPreference) PreferenceResponse {
	return PreferenceResponse{
		UserID:       pref.UserID,
		TenantID:     pref.TenantID,
		EmailEnabled: pref.EmailEnabled,
		PushEnabled:  pref.PushEnabled,
		SMSEnabled:   pref.SMSEnabled,
		InAppEnabled: pref.InAppEnabled,
		Email:        pref.Email,
		Phone:        pref.Phone,
		DeviceToken:  pref.DeviceToken,
	}
}
