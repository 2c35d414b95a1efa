package dto

import (
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// ChannelSettingsRequest lets callers override individual channel capabilities.
type ChannelSettingsRequest struct {
	AllowFiles     *bool `json:"allowFiles"`
	AllowReactions *bool `json:"allowReactions"`
	AllowThreads   *bool `json:"allowThreads"`
}

// ChannelCreateRequest describes a new channel. ChannelID is optional and generated when empty.
type ChannelCreateRequest struct {
	ChannelID   string                  `json:"channelId" validate:"omitempty,min=1,max=64"`
	Name        string                  `json:"name" validate:"required,min=1,max=128"`
	Description string                  `json:"description" validate:"max=2000"`
	ChannelType string                  `json:"channelType" validate:"omitempty,oneof=public private directMessage documentScoped"`
	Members     []string                `json:"members" validate:"omitempty,max=500,dive,required,max=64"`
	Settings    *ChannelSettingsRequest `json:"settings"`
}

// ChannelAddMemberRequest adds a user to a channel.
type ChannelAddMemberRequest struct {
	UserID string `json:"userId" validate:"required,max=64"`
}

// ChannelResponse is the serialized representation of a channel.
type ChannelResponse struct {
	ChannelID    string                 `json:"channelId"`
	TenantID     string                 `json:"tenantId"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	ChannelType  models.ChannelType     `json:"channelType"`
	Members      []string               `json:"members"`
	Settings     models.ChannelSettings `json:"settings"`
	CreatedBy    string                 `json:"createdBy"`
	CreatedAt    time.Time              `json:"createdAt"`
	LastActivity time.Time              `json:"lastActivity"`
	Active       bool                   `json:"active"`
	UnreadCount  *int64                 `json:"unreadCount,omitempty"`
}

// NewChannelResponse converts a model into a DTO.
func NewChannelResponse(channel models.Channel) ChannelResponse {
	return ChannelResponse{
		ChannelID:    channel.ID,
		TenantID:     channel.TenantID,
		Name:         channel.Name,
		Description:  channel.Description,
		ChannelType:  channel.Type,
		Members:      channel.MemberIDs(),
		Settings:     channel.Settings,
		CreatedBy:    channel.CreatedBy,
		CreatedAt:    channel.CreatedAt,
		LastActivity: channel.LastActivity,
		Active:       channel.Active,
	}
}

// NewChannelSummaryResponses converts annotated channels into DTOs.
func NewChannelSummaryResponses(summaries []models.ChannelSummary) []ChannelResponse {
	out := make([]ChannelResponse, 0, len(summaries))
	for _, summary := range summaries {
		response := NewChannelResponse(summary.Channel)
		unread := summary.UnreadCount
		response.UnreadCount = &unread
		out = append(out, response)
	}
	return out
}

// ReadReceipt confirms a read marker update.
type ReadReceipt struct {
	ChannelID  string    `json:"channelId"`
	UserID     string    `json:"userId"`
	LastReadAt time.Time `json:"lastReadAt"`
}
