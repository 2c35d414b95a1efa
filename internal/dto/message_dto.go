package dto

import (
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// MessageCreateRequest is the payload for appending a message to a channel.
type MessageCreateRequest struct {
	Content     string              `json:"content" validate:"max=8000"`
	MessageType string              `json:"messageType" validate:"omitempty,oneof=text file image"`
	ThreadID    *string             `json:"threadId" validate:"omitempty,max=64"`
	Attachments []models.Attachment `json:"attachments" validate:"omitempty,max=10"`
}

// MessageUpdateRequest replaces the content of a message.
type MessageUpdateRequest struct {
	Content string `json:"content" validate:"required,min=1,max=8000"`
}

// ReactionRequest adds an emoji reaction.
type ReactionRequest struct {
	Emoji string `json:"emoji" validate:"required,min=1,max=64"`
}

// MessagePageQuery selects a page of channel history.
type MessagePageQuery struct {
	Limit  int    `query:"limit" validate:"omitempty,min=1"`
	Cursor string `query:"cursor" validate:"omitempty,max=256"`
}

// MessageResponse is the serialized representation of a message.
type MessageResponse struct {
	MessageID   string              `json:"messageId"`
	ChannelID   string              `json:"channelId"`
	TenantID    string              `json:"tenantId"`
	UserID      string              `json:"userId"`
	Content     string              `json:"content"`
	MessageType models.MessageType  `json:"messageType"`
	Timestamp   time.Time           `json:"timestamp"`
	ThreadID    *string             `json:"threadId,omitempty"`
	Attachments []models.Attachment `json:"attachments"`
	Reactions   map[string][]string `json:"reactions"`
	Mentions    []string            `json:"mentions"`
	Edited      bool                `json:"edited"`
	Revision    int                 `json:"revision"`
	Deleted     bool                `json:"deleted"`
}

// NewMessageResponse converts a model into a DTO showing its latest revision. Deleted messages
// keep their slot but lose content.
func NewMessageResponse(message models.Message) MessageResponse {
	attachments := []models.Attachment(message.Attachments)
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	content, mentions := message.Current()
	if mentions == nil {
		mentions = []string{}
	}

	if message.Deleted {
		content = ""
		attachments = []models.Attachment{}
	}

	return MessageResponse{
		MessageID:   message.ID,
		ChannelID:   message.ChannelID,
		TenantID:    message.TenantID,
		UserID:      message.UserID,
		Content:     content,
		MessageType: message.Type,
		Timestamp:   message.Timestamp,
		ThreadID:    message.ThreadID,
		Attachments: attachments,
		Reactions:   message.ReactionMap(),
		Mentions:    mentions,
		Edited:      message.Edited,
		Revision:    len(message.Revisions),
		Deleted:     message.Deleted,
	}
}

// NewMessageResponseSlice converts a slice of models into DTOs.
func NewMessageResponseSlice(messages []models.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewMessageResponse(message))
	}
	return out
}

// MessagePage is one page of chronologically ordered history.
type MessagePage struct {
	Messages []MessageResponse `json:"messages"`
	Cursor   string            `json:"cursor,omitempty"`
	HasMore  bool              `json:"hasMore"`
}
