package models

import (
	"time"

	"gorm.io/datatypes"
)

// MessageType enumerates message payload kinds.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether the message type is known.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeFile, MessageTypeImage, MessageTypeSystem:
		return true
	}
	return false
}

// Attachment describes a file referenced by a message. Bytes live elsewhere.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is an entry in a channel's append-only log.
type Message struct {
	ID          string                          `gorm:"primaryKey;size:64" json:"messageId"`
	ChannelID   string                          `gorm:"size:64;not null;index:idx_messages_channel_ts,priority:1" json:"channelId"`
	TenantID    string                          `gorm:"size:64;not null;index" json:"tenantId"`
	UserID      string                          `gorm:"size:64;not null;index" json:"userId"`
	Content     string                          `gorm:"type:text" json:"content"`
	Type        MessageType                     `gorm:"size:16;not null" json:"messageType"`
	ThreadID    *string                         `gorm:"size:64;index" json:"threadId,omitempty"`
	Attachments datatypes.JSONSlice[Attachment] `gorm:"type:json" json:"attachments"`
	Mentions    datatypes.JSONSlice[string]     `gorm:"type:json" json:"mentions"`
	Edited      bool                            `gorm:"not null" json:"edited"`
	Deleted     bool                            `gorm:"not null" json:"deleted"`
	Timestamp   time.Time                       `gorm:"column:sent_at;not null;index:idx_messages_channel_ts,priority:2" json:"timestamp"`
	UpdatedAt   time.Time                       `json:"updatedAt"`
	Reactions   []MessageReaction               `gorm:"foreignKey:MessageID;references:ID" json:"-"`
	Revisions   []MessageRevision               `gorm:"foreignKey:MessageID;references:ID" json:"-"`
}

// Current returns the text and mentions of the newest revision, or the original ones.
func (m Message) Current() (string, []string) {
	if len(m.Revisions) == 0 {
		return m.Content, []string(m.Mentions)
	}
	latest := m.Revisions[0]
	for _, revision := range m.Revisions[1:] {
		if revision.Revision > latest.Revision {
			latest = revision
		}
	}
	return latest.Content, []string(latest.Mentions)
}

// ReactionMap groups reaction rows by emoji, preserving insertion order per emoji.
func (m Message) ReactionMap() map[string][]string {
	out := make(map[string][]string)
	for _, reaction := range m.Reactions {
		out[reaction.Emoji] = append(out[reaction.Emoji], reaction.UserID)
	}
	return out
}

// MessageReaction is one user's reaction. The composite key makes repeated adds a no-op.
type MessageReaction struct {
	MessageID string    `gorm:"primaryKey;size:64" json:"messageId"`
	Emoji     string    `gorm:"primaryKey;size:64" json:"emoji"`
	UserID    string    `gorm:"primaryKey;size:64" json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageRevision is an edit layered over a message. The message row keeps its original text.
type MessageRevision struct {
	MessageID string                      `gorm:"primaryKey;size:64" json:"messageId"`
	Revision  int                         `gorm:"primaryKey;autoIncrement:false" json:"revision"`
	Content   string                      `gorm:"type:text" json:"content"`
	Mentions  datatypes.JSONSlice[string] `gorm:"type:json" json:"mentions"`
	CreatedAt time.Time                   `json:"createdAt"`
}
