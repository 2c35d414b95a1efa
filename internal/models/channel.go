package models

import "time"

// ChannelType enumerates the supported channel kinds.
type ChannelType string

const (
	ChannelTypePublic         ChannelType = "public"
	ChannelTypePrivate        ChannelType = "private"
	ChannelTypeDirectMessage  ChannelType = "directMessage"
	ChannelTypeDocumentScoped ChannelType = "documentScoped"
)

// Valid reports whether the channel type is one of the known kinds.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelTypePublic, ChannelTypePrivate, ChannelTypeDirectMessage, ChannelTypeDocumentScoped:
		return true
	}
	return false
}

// MembersOnly reports whether reads on the channel are restricted to members.
func (t ChannelType) MembersOnly() bool {
	return t != ChannelTypePublic
}

// ChannelSettings toggles per-channel capabilities.
type ChannelSettings struct {
	AllowFiles     bool `gorm:"not null" json:"allowFiles"`
	AllowReactions bool `gorm:"not null" json:"allowReactions"`
	AllowThreads   bool `gorm:"not null" json:"allowThreads"`
}

// Channel is a tenant-scoped conversation space. Channels are never deleted, only deactivated.
type Channel struct {
	ID           string          `gorm:"primaryKey;size:64" json:"channelId"`
	TenantID     string          `gorm:"size:64;index;not null" json:"tenantId"`
	Name         string          `gorm:"size:128;not null" json:"name"`
	Description  string          `gorm:"type:text" json:"description"`
	Type         ChannelType     `gorm:"size:32;not null" json:"channelType"`
	Settings     ChannelSettings `gorm:"embedded;embeddedPrefix:setting_" json:"settings"`
	CreatedBy    string          `gorm:"size:64;not null" json:"createdBy"`
	Active       bool            `gorm:"not null;index" json:"active"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActivity time.Time       `gorm:"index" json:"lastActivity"`
	Members      []ChannelMember `gorm:"foreignKey:ChannelID;references:ID" json:"members,omitempty"`
}

// MemberIDs returns the user ids of the loaded members.
func (c Channel) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, member := range c.Members {
		ids = append(ids, member.UserID)
	}
	return ids
}

// HasMember reports whether the user is among the loaded members.
func (c Channel) HasMember(userID string) bool {
	for _, member := range c.Members {
		if member.UserID == userID {
			return true
		}
	}
	return false
}

// ChannelMember is a single membership row. The composite key makes joins a set-add.
type ChannelMember struct {
	ChannelID  string     `gorm:"primaryKey;size:64" json:"channelId"`
	UserID     string     `gorm:"primaryKey;size:64;index" json:"userId"`
	TenantID   string     `gorm:"size:64;index;not null" json:"tenantId"`
	JoinedAt   time.Time  `json:"joinedAt"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// ChannelSummary annotates a channel with per-user activity data.
type ChannelSummary struct {
	Channel     Channel
	UnreadCount int64
}
