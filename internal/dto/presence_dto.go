package dto

import (
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// PresenceUpdateRequest sets the caller's status.
type PresenceUpdateRequest struct {
	Status       string `json:"status" validate:"required,oneof=online away busy offline"`
	ConnectionID string `json:"connectionId" validate:"omitempty,max=64"`
}

// PresenceResponse describes one user's presence.
type PresenceResponse struct {
	UserID            string                `json:"userId"`
	Status            models.PresenceStatus `json:"status"`
	LastSeen          time.Time             `json:"lastSeen"`
	ActiveConnections int64                 `json:"activeConnectionCount"`
}

// NewPresenceResponse converts a record into a DTO.
func NewPresenceResponse(record models.PresenceRecord) PresenceResponse {
	return PresenceResponse{
		UserID:            record.UserID,
		Status:            record.Status,
		LastSeen:          record.LastSeen,
		ActiveConnections: record.ActiveConnections,
	}
}

// PresenceEntry is a snapshot value keyed by user id.
type PresenceEntry struct {
	Status   models.PresenceStatus `json:"status"`
	LastSeen time.Time             `json:"lastSeen"`
}

// NewPresenceSnapshot converts tenant presence into the snapshot map.
func NewPresenceSnapshot(records map[string]models.PresenceRecord) map[string]PresenceEntry {
	out := make(map[string]PresenceEntry, len(records))
	for userID, record := range records {
		out[userID] = PresenceEntry{Status: record.Status, LastSeen: record.LastSeen}
	}
	return out
}
