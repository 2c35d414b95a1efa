package models

import "time"

// Connection is a live client connection. It lives in the shared key-value store, not the database.
type Connection struct {
	ID                 string    `json:"connectionId"`
	UserID             string    `json:"userId"`
	TenantID           string    `json:"tenantId"`
	NodeID             string    `json:"nodeId"`
	ConnectedAt        time.Time `json:"connectedAt"`
	LastHeartbeat      time.Time `json:"lastHeartbeat"`
	SubscribedChannels []string  `json:"subscribedChannels"`
}

// PresenceStatus is a user's availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether the status is known.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// PresenceRecord is the derived presence state for one user within a tenant.
type PresenceRecord struct {
	UserID            string         `json:"userId"`
	TenantID          string         `json:"tenantId"`
	Status            PresenceStatus `json:"status"`
	LastSeen          time.Time      `json:"lastSeen"`
	ActiveConnections int64          `json:"activeConnectionCount"`
}

// All returns every model persisted through GORM, in migration order.
func All() []interface{} {
	return []interface{}{
		&Channel{},
		&ChannelMember{},
		&Message{},
		&MessageReaction{},
		&MessageRevision{},
		&Notification{},
		&NotificationPreference{},
		&NotificationDelivery{},
	}
}
