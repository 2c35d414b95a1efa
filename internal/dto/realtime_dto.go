package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// Action names an inbound client command.
type Action string

const (
	ActionSendMessage  Action = "sendMessage"
	ActionJoinChannel  Action = "joinChannel"
	ActionLeaveChannel Action = "leaveChannel"
	ActionTyping       Action = "typing"
	ActionMarkAsRead   Action = "markAsRead"
	ActionGetMessages  Action = "getMessages"
	ActionHeartbeat    Action = "heartbeat"
)

// Actions returns every inbound action. Each must have a registered handler.
func Actions() []Action {
	return []Action{
		ActionSendMessage,
		ActionJoinChannel,
		ActionLeaveChannel,
		ActionTyping,
		ActionMarkAsRead,
		ActionGetMessages,
		ActionHeartbeat,
	}
}

// InboundEnvelope is a single client command received over the websocket.
type InboundEnvelope struct {
	Action      Action              `json:"action"`
	RequestID   string              `json:"requestId,omitempty"`
	ChannelID   string              `json:"channelId,omitempty"`
	Content     string              `json:"content,omitempty"`
	MessageType string              `json:"messageType,omitempty"`
	ThreadID    *string             `json:"threadId,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	IsTyping    *bool               `json:"isTyping,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
	Cursor      string              `json:"cursor,omitempty"`
}

// EventType names an outbound event pushed to connections.
type EventType string

const (
	EventMessage             EventType = "message"
	EventChannelJoined       EventType = "channelJoined"
	EventChannelLeft         EventType = "channelLeft"
	EventTyping              EventType = "typing"
	EventPresenceUpdate      EventType = "presenceUpdate"
	EventMessageConfirmation EventType = "messageConfirmation"
	EventMessageUpdated      EventType = "messageUpdated"
	EventMessages            EventType = "messages"
	EventReadConfirmation    EventType = "readConfirmation"
	EventReaction            EventType = "reaction"
	EventNotification        EventType = "notification"
	EventHeartbeatAck        EventType = "heartbeatAck"
	EventError               EventType = "error"
)

// OutboundEvent is serialized as the payload's fields plus a "type" discriminator.
type OutboundEvent struct {
	Type    EventType
	Payload interface{}
}

// NewEvent pairs an event type with its payload.
func NewEvent(eventType EventType, payload interface{}) OutboundEvent {
	return OutboundEvent{Type: eventType, Payload: payload}
}

// MarshalJSON flattens the payload object and injects the type field.
func (e OutboundEvent) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}

	typeRaw, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeRaw

	return json.Marshal(fields)
}

// MessageEvent carries a message for message, messageUpdated and messageConfirmation events.
type MessageEvent struct {
	RequestID string          `json:"requestId,omitempty"`
	Message   MessageResponse `json:"message"`
}

// MessagesEvent answers getMessages.
type MessagesEvent struct {
	RequestID string      `json:"requestId,omitempty"`
	ChannelID string      `json:"channelId"`
	Page      MessagePage `json:"page"`
}

// TypingEvent signals a user started or stopped typing.
type TypingEvent struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
}

// ChannelMembershipEvent is used for channelJoined and channelLeft.
type ChannelMembershipEvent struct {
	RequestID   string `json:"requestId,omitempty"`
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName,omitempty"`
	UserID      string `json:"userId"`
}

// PresenceEvent announces a presence change to the tenant.
type PresenceEvent struct {
	UserID   string                `json:"userId"`
	Status   models.PresenceStatus `json:"status"`
	LastSeen time.Time             `json:"lastSeen"`
}

// ReadEvent confirms a markAsRead.
type ReadEvent struct {
	RequestID string `json:"requestId,omitempty"`
	ReadReceipt
}

// ReactionEvent announces a reaction change.
type ReactionEvent struct {
	ChannelID string              `json:"channelId"`
	MessageID string              `json:"messageId"`
	Emoji     string              `json:"emoji"`
	UserID    string              `json:"userId"`
	Reactions map[string][]string `json:"reactions"`
}

// NotificationEvent delivers an in-app notification.
type NotificationEvent struct {
	Notification NotificationResponse `json:"notification"`
}

// HeartbeatAckEvent acknowledges a heartbeat.
type HeartbeatAckEvent struct {
	RequestID  string    `json:"requestId,omitempty"`
	ServerTime time.Time `json:"serverTime"`
}

// ErrorEvent reports a failed action to the issuing connection only.
type ErrorEvent struct {
	RequestID string `json:"requestId,omitempty"`
	Action    Action `json:"action,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
