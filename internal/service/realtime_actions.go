package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/gema-realtime/internal/dto"
)

var (
	// ErrUnknownAction is returned for envelopes naming an action with no handler.
	ErrUnknownAction = errors.New("unknown action")
	// ErrRateLimited is returned when a connection exceeds its inbound event budget.
	ErrRateLimited = errors.New("rate limited")
)

// Session identifies the connection an inbound envelope arrived on.
type Session struct {
	ConnectionID string
	UserID       string
	TenantID     string
}

// ActionHandler handles one inbound action. A nil event means no direct reply.
type ActionHandler func(ctx context.Context, session Session, envelope dto.InboundEnvelope) (*dto.OutboundEvent, error)

// ActionRouter maps the closed set of inbound actions to their handlers.
type ActionRouter struct {
	handlers map[dto.Action]ActionHandler
	channels ChannelService
	messages MessageService
	registry ConnectionRegistry
	presence PresenceTracker
	engine   BroadcastEngine
	now      func() time.Time
}

// NewActionRouter panics if any action in dto.Actions lacks a handler.
func NewActionRouter(channels ChannelService, messages MessageService, registry ConnectionRegistry, presence PresenceTracker, engine BroadcastEngine) *ActionRouter {
	r := &ActionRouter{
		channels: channels,
		messages: messages,
		registry: registry,
		presence: presence,
		engine:   engine,
		now:      func() time.Time { return time.Now().UTC() },
	}
	r.handlers = map[dto.Action]ActionHandler{
		dto.ActionSendMessage:  r.sendMessage,
		dto.ActionJoinChannel:  r.joinChannel,
		dto.ActionLeaveChannel: r.leaveChannel,
		dto.ActionTyping:       r.typing,
		dto.ActionMarkAsRead:   r.markAsRead,
		dto.ActionGetMessages:  r.getMessages,
		dto.ActionHeartbeat:    r.heartbeat,
	}
	for _, action := range dto.Actions() {
		if _, ok := r.handlers[action]; !ok {
			panic(fmt.Sprintf("realtime: no handler registered for action %q", action))
		}
	}
	return r
}

// Handles reports whether action has a registered handler.
func (r *ActionRouter) Handles(action dto.Action) bool {
	_, ok := r.handlers[action]
	return ok
}

// Dispatch runs the handler for envelope.Action.
func (r *ActionRouter) Dispatch(ctx context.Context, session Session, envelope dto.InboundEnvelope) (*dto.OutboundEvent, error) {
	handler, ok := r.handlers[envelope.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, envelope.Action)
	}
	return handler(ctx, session, envelope)
}

func (r *ActionRouter) sendMessage(ctx context.Context, session Session, envelope dto.InboundEnvelope) (*dto.OutboundEvent, error) {
	channelID, err := requireChannel(envelope)
	if err != nil {
		return nil, err
	}

	message, err := r.messages.Post(ctx, session.TenantID, session.UserID, channelID, dto.MessageCreateRequest{
		Content:     envelope.Content,
		MessageType: envelope.MessageType,
		ThreadID:    envelope.ThreadID,
		Attachments: envelope.Attachments,
	}, session.ConnectionID)
	if err != nil {
		return nil, err
	}

	event := dto.NewEvent(dto.EventMessageConfirmation, dto.MessageEvent{RequestID: envelope.RequestID, Message: message})
	return &event, nil
}

func (r *ActionRouter) joinChannel(ctx context.Context, session Session, envelope dto.InboundEnvelope) (*dto.OutboundEvent, error) {
	channelID, err := requireChannel(envelope)
	if err != nil {
		return nil, err
	}

	channel, err := r.channels.Join(ctx, session.TenantID, session.UserID, channelID, session.ConnectionID)
	if err != nil {
		return nil, err
	}

	event := dto.NewEvent(dto.EventChannelJoined, dto.ChannelMembershipEvent{
		RequestID:   envelope.RequestID,
		ChannelID:   channel.ChannelID,
		ChannelName: channel.Name,
		UserID:      session.UserID,
	})
	return &event, nil
}

func (r *ActionRouter) leaveChannel(ctx context.Context, session Session, envelope dto.InboundEnvelope) (*dto.OutboundEvent, error) {
	channelID, err := requireChannel(envelope)
	if err != nil {
		return nil, err
	}
	if err := r.channels.Leave(ctx, session.TenantID, session.UserID, channelID, session.ConnectionID); err != nil {
		return nil, err
	}

	event := dto.NewEvent(dto.EventChannelLeft, dto.ChannelMembershipEvent{
		RequestID: envelope.RequestID,
		ChannelID: channelID,
		UserID:    session.UserID,
	})
	return &event, nil
}

// typing is broadcast to everyone else on the channel; the sender gets no reply.
func (r *ActionRouter) typing(ctx context.Context, session Session, envelope dto.InboundEnvelope) (*dto.OutboundEvent, error) {
	channelID, err := requireChannel(envelope)
	if err != nil {
		return nil, err
	}
	channel, err := r.channels.RequireMember(ctx, session.TenantID, session.UserID, channelID)
	if err != nil {
		return nil, err
	}

	isTyping := true
	if envelope.IsTyping != nil {
		isTyping = *envelope.IsTyping
	}

	r.engine.ToChannel(ctx, channel.ID, dto.NewEvent(dto.EventTyping, dto.TypingEvent{
		ChannelID: channel.ID,
		UserID:    session.UserID,
		IsTyping:  isTyping,
	}), session.ConnectionID)
	return nil, nil
}

func (r *ActionRouter) markAsRead(ctx context.Context, session Session, envelope dto.InboundEnvelope) (*dto.OutboundEvent, error) {
	channelID, err := requireChannel(envelope)
	if err != nil {
		return nil, err
	}
	receipt, err := r.channels.MarkRead(ctx, session.TenantID, session.UserID, channelID)
	if err != nil {
		return nil, err
	}

	event := dto.NewEvent(dto.EventReadConfirmation, dto.ReadEvent{RequestID: envelope.RequestID, ReadReceipt: receipt})
	return &event, nil
}

func (r *ActionRouter) getMessages(ctx context.Context, session Session, envelope dto.InboundEnvelope) (*dto.OutboundEvent, error) {
	channelID, err := requireChannel(envelope)
	if err != nil {
		return nil, err
	}
	page, err := r.messages.Page(ctx, session.TenantID, session.UserID, channelID, dto.MessagePageQuery{
		Limit:  envelope.Limit,
		Cursor: envelope.Cursor,
	})
	if err != nil {
		return nil, err
	}

	event := dto.NewEvent(dto.EventMessages, dto.MessagesEvent{RequestID: envelope.RequestID, ChannelID: channelID, Page: page})
	return &event, nil
}

func (r *ActionRouter) heartbeat(ctx context.Context, session Session, envelope dto.InboundEnvelope) (*dto.OutboundEvent, error) {
	if _, err := r.registry.Heartbeat(ctx, session.ConnectionID); err != nil {
		return nil, err
	}
	if r.presence != nil {
		if err := r.presence.Heartbeat(ctx, session.TenantID, session.UserID); err != nil {
			return nil, err
		}
	}

	event := dto.NewEvent(dto.EventHeartbeatAck, dto.HeartbeatAckEvent{RequestID: envelope.RequestID, ServerTime: r.now()})
	return &event, nil
}

func requireChannel(envelope dto.InboundEnvelope) (string, error) {
	channelID := strings.TrimSpace(envelope.ChannelID)
	if channelID == "" {
		return "", validationError("channelId is required for %s", envelope.Action)
	}
	return channelID, nil
}

// ErrorCode maps a service error onto the code sent in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrDuplicateConnection):
		return "duplicate_connection"
	case errors.Is(err, ErrConnectionExpired):
		return "connection_expired"
	case errors.Is(err, ErrUnknownAction):
		return "unknown_action"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrDeliveryFailed), errors.Is(err, ErrProviderUnavailable):
		return "degraded"
	default:
		return "internal_error"
	}
}

// ErrorEvent builds the error event returned to the issuing connection.
func ErrorEvent(envelope dto.InboundEnvelope, err error) dto.OutboundEvent {
	message := err.Error()
	if ErrorCode(err) == "internal_error" {
		message = "internal error"
	}
	return dto.NewEvent(dto.EventError, dto.ErrorEvent{
		RequestID: envelope.RequestID,
		Action:    envelope.Action,
		Code:      ErrorCode(err),
		Message:   message,
	})
}

