package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
	systemUserID     = "system"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// NotificationSender is the part of the dispatcher used by the message pipeline.
type NotificationSender interface {
	Send(ctx context.Context, tenantID string, req dto.NotificationSendRequest) (dto.DispatchResult, error)
}

// MessageService appends to and reads from per-channel message logs.
type MessageService interface {
	Post(ctx context.Context, tenantID, userID, channelID string, req dto.MessageCreateRequest, originConnectionID string) (dto.MessageResponse, error)
	AppendSystem(ctx context.Context, channelID, text string) (dto.MessageResponse, error)
	Page(ctx context.Context, tenantID, userID, channelID string, query dto.MessagePageQuery) (dto.MessagePage, error)
	AddReaction(ctx context.Context, tenantID, userID, channelID, messageID, emoji string) (dto.MessageResponse, error)
	Edit(ctx context.Context, tenantID, userID, channelID, messageID string, req dto.MessageUpdateRequest) (dto.MessageResponse, error)
	Delete(ctx context.Context, tenantID, userID, channelID, messageID string) (dto.MessageResponse, error)
}

type messageService struct {
	channels  repository.ChannelRepository
	messages  repository.MessageRepository
	engine    BroadcastEngine
	notifier  NotificationSender
	presence  PresenceTracker
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	pageLimit int
	now       func() time.Time
	dispatch  func(fn func())
}

// NewMessageService constructs the message store service.
func NewMessageService(
	channels repository.ChannelRepository,
	messages repository.MessageRepository,
	engine BroadcastEngine,
	notifier NotificationSender,
	presence PresenceTracker,
	validate *validator.Validate,
	pageLimit int,
	logger zerolog.Logger,
) MessageService {
	if pageLimit <= 0 || pageLimit > maxPageLimit {
		pageLimit = maxPageLimit
	}

	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &messageService{
		channels:  channels,
		messages:  messages,
		engine:    engine,
		notifier:  notifier,
		presence:  presence,
		validator: validate,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "message_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-realtime/internal/service/message"),
		pageLimit: pageLimit,
		now:       func() time.Time { return time.Now().UTC() },
		dispatch:  func(fn func()) { go fn() },
	}
}

// Post appends a message, fans it out to subscribers except the origin connection and queues notifications.
func (s *messageService) Post(ctx context.Context, tenantID, userID, channelID string, req dto.MessageCreateRequest, originConnectionID string) (dto.MessageResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "messages.post", trace.WithAttributes(
		attribute.String("message.channel_id", channelID),
		attribute.String("message.user_id", userID),
	))
	defer span.End()

	message, channel, err := s.append(spanCtx, tenantID, userID, channelID, req)
	if err != nil {
		span.RecordError(err)
		return dto.MessageResponse{}, err
	}

	response := dto.NewMessageResponse(message)
	if s.engine != nil {
		s.engine.ToChannel(spanCtx, channel.ID, dto.NewEvent(dto.EventMessage, dto.MessageEvent{Message: response}), originConnectionID)
	}

	detached := context.WithoutCancel(spanCtx)
	s.dispatch(func() {
		s.notifyMentions(detached, channel, message)
		s.notifyOfflineRecipients(detached, channel, message)
	})

	return response, nil
}

func (s *messageService) append(ctx context.Context, tenantID, userID, channelID string, req dto.MessageCreateRequest) (models.Message, models.Channel, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.Message{}, models.Channel{}, wrapValidator(err)
	}

	channel, err := s.loadChannel(ctx, tenantID, channelID)
	if err != nil {
		return models.Message{}, models.Channel{}, err
	}
	if !channel.Active {
		return models.Message{}, models.Channel{}, permissionError("channel %s is deactivated", channelID)
	}
	if !channel.HasMember(userID) {
		return models.Message{}, models.Channel{}, permissionError("user %s is not a member of channel %s", userID, channelID)
	}

	messageType := models.MessageType(req.MessageType)
	if messageType == "" {
		messageType = models.MessageTypeText
	}
	if (messageType != models.MessageTypeText || len(req.Attachments) > 0) && !channel.Settings.AllowFiles {
		return models.Message{}, models.Channel{}, permissionError("files are disabled in channel %s", channelID)
	}

	var threadID *string
	if req.ThreadID != nil && strings.TrimSpace(*req.ThreadID) != "" {
		if !channel.Settings.AllowThreads {
			return models.Message{}, models.Channel{}, permissionError("threads are disabled in channel %s", channelID)
		}
		parent := strings.TrimSpace(*req.ThreadID)
		if _, err := s.messages.FindByID(ctx, channel.ID, parent); err != nil {
			return models.Message{}, models.Channel{}, translateRepoError(err, "thread "+parent)
		}
		threadID = &parent
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if content == "" && len(req.Attachments) == 0 {
		return models.Message{}, models.Channel{}, validationError("message content is empty")
	}

	message := models.Message{
		ID:          newMessageID(),
		ChannelID:   channel.ID,
		TenantID:    channel.TenantID,
		UserID:      userID,
		Content:     content,
		Type:        messageType,
		ThreadID:    threadID,
		Attachments: req.Attachments,
		Mentions:    ExtractMentions(content),
		Timestamp:   s.nextTimestamp(channel.LastActivity),
	}

	if err := s.store(ctx, &message); err != nil {
		return models.Message{}, models.Channel{}, err
	}
	channel.LastActivity = message.Timestamp

	return message, channel, nil
}

func (s *messageService) AppendSystem(ctx context.Context, channelID, text string) (dto.MessageResponse, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return dto.MessageResponse{}, validationError("system message text is empty")
	}

	channel, err := s.channels.FindByID(ctx, channelID)
	if err != nil {
		return dto.MessageResponse{}, translateRepoError(err, "channel "+channelID)
	}

	message := models.Message{
		ID:        newMessageID(),
		ChannelID: channel.ID,
		TenantID:  channel.TenantID,
		UserID:    systemUserID,
		Content:   text,
		Type:      models.MessageTypeSystem,
		Mentions:  []string{},
		Timestamp: s.nextTimestamp(channel.LastActivity),
	}
	if err := s.store(ctx, &message); err != nil {
		return dto.MessageResponse{}, err
	}

	return dto.NewMessageResponse(message), nil
}

func (s *messageService) store(ctx context.Context, message *models.Message) error {
	if message.Attachments == nil {
		message.Attachments = []models.Attachment{}
	}
	if message.Mentions == nil {
		message.Mentions = []string{}
	}
	message.UpdatedAt = message.Timestamp

	if err := s.messages.Create(ctx, message); err != nil {
		return err
	}
	if _, err := s.channels.TouchActivity(ctx, message.ChannelID, message.Timestamp); err != nil {
		s.logger.Warn().Err(err).Str("channel_id", message.ChannelID).Msg("failed to touch channel activity")
	}

	observability.MessagesPosted().WithLabelValues(string(message.Type)).Inc()
	return nil
}

func (s *messageService) Page(ctx context.Context, tenantID, userID, channelID string, query dto.MessagePageQuery) (dto.MessagePage, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.MessagePage{}, wrapValidator(err)
	}

	channel, err := s.loadChannel(ctx, tenantID, channelID)
	if err != nil {
		return dto.MessagePage{}, err
	}
	if !channel.HasMember(userID) {
		return dto.MessagePage{}, permissionError("user %s is not a member of channel %s", userID, channelID)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > s.pageLimit {
		limit = s.pageLimit
	}

	var before *repository.MessageCursor
	if query.Cursor != "" {
		cursor, err := decodeCursor(query.Cursor)
		if err != nil {
			return dto.MessagePage{}, err
		}
		before = &cursor
	}

	rows, err := s.messages.ListBefore(ctx, channel.ID, before, limit+1)
	if err != nil {
		return dto.MessagePage{}, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	page := dto.MessagePage{HasMore: hasMore}
	if hasMore {
		oldest := rows[len(rows)-1]
		page.Cursor = encodeCursor(repository.MessageCursor{Timestamp: oldest.Timestamp, ID: oldest.ID})
	}

	// Storage returns newest first; callers get chronological order.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	page.Messages = dto.NewMessageResponseSlice(rows)

	return page, nil
}

func (s *messageService) AddReaction(ctx context.Context, tenantID, userID, channelID, messageID, emoji string) (dto.MessageResponse, error) {
	emoji = strings.TrimSpace(emoji)
	if err := s.validator.Struct(dto.ReactionRequest{Emoji: emoji}); err != nil {
		return dto.MessageResponse{}, wrapValidator(err)
	}

	channel, err := s.loadChannel(ctx, tenantID, channelID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if !channel.HasMember(userID) {
		return dto.MessageResponse{}, permissionError("user %s is not a member of channel %s", userID, channelID)
	}
	if !channel.Settings.AllowReactions {
		return dto.MessageResponse{}, permissionError("reactions are disabled in channel %s", channelID)
	}

	if _, err := s.messages.FindByID(ctx, channel.ID, messageID); err != nil {
		return dto.MessageResponse{}, translateRepoError(err, "message "+messageID)
	}

	added, err := s.messages.AddReaction(ctx, models.MessageReaction{
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    userID,
		CreatedAt: s.now(),
	})
	if err != nil {
		return dto.MessageResponse{}, err
	}

	message, err := s.messages.FindByID(ctx, channel.ID, messageID)
	if err != nil {
		return dto.MessageResponse{}, translateRepoError(err, "message "+messageID)
	}
	response := dto.NewMessageResponse(message)

	if added && s.engine != nil {
		s.engine.ToChannel(ctx, channel.ID, dto.NewEvent(dto.EventReaction, dto.ReactionEvent{
			ChannelID: channel.ID,
			MessageID: messageID,
			Emoji:     emoji,
			UserID:    userID,
			Reactions: response.Reactions,
		}), "")
	}

	return response, nil
}

// Edit appends a revision; the posted text stays in history. Users first mentioned by the
// revision are notified.
func (s *messageService) Edit(ctx context.Context, tenantID, userID, channelID, messageID string, req dto.MessageUpdateRequest) (dto.MessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.MessageResponse{}, wrapValidator(err)
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if content == "" {
		return dto.MessageResponse{}, validationError("message content is empty")
	}
	mentions := ExtractMentions(content)

	var (
		channel models.Channel
		added   []string
	)
	response, err := s.updateOwn(ctx, tenantID, userID, channelID, messageID, func(ch models.Channel, message models.Message, at time.Time) error {
		if message.Deleted {
			return validationError("message %s was deleted", messageID)
		}
		channel = ch
		_, previous := message.Current()
		added = subtractMentions(mentions, previous)
		_, err := s.messages.AddRevision(ctx, message.ID, content, mentions, at)
		return err
	})
	if err != nil {
		return dto.MessageResponse{}, err
	}

	if len(added) > 0 {
		detached := context.WithoutCancel(ctx)
		revised := models.Message{ID: messageID, UserID: userID, Content: content, Mentions: added}
		s.dispatch(func() {
			s.notifyMentions(detached, channel, revised)
		})
	}
	return response, nil
}

func (s *messageService) Delete(ctx context.Context, tenantID, userID, channelID, messageID string) (dto.MessageResponse, error) {
	return s.updateOwn(ctx, tenantID, userID, channelID, messageID, func(_ models.Channel, message models.Message, at time.Time) error {
		return s.messages.MarkDeleted(ctx, message.ID, at)
	})
}

func (s *messageService) updateOwn(ctx context.Context, tenantID, userID, channelID, messageID string, apply func(models.Channel, models.Message, time.Time) error) (dto.MessageResponse, error) {
	channel, err := s.loadChannel(ctx, tenantID, channelID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	message, err := s.messages.FindByID(ctx, channel.ID, messageID)
	if err != nil {
		return dto.MessageResponse{}, translateRepoError(err, "message "+messageID)
	}
	if message.UserID != userID {
		return dto.MessageResponse{}, permissionError("only the author may change message %s", messageID)
	}

	if err := apply(channel, message, s.now()); err != nil {
		return dto.MessageResponse{}, translateRepoError(err, "message "+messageID)
	}

	message, err = s.messages.FindByID(ctx, channel.ID, messageID)
	if err != nil {
		return dto.MessageResponse{}, translateRepoError(err, "message "+messageID)
	}
	response := dto.NewMessageResponse(message)

	if s.engine != nil {
		s.engine.ToChannel(ctx, channel.ID, dto.NewEvent(dto.EventMessageUpdated, dto.MessageEvent{Message: response}), "")
	}
	return response, nil
}

func (s *messageService) notifyMentions(ctx context.Context, channel models.Channel, message models.Message) {
	if s.notifier == nil {
		return
	}
	for _, mentioned := range message.Mentions {
		if mentioned == message.UserID {
			continue
		}
		if channel.Type.MembersOnly() && !channel.HasMember(mentioned) {
			continue
		}

		_, err := s.notifier.Send(ctx, channel.TenantID, dto.NotificationSendRequest{
			UserID: mentioned,
			Type:   models.NotificationTypeMention,
			Title:  fmt.Sprintf("%s mentioned you in %s", message.UserID, channel.Name),
			Body:   message.Content,
			Data: map[string]interface{}{
				"channelId": channel.ID,
				"messageId": message.ID,
				"authorId":  message.UserID,
			},
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", mentioned).Str("message_id", message.ID).Msg("mention notification failed")
		}
	}
}

func (s *messageService) notifyOfflineRecipients(ctx context.Context, channel models.Channel, message models.Message) {
	if s.notifier == nil || s.presence == nil || channel.Type != models.ChannelTypeDirectMessage {
		return
	}
	for _, recipient := range channel.MemberIDs() {
		if recipient == message.UserID {
			continue
		}
		record, err := s.presence.Get(ctx, channel.TenantID, recipient)
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", recipient).Msg("presence lookup failed")
			continue
		}
		if record.Status != models.PresenceOffline {
			continue
		}

		_, err = s.notifier.Send(ctx, channel.TenantID, dto.NotificationSendRequest{
			UserID: recipient,
			Type:   models.NotificationTypeDirectMessage,
			Title:  fmt.Sprintf("New message from %s", message.UserID),
			Body:   message.Content,
			Data: map[string]interface{}{
				"channelId": channel.ID,
				"messageId": message.ID,
				"authorId":  message.UserID,
			},
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", recipient).Msg("direct message notification failed")
		}
	}
}

func (s *messageService) loadChannel(ctx context.Context, tenantID, channelID string) (models.Channel, error) {
	channel, err := s.channels.FindByID(ctx, channelID)
	if err != nil {
		return models.Channel{}, translateRepoError(err, "channel "+channelID)
	}
	if channel.TenantID != tenantID {
		return models.Channel{}, notFoundError("channel %s", channelID)
	}
	return channel, nil
}

// nextTimestamp keeps per-channel timestamps strictly increasing at microsecond precision.
func (s *messageService) nextTimestamp(last time.Time) time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(last) {
		return last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

func subtractMentions(mentions, previous []string) []string {
	seen := make(map[string]struct{}, len(previous))
	for _, mention := range previous {
		seen[mention] = struct{}{}
	}
	var out []string
	for _, mention := range mentions {
		if _, ok := seen[mention]; !ok {
			out = append(out, mention)
		}
	}
	return out
}

// ExtractMentions returns the @mention tokens in first-seen order without duplicates.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]struct{}, len(matches))
	mentions := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		if _, ok := seen[match[1]]; ok {
			continue
		}
		seen[match[1]] = struct{}{}
		mentions = append(mentions, match[1])
	}
	return mentions
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func encodeCursor(cursor repository.MessageCursor) string {
	raw := strconv.FormatInt(cursor.Timestamp.UnixNano(), 10) + ":" + cursor.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(value string) (repository.MessageCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return repository.MessageCursor{}, validationError("invalid cursor")
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return repository.MessageCursor{}, validationError("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return repository.MessageCursor{}, validationError("invalid cursor")
	}
	return repository.MessageCursor{Timestamp: time.Unix(0, nanos).UTC(), ID: parts[1]}, nil
}
