package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

// ChannelService manages channels, membership and read markers.
type ChannelService interface {
	Create(ctx context.Context, tenantID, creatorID string, req dto.ChannelCreateRequest) (dto.ChannelResponse, error)
	Get(ctx context.Context, tenantID, userID, channelID string) (dto.ChannelResponse, error)
	AddMember(ctx context.Context, tenantID, channelID, targetUserID, actingUserID string) (dto.ChannelResponse, error)
	ListForUser(ctx context.Context, tenantID, userID string) ([]dto.ChannelResponse, error)
	TouchActivity(ctx context.Context, channelID string, at time.Time) error
	Deactivate(ctx context.Context, tenantID, channelID, actingUserID string) (dto.ChannelResponse, error)
	MarkRead(ctx context.Context, tenantID, userID, channelID string) (dto.ReadReceipt, error)
	Join(ctx context.Context, tenantID, userID, channelID, connectionID string) (dto.ChannelResponse, error)
	Leave(ctx context.Context, tenantID, userID, channelID, connectionID string) error
	RequireMember(ctx context.Context, tenantID, userID, channelID string) (models.Channel, error)
}

type channelService struct {
	repo      repository.ChannelRepository
	messages  MessageService
	engine    BroadcastEngine
	registry  ConnectionRegistry
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewChannelService constructs the channel store service.
func NewChannelService(
	repo repository.ChannelRepository,
	messages MessageService,
	engine BroadcastEngine,
	registry ConnectionRegistry,
	validate *validator.Validate,
	logger zerolog.Logger,
) ChannelService {
	return &channelService{
		repo:      repo,
		messages:  messages,
		engine:    engine,
		registry:  registry,
		validator: validate,
		logger:    logger.With().Str("component", "channel_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-realtime/internal/service/channel"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *channelService) Create(ctx context.Context, tenantID, creatorID string, req dto.ChannelCreateRequest) (dto.ChannelResponse, error) {
	ctx, span := s.tracer.Start(ctx, "channels.create", trace.WithAttributes(
		attribute.String("channel.tenant_id", tenantID),
		attribute.String("channel.type", req.ChannelType),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.ChannelResponse{}, wrapValidator(err)
	}
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(creatorID) == "" {
		return dto.ChannelResponse{}, validationError("tenant and creator are required")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return dto.ChannelResponse{}, validationError("channel name is required")
	}

	channelType := models.ChannelType(req.ChannelType)
	if channelType == "" {
		channelType = models.ChannelTypePublic
	}
	if !channelType.Valid() {
		return dto.ChannelResponse{}, validationError("unknown channel type %q", req.ChannelType)
	}

	members := normalizeMembers(creatorID, req.Members)
	if channelType == models.ChannelTypeDirectMessage && len(members) != 2 {
		return dto.ChannelResponse{}, validationError("direct message channels need exactly two members")
	}

	channelID := strings.TrimSpace(req.ChannelID)
	if channelID == "" {
		channelID = uuid.NewString()
	}

	now := s.now().Truncate(time.Microsecond)
	channel := models.Channel{
		ID:           channelID,
		TenantID:     tenantID,
		Name:         name,
		Description:  strings.TrimSpace(req.Description),
		Type:         channelType,
		Settings:     applySettings(req.Settings),
		CreatedBy:    creatorID,
		Active:       true,
		CreatedAt:    now,
		LastActivity: now,
	}
	for _, member := range members {
		channel.Members = append(channel.Members, models.ChannelMember{
			ChannelID: channelID,
			UserID:    member,
			TenantID:  tenantID,
			JoinedAt:  now,
		})
	}

	if err := s.repo.Create(ctx, &channel); err != nil {
		span.RecordError(err)
		return dto.ChannelResponse{}, translateRepoError(err, "channel "+channelID)
	}

	for _, member := range members {
		s.subscribeUser(ctx, tenantID, member, channelID)
	}

	s.logger.Info().Str("channel_id", channelID).Str("tenant_id", tenantID).Str("type", string(channelType)).Int("members", len(members)).Msg("channel created")
	return dto.NewChannelResponse(channel), nil
}

func (s *channelService) Get(ctx context.Context, tenantID, userID, channelID string) (dto.ChannelResponse, error) {
	channel, err := s.load(ctx, tenantID, channelID)
	if err != nil {
		return dto.ChannelResponse{}, err
	}
	if channel.Type.MembersOnly() && !channel.HasMember(userID) {
		return dto.ChannelResponse{}, permissionError("user %s is not a member of channel %s", userID, channelID)
	}
	return dto.NewChannelResponse(channel), nil
}

// AddMember is idempotent: re-adding a member emits nothing.
func (s *channelService) AddMember(ctx context.Context, tenantID, channelID, targetUserID, actingUserID string) (dto.ChannelResponse, error) {
	targetUserID = strings.TrimSpace(targetUserID)
	if err := s.validator.Struct(dto.ChannelAddMemberRequest{UserID: targetUserID}); err != nil {
		return dto.ChannelResponse{}, wrapValidator(err)
	}

	channel, err := s.load(ctx, tenantID, channelID)
	if err != nil {
		return dto.ChannelResponse{}, err
	}
	if !channel.Active {
		return dto.ChannelResponse{}, permissionError("channel %s is deactivated", channelID)
	}
	if channel.Type == models.ChannelTypeDirectMessage {
		return dto.ChannelResponse{}, validationError("direct message channels have fixed membership")
	}
	if channel.Type.MembersOnly() && !channel.HasMember(actingUserID) {
		return dto.ChannelResponse{}, permissionError("user %s cannot add members to channel %s", actingUserID, channelID)
	}

	added, err := s.repo.AddMember(ctx, models.ChannelMember{
		ChannelID: channel.ID,
		UserID:    targetUserID,
		TenantID:  channel.TenantID,
		JoinedAt:  s.now(),
	})
	if err != nil {
		return dto.ChannelResponse{}, translateRepoError(err, "channel "+channelID)
	}
	if !added {
		return dto.NewChannelResponse(channel), nil
	}

	s.subscribeUser(ctx, tenantID, targetUserID, channel.ID)

	if s.messages != nil {
		system, err := s.messages.AppendSystem(ctx, channel.ID, fmt.Sprintf("%s joined the channel", targetUserID))
		if err != nil {
			s.logger.Warn().Err(err).Str("channel_id", channel.ID).Msg("failed to append join message")
		} else if s.engine != nil {
			s.engine.ToChannel(ctx, channel.ID, dto.NewEvent(dto.EventMessage, dto.MessageEvent{Message: system}), "")
		}
	}
	if s.engine != nil {
		s.engine.ToChannel(ctx, channel.ID, dto.NewEvent(dto.EventChannelJoined, dto.ChannelMembershipEvent{
			ChannelID:   channel.ID,
			ChannelName: channel.Name,
			UserID:      targetUserID,
		}), "")
	}

	refreshed, err := s.repo.FindByID(ctx, channel.ID)
	if err != nil {
		return dto.ChannelResponse{}, translateRepoError(err, "channel "+channelID)
	}
	return dto.NewChannelResponse(refreshed), nil
}

func (s *channelService) ListForUser(ctx context.Context, tenantID, userID string) ([]dto.ChannelResponse, error) {
	summaries, err := s.repo.ListForUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return dto.NewChannelSummaryResponses(summaries), nil
}

func (s *channelService) TouchActivity(ctx context.Context, channelID string, at time.Time) error {
	_, err := s.repo.TouchActivity(ctx, channelID, at.UTC())
	return translateRepoError(err, "channel "+channelID)
}

func (s *channelService) Deactivate(ctx context.Context, tenantID, channelID, actingUserID string) (dto.ChannelResponse, error) {
	channel, err := s.load(ctx, tenantID, channelID)
	if err != nil {
		return dto.ChannelResponse{}, err
	}
	if channel.CreatedBy != actingUserID {
		return dto.ChannelResponse{}, permissionError("only the creator may deactivate channel %s", channelID)
	}
	if !channel.Active {
		return dto.NewChannelResponse(channel), nil
	}

	if err := s.repo.Deactivate(ctx, channel.ID); err != nil {
		return dto.ChannelResponse{}, translateRepoError(err, "channel "+channelID)
	}
	channel.Active = false
	return dto.NewChannelResponse(channel), nil
}

func (s *channelService) MarkRead(ctx context.Context, tenantID, userID, channelID string) (dto.ReadReceipt, error) {
	channel, err := s.RequireMember(ctx, tenantID, userID, channelID)
	if err != nil {
		return dto.ReadReceipt{}, err
	}

	at := s.now()
	if err := s.repo.MarkRead(ctx, channel.ID, userID, at); err != nil {
		return dto.ReadReceipt{}, translateRepoError(err, "membership in channel "+channelID)
	}
	return dto.ReadReceipt{ChannelID: channel.ID, UserID: userID, LastReadAt: at}, nil
}

// Join subscribes a connection to a channel. Public channels auto-enrol non-members.
func (s *channelService) Join(ctx context.Context, tenantID, userID, channelID, connectionID string) (dto.ChannelResponse, error) {
	channel, err := s.load(ctx, tenantID, channelID)
	if err != nil {
		return dto.ChannelResponse{}, err
	}

	response := dto.NewChannelResponse(channel)
	if !channel.HasMember(userID) {
		if channel.Type.MembersOnly() {
			return dto.ChannelResponse{}, permissionError("user %s is not a member of channel %s", userID, channelID)
		}
		response, err = s.AddMember(ctx, tenantID, channelID, userID, userID)
		if err != nil {
			return dto.ChannelResponse{}, err
		}
	}

	if err := s.registry.Subscribe(ctx, connectionID, channel.ID); err != nil {
		return dto.ChannelResponse{}, err
	}
	return response, nil
}

func (s *channelService) Leave(ctx context.Context, tenantID, userID, channelID, connectionID string) error {
	if _, err := s.load(ctx, tenantID, channelID); err != nil {
		return err
	}
	return s.registry.Unsubscribe(ctx, connectionID, channelID)
}

func (s *channelService) RequireMember(ctx context.Context, tenantID, userID, channelID string) (models.Channel, error) {
	channel, err := s.load(ctx, tenantID, channelID)
	if err != nil {
		return models.Channel{}, err
	}
	if !channel.HasMember(userID) {
		return models.Channel{}, permissionError("user %s is not a member of channel %s", userID, channelID)
	}
	return channel, nil
}

func (s *channelService) load(ctx context.Context, tenantID, channelID string) (models.Channel, error) {
	channel, err := s.repo.FindByID(ctx, channelID)
	if err != nil {
		return models.Channel{}, translateRepoError(err, "channel "+channelID)
	}
	if channel.TenantID != tenantID {
		return models.Channel{}, notFoundError("channel %s", channelID)
	}
	return channel, nil
}

func (s *channelService) subscribeUser(ctx context.Context, tenantID, userID, channelID string) {
	if s.registry == nil {
		return
	}
	connections, err := s.registry.ConnectionsForUser(ctx, tenantID, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to list user connections")
		return
	}
	for _, conn := range connections {
		if err := s.registry.Subscribe(ctx, conn.ID, channelID); err != nil {
			s.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("subscribe skipped")
		}
	}
}

func normalizeMembers(creatorID string, members []string) []string {
	seen := map[string]struct{}{creatorID: {}}
	out := []string{creatorID}
	for _, member := range members {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		if _, ok := seen[member]; ok {
			continue
		}
		seen[member] = struct{}{}
		out = append(out, member)
	}
	return out
}

func applySettings(req *dto.ChannelSettingsRequest) models.ChannelSettings {
	settings := models.ChannelSettings{AllowFiles: true, AllowReactions: true, AllowThreads: true}
	if req == nil {
		return settings
	}
	if req.AllowFiles != nil {
		settings.AllowFiles = *req.AllowFiles
	}
	if req.AllowReactions != nil {
		settings.AllowReactions = *req.AllowReactions
	}
	if req.AllowThreads != nil {
		settings.AllowThreads = *req.AllowThreads
	}
	return settings
}
