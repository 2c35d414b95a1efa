package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
)

const broadcastParallelism = 32

var (
	// ErrConnectionGone means the target connection can no longer be reached and should be forgotten.
	ErrConnectionGone = errors.New("connection gone")
	// ErrSlowConsumer means the connection's outbound queue is full and the frame was dropped.
	ErrSlowConsumer = errors.New("connection send queue full")
)

// ConnectionSender writes an encoded frame to a connection, wherever it is attached.
type ConnectionSender interface {
	Send(ctx context.Context, conn models.Connection, frame []byte) error
}

// BroadcastReport summarises a fanout. Failures never abort delivery to other connections.
type BroadcastReport struct {
	Targeted  int
	Delivered int
	Failed    []string
	Removed   []string
}

// BroadcastEngine fans events out to connections selected through the registry.
type BroadcastEngine interface {
	ToChannel(ctx context.Context, channelID string, event dto.OutboundEvent, excludeConnectionID string) BroadcastReport
	ToTenant(ctx context.Context, tenantID string, event dto.OutboundEvent) BroadcastReport
	ToUser(ctx context.Context, tenantID, userID string, event dto.OutboundEvent) BroadcastReport
	ToConnection(ctx context.Context, connectionID string, event dto.OutboundEvent) error
}

type broadcastService struct {
	registry ConnectionRegistry
	sender   ConnectionSender
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewBroadcastService constructs a broadcast engine.
func NewBroadcastService(registry ConnectionRegistry, sender ConnectionSender, logger zerolog.Logger) BroadcastEngine {
	return &broadcastService{
		registry: registry,
		sender:   sender,
		logger:   logger.With().Str("component", "broadcast_service").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/gema-realtime/internal/service/broadcast"),
	}
}

func (s *broadcastService) ToChannel(ctx context.Context, channelID string, event dto.OutboundEvent, excludeConnectionID string) BroadcastReport {
	connections, err := s.registry.ConnectionsSubscribedTo(ctx, channelID)
	if err != nil {
		s.logger.Error().Err(err).Str("channel_id", channelID).Msg("failed to resolve channel subscribers")
		return BroadcastReport{}
	}

	if excludeConnectionID != "" {
		filtered := connections[:0]
		for _, conn := range connections {
			if conn.ID != excludeConnectionID {
				filtered = append(filtered, conn)
			}
		}
		connections = filtered
	}

	return s.fanout(ctx, "channel", attribute.String("broadcast.channel_id", channelID), connections, event)
}

func (s *broadcastService) ToTenant(ctx context.Context, tenantID string, event dto.OutboundEvent) BroadcastReport {
	connections, err := s.registry.ConnectionsForTenant(ctx, tenantID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to resolve tenant connections")
		return BroadcastReport{}
	}
	return s.fanout(ctx, "tenant", attribute.String("broadcast.tenant_id", tenantID), connections, event)
}

func (s *broadcastService) ToUser(ctx context.Context, tenantID, userID string, event dto.OutboundEvent) BroadcastReport {
	connections, err := s.registry.ConnectionsForUser(ctx, tenantID, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to resolve user connections")
		return BroadcastReport{}
	}
	return s.fanout(ctx, "user", attribute.String("broadcast.user_id", userID), connections, event)
}

func (s *broadcastService) ToConnection(ctx context.Context, connectionID string, event dto.OutboundEvent) error {
	conn, err := s.registry.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	report := s.fanout(ctx, "connection", attribute.String("broadcast.connection_id", connectionID), []models.Connection{conn}, event)
	if report.Delivered == 0 {
		return ErrConnectionGone
	}
	return nil
}

// fanout sends to every connection independently. The call returns once each send has been handed off.
func (s *broadcastService) fanout(ctx context.Context, scope string, target attribute.KeyValue, connections []models.Connection, event dto.OutboundEvent) BroadcastReport {
	report := BroadcastReport{Targeted: len(connections)}
	if len(connections) == 0 {
		return report
	}

	spanCtx, span := s.tracer.Start(ctx, "broadcast."+scope, trace.WithAttributes(
		target,
		attribute.String("broadcast.event", string(event.Type)),
		attribute.Int("broadcast.targets", len(connections)),
	))
	defer span.End()

	frame, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		s.logger.Error().Err(err).Str("event", string(event.Type)).Msg("failed to encode event")
		report.Failed = connectionIDList(connections)
		return report
	}

	var (
		mu   sync.Mutex
		dead []string
	)
	group, groupCtx := errgroup.WithContext(spanCtx)
	group.SetLimit(broadcastParallelism)

	for _, conn := range connections {
		conn := conn
		group.Go(func() error {
			sendErr := s.sender.Send(groupCtx, conn, frame)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case sendErr == nil:
				report.Delivered++
				observability.BroadcastDeliveries().WithLabelValues(scope, "delivered").Inc()
			case errors.Is(sendErr, ErrConnectionGone):
				report.Failed = append(report.Failed, conn.ID)
				dead = append(dead, conn.ID)
				observability.BroadcastDeliveries().WithLabelValues(scope, "gone").Inc()
			default:
				report.Failed = append(report.Failed, conn.ID)
				observability.BroadcastDeliveries().WithLabelValues(scope, "failed").Inc()
				s.logger.Warn().Err(sendErr).Str("connection_id", conn.ID).Str("event", string(event.Type)).Msg("broadcast send failed")
			}
			return nil
		})
	}
	_ = group.Wait()

	for _, id := range dead {
		if err := s.registry.Deregister(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("connection_id", id).Msg("failed to remove unreachable connection")
			continue
		}
		report.Removed = append(report.Removed, id)
	}

	if len(report.Failed) > 0 {
		s.logger.Warn().
			Str("scope", scope).
			Str("event", string(event.Type)).
			Int("targeted", report.Targeted).
			Int("failed", len(report.Failed)).
			Msg("broadcast completed with failures")
	}

	return report
}

func connectionIDList(connections []models.Connection) []string {
	ids := make([]string, 0, len(connections))
	for _, conn := range connections {
		ids = append(ids, conn.ID)
	}
	return ids
}
