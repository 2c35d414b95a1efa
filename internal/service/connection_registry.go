package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

const reapBatchSize = 200

// ConnectionLifecycle receives connection open and close notifications.
type ConnectionLifecycle interface {
	ConnectionOpened(ctx context.Context, tenantID, userID string) error
	ConnectionClosed(ctx context.Context, tenantID, userID string) error
}

// ConnectionCloser ends the socket behind a connection that left the registry.
type ConnectionCloser interface {
	Close(ctx context.Context, conn models.Connection) error
}

// ConnectionRegistry tracks live connections and their channel subscriptions.
type ConnectionRegistry interface {
	Register(ctx context.Context, connectionID, userID, tenantID string) (models.Connection, error)
	Deregister(ctx context.Context, connectionID string) error
	Subscribe(ctx context.Context, connectionID, channelID string) error
	Unsubscribe(ctx context.Context, connectionID, channelID string) error
	Heartbeat(ctx context.Context, connectionID string) (models.Connection, error)
	Get(ctx context.Context, connectionID string) (models.Connection, error)
	ConnectionsForUser(ctx context.Context, tenantID, userID string) ([]models.Connection, error)
	ConnectionsSubscribedTo(ctx context.Context, channelID string) ([]models.Connection, error)
	ConnectionsForTenant(ctx context.Context, tenantID string) ([]models.Connection, error)
	ReapExpired(ctx context.Context) (int, error)
	RunReaper(ctx context.Context, interval time.Duration)
	UseCloser(closer ConnectionCloser)
	NodeID() string
}

type connectionRegistry struct {
	store     repository.ConnectionStore
	lifecycle ConnectionLifecycle
	closer    ConnectionCloser
	nodeID    string
	ttl       time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewConnectionRegistry constructs a registry that owns connections created on nodeID.
func NewConnectionRegistry(store repository.ConnectionStore, lifecycle ConnectionLifecycle, nodeID string, ttl time.Duration, logger zerolog.Logger) ConnectionRegistry {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &connectionRegistry{
		store:     store,
		lifecycle: lifecycle,
		nodeID:    nodeID,
		ttl:       ttl,
		logger:    logger.With().Str("component", "connection_registry").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UseCloser lets deregistration close the socket on its owning node.
func (r *connectionRegistry) UseCloser(closer ConnectionCloser) {
	r.closer = closer
}

func (r *connectionRegistry) NodeID() string {
	return r.nodeID
}

func (r *connectionRegistry) Register(ctx context.Context, connectionID, userID, tenantID string) (models.Connection, error) {
	connectionID = strings.TrimSpace(connectionID)
	userID = strings.TrimSpace(userID)
	tenantID = strings.TrimSpace(tenantID)
	if connectionID == "" || userID == "" || tenantID == "" {
		return models.Connection{}, validationError("connection id, user id and tenant id are required")
	}

	now := r.now()
	conn := models.Connection{
		ID:                 connectionID,
		UserID:             userID,
		TenantID:           tenantID,
		NodeID:             r.nodeID,
		ConnectedAt:        now,
		LastHeartbeat:      now,
		SubscribedChannels: []string{},
	}

	if err := r.store.Create(ctx, conn, r.ttl); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return models.Connection{}, ErrDuplicateConnection
		}
		return models.Connection{}, err
	}

	if r.lifecycle != nil {
		if err := r.lifecycle.ConnectionOpened(ctx, tenantID, userID); err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("presence update on connect failed")
		}
	}

	r.logger.Debug().Str("connection_id", connectionID).Str("user_id", userID).Msg("connection registered")
	return conn, nil
}

// Deregister is idempotent. Only the caller that actually removed the record triggers presence cleanup.
func (r *connectionRegistry) Deregister(ctx context.Context, connectionID string) error {
	conn, removed, err := r.store.Delete(ctx, connectionID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	if r.lifecycle != nil {
		if err := r.lifecycle.ConnectionClosed(ctx, conn.TenantID, conn.UserID); err != nil {
			r.logger.Warn().Err(err).Str("user_id", conn.UserID).Msg("presence update on disconnect failed")
		}
	}
	if r.closer != nil {
		if err := r.closer.Close(ctx, conn); err != nil && !errors.Is(err, ErrConnectionGone) {
			r.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("failed to close deregistered socket")
		}
	}

	r.logger.Debug().Str("connection_id", connectionID).Str("user_id", conn.UserID).Msg("connection deregistered")
	return nil
}

func (r *connectionRegistry) Subscribe(ctx context.Context, connectionID, channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return validationError("channel id is required")
	}
	err := r.store.AddSubscription(ctx, connectionID, channelID)
	if errors.Is(err, repository.ErrNotFound) {
		return notFoundError("connection %s", connectionID)
	}
	return err
}

func (r *connectionRegistry) Unsubscribe(ctx context.Context, connectionID, channelID string) error {
	return r.store.RemoveSubscription(ctx, connectionID, channelID)
}

func (r *connectionRegistry) Heartbeat(ctx context.Context, connectionID string) (models.Connection, error) {
	if err := r.store.Refresh(ctx, connectionID, r.now(), r.ttl); err != nil {
		return models.Connection{}, translateRepoError(err, "connection "+connectionID)
	}
	return r.Get(ctx, connectionID)
}

func (r *connectionRegistry) Get(ctx context.Context, connectionID string) (models.Connection, error) {
	conn, err := r.store.Get(ctx, connectionID)
	if err != nil {
		return models.Connection{}, translateRepoError(err, "connection "+connectionID)
	}
	return conn, nil
}

func (r *connectionRegistry) ConnectionsForUser(ctx context.Context, tenantID, userID string) ([]models.Connection, error) {
	return r.store.ListByUser(ctx, tenantID, userID)
}

func (r *connectionRegistry) ConnectionsSubscribedTo(ctx context.Context, channelID string) ([]models.Connection, error) {
	return r.store.ListByChannel(ctx, channelID)
}

func (r *connectionRegistry) ConnectionsForTenant(ctx context.Context, tenantID string) ([]models.Connection, error) {
	return r.store.ListByTenant(ctx, tenantID)
}

// ReapExpired deregisters connections whose heartbeat deadline has passed.
func (r *connectionRegistry) ReapExpired(ctx context.Context) (int, error) {
	now := r.now()
	claimed, err := r.store.ClaimExpired(ctx, now, reapBatchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range claimed {
		conn, err := r.store.Get(ctx, id)
		if err == nil && conn.LastHeartbeat.Add(r.ttl).After(now) {
			// Heartbeat landed between the scan and the claim.
			if err := r.store.Reschedule(ctx, id, conn.LastHeartbeat.Add(r.ttl)); err != nil {
				r.logger.Warn().Err(err).Str("connection_id", id).Msg("failed to reschedule connection expiry")
			}
			continue
		}

		if err := r.Deregister(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("connection_id", id).Msg("failed to reap connection")
			continue
		}
		reaped++
	}

	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("expired connections removed")
	}
	return reaped, nil
}

// RunReaper sweeps expired connections until ctx is cancelled.
func (r *connectionRegistry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error().Err(err).Msg("connection reaper sweep failed")
			}
		}
	}
}
