package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

// PresencePublisher announces presence changes to a tenant.
type PresencePublisher interface {
	ToTenant(ctx context.Context, tenantID string, event dto.OutboundEvent) BroadcastReport
}

// PresenceTracker derives per-user status from connection counts and explicit requests.
type PresenceTracker interface {
	ConnectionLifecycle
	Heartbeat(ctx context.Context, tenantID, userID string) error
	Update(ctx context.Context, tenantID, userID string, status models.PresenceStatus, connectionID string) (models.PresenceRecord, error)
	Get(ctx context.Context, tenantID, userID string) (models.PresenceRecord, error)
	SnapshotForTenant(ctx context.Context, tenantID string) (map[string]models.PresenceRecord, error)
	UsePublisher(publisher PresencePublisher)
}

type presenceService struct {
	store       repository.PresenceStore
	connections repository.ConnectionStore
	publisher   PresencePublisher
	ttl         time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewPresenceService constructs a presence tracker. Records expire after ttl without activity.
func NewPresenceService(store repository.PresenceStore, connections repository.ConnectionStore, ttl time.Duration, logger zerolog.Logger) PresenceTracker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &presenceService{
		store:       store,
		connections: connections,
		ttl:         ttl,
		logger:      logger.With().Str("component", "presence_service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *presenceService) UsePublisher(publisher PresencePublisher) {
	s.publisher = publisher
}

func (s *presenceService) ConnectionOpened(ctx context.Context, tenantID, userID string) error {
	previous, err := s.stored(ctx, tenantID, userID)
	if err != nil {
		return err
	}

	status := models.PresenceOnline
	if previous.Status == models.PresenceAway || previous.Status == models.PresenceBusy {
		status = previous.Status
	}
	return s.save(ctx, previous, status)
}

func (s *presenceService) ConnectionClosed(ctx context.Context, tenantID, userID string) error {
	previous, err := s.stored(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	return s.save(ctx, previous, previous.Status)
}

// Heartbeat refreshes lastSeen and brings an offline user back online.
func (s *presenceService) Heartbeat(ctx context.Context, tenantID, userID string) error {
	previous, err := s.stored(ctx, tenantID, userID)
	if err != nil {
		return err
	}

	status := previous.Status
	if status == models.PresenceOffline {
		status = models.PresenceOnline
	}
	return s.save(ctx, previous, status)
}

func (s *presenceService) Update(ctx context.Context, tenantID, userID string, status models.PresenceStatus, connectionID string) (models.PresenceRecord, error) {
	if !status.Valid() {
		return models.PresenceRecord{}, validationError("unknown presence status %q", status)
	}

	if connectionID = strings.TrimSpace(connectionID); connectionID != "" {
		conn, err := s.connections.Get(ctx, connectionID)
		if err != nil || conn.UserID != userID || conn.TenantID != tenantID {
			return models.PresenceRecord{}, notFoundError("connection %s", connectionID)
		}
	}

	count, err := s.connections.CountByUser(ctx, tenantID, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	if status == models.PresenceOffline && count > 0 {
		return models.PresenceRecord{}, validationError("cannot go offline with %d active connections", count)
	}

	previous, err := s.stored(ctx, tenantID, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	if err := s.save(ctx, previous, status); err != nil {
		return models.PresenceRecord{}, err
	}
	return s.effective(ctx, tenantID, userID)
}

func (s *presenceService) Get(ctx context.Context, tenantID, userID string) (models.PresenceRecord, error) {
	return s.effective(ctx, tenantID, userID)
}

func (s *presenceService) SnapshotForTenant(ctx context.Context, tenantID string) (map[string]models.PresenceRecord, error) {
	records, err := s.store.ListTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]models.PresenceRecord, len(records))
	for _, record := range records {
		count, err := s.connections.CountByUser(ctx, tenantID, record.UserID)
		if err != nil {
			return nil, err
		}
		snapshot[record.UserID] = derive(record, count)
	}
	return snapshot, nil
}

// stored returns the persisted record, treating a missing or expired one as offline.
func (s *presenceService) stored(ctx context.Context, tenantID, userID string) (models.PresenceRecord, error) {
	record, found, err := s.store.Get(ctx, tenantID, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	record.UserID, record.TenantID = userID, tenantID
	if !found {
		record.Status = models.PresenceOffline
	}
	return record, nil
}

// effective combines the stored record with the live connection count.
func (s *presenceService) effective(ctx context.Context, tenantID, userID string) (models.PresenceRecord, error) {
	record, err := s.stored(ctx, tenantID, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	count, err := s.connections.CountByUser(ctx, tenantID, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	return derive(record, count), nil
}

// derive enforces that a user is offline exactly when no connection remains.
func derive(record models.PresenceRecord, count int64) models.PresenceRecord {
	record.ActiveConnections = count
	switch {
	case count == 0:
		record.Status = models.PresenceOffline
	case record.Status == models.PresenceOffline || record.Status == "":
		record.Status = models.PresenceOnline
	}
	return record
}

// save re-reads the connection count so that offline is written exactly when no connection remains.
func (s *presenceService) save(ctx context.Context, previous models.PresenceRecord, status models.PresenceStatus) error {
	count, err := s.connections.CountByUser(ctx, previous.TenantID, previous.UserID)
	if err != nil {
		return err
	}
	if count == 0 {
		status = models.PresenceOffline
	} else if status == models.PresenceOffline {
		status = models.PresenceOnline
	}
	return s.persist(ctx, previous, status, count)
}

func (s *presenceService) persist(ctx context.Context, previous models.PresenceRecord, status models.PresenceStatus, count int64) error {
	record := models.PresenceRecord{
		UserID:            previous.UserID,
		TenantID:          previous.TenantID,
		Status:            status,
		LastSeen:          s.now(),
		ActiveConnections: count,
	}
	if err := s.store.Save(ctx, record, s.ttl); err != nil {
		return err
	}

	if record.Status != previous.Status {
		s.logger.Debug().
			Str("user_id", record.UserID).
			Str("from", string(previous.Status)).
			Str("to", string(record.Status)).
			Msg("presence changed")
		s.publish(ctx, record)
	}
	return nil
}

func (s *presenceService) publish(ctx context.Context, record models.PresenceRecord) {
	if s.publisher == nil {
		return
	}
	s.publisher.ToTenant(ctx, record.TenantID, dto.NewEvent(dto.EventPresenceUpdate, dto.PresenceEvent{
		UserID:   record.UserID,
		Status:   record.Status,
		LastSeen: record.LastSeen,
	}))
}
