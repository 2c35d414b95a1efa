package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// PresenceStore persists presence records with a bounded lifetime.
type PresenceStore interface {
	Save(ctx context.Context, record models.PresenceRecord, ttl time.Duration) error
	Get(ctx context.Context, tenantID, userID string) (models.PresenceRecord, bool, error)
	ListTenant(ctx context.Context, tenantID string) ([]models.PresenceRecord, error)
}

type redisPresenceStore struct {
	client *redis.Client
	prefix string
}

// NewPresenceStore constructs a Redis-backed presence store.
func NewPresenceStore(client *redis.Client, prefix string) PresenceStore {
	if prefix == "" {
		prefix = "gema:rt"
	}
	return &redisPresenceStore{client: client, prefix: prefix}
}

func (s *redisPresenceStore) recordKey(tenantID, userID string) string {
	return fmt.Sprintf("%s:presence:%s:%s", s.prefix, tenantID, userID)
}

func (s *redisPresenceStore) seenKey(tenantID string) string {
	return fmt.Sprintf("%s:presence:%s:seen", s.prefix, tenantID)
}

// Save overwrites the record; the last writer wins.
func (s *redisPresenceStore) Save(ctx context.Context, record models.PresenceRecord, ttl time.Duration) error {
	key := s.recordKey(record.TenantID, record.UserID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"status":    string(record.Status),
			"last_seen": record.LastSeen.UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, key, ttl)
		pipe.ZAdd(ctx, s.seenKey(record.TenantID), redis.Z{
			Score:  float64(record.LastSeen.UnixMilli()),
			Member: record.UserID,
		})
		return nil
	})
	return err
}

func (s *redisPresenceStore) Get(ctx context.Context, tenantID, userID string) (models.PresenceRecord, bool, error) {
	hash, err := s.client.HGetAll(ctx, s.recordKey(tenantID, userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.PresenceRecord{}, false, err
	}

	record, ok := decodePresence(tenantID, userID, hash)
	if ok {
		return record, true, nil
	}

	// Expired record: fall back to the tenant roster for the last known sighting.
	score, err := s.client.ZScore(ctx, s.seenKey(tenantID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return models.PresenceRecord{}, false, nil
	}
	if err != nil {
		return models.PresenceRecord{}, false, err
	}

	return models.PresenceRecord{
		UserID:   userID,
		TenantID: tenantID,
		Status:   models.PresenceOffline,
		LastSeen: time.UnixMilli(int64(score)).UTC(),
	}, false, nil
}

// ListTenant returns every user ever seen in the tenant. Expired records are reported offline.
func (s *redisPresenceStore) ListTenant(ctx context.Context, tenantID string) ([]models.PresenceRecord, error) {
	seen, err := s.client.ZRangeWithScores(ctx, s.seenKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(seen) == 0 {
		return []models.PresenceRecord{}, nil
	}

	pipe := s.client.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(seen))
	for i, entry := range seen {
		hashes[i] = pipe.HGetAll(ctx, s.recordKey(tenantID, fmt.Sprint(entry.Member)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	records := make([]models.PresenceRecord, 0, len(seen))
	for i, entry := range seen {
		userID := fmt.Sprint(entry.Member)
		if record, ok := decodePresence(tenantID, userID, hashes[i].Val()); ok {
			records = append(records, record)
			continue
		}
		records = append(records, models.PresenceRecord{
			UserID:   userID,
			TenantID: tenantID,
			Status:   models.PresenceOffline,
			LastSeen: time.UnixMilli(int64(entry.Score)).UTC(),
		})
	}
	return records, nil
}

func decodePresence(tenantID, userID string, hash map[string]string) (models.PresenceRecord, bool) {
	status := models.PresenceStatus(hash["status"])
	if !status.Valid() {
		return models.PresenceRecord{}, false
	}
	lastSeen, _ := time.Parse(time.RFC3339Nano, hash["last_seen"])
	return models.PresenceRecord{
		UserID:   userID,
		TenantID: tenantID,
		Status:   status,
		LastSeen: lastSeen,
	}, true
}
