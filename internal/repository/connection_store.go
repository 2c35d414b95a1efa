package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// ConnectionStore keeps live connections and their subscriptions in Redis so any node can serve them.
type ConnectionStore interface {
	Create(ctx context.Context, conn models.Connection, ttl time.Duration) error
	Get(ctx context.Context, id string) (models.Connection, error)
	Delete(ctx context.Context, id string) (models.Connection, bool, error)
	Refresh(ctx context.Context, id string, at time.Time, ttl time.Duration) error
	AddSubscription(ctx context.Context, id, channelID string) error
	RemoveSubscription(ctx context.Context, id, channelID string) error
	ListByUser(ctx context.Context, tenantID, userID string) ([]models.Connection, error)
	ListByTenant(ctx context.Context, tenantID string) ([]models.Connection, error)
	ListByChannel(ctx context.Context, channelID string) ([]models.Connection, error)
	CountByUser(ctx context.Context, tenantID, userID string) (int64, error)
	ClaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Reschedule(ctx context.Context, id string, deadline time.Time) error
}

type redisConnectionStore struct {
	client *redis.Client
	prefix string
}

// NewConnectionStore constructs a Redis-backed connection store.
func NewConnectionStore(client *redis.Client, prefix string) ConnectionStore {
	if prefix == "" {
		prefix = "gema:rt"
	}
	return &redisConnectionStore{client: client, prefix: prefix}
}

func (s *redisConnectionStore) connKey(id string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, id)
}

func (s *redisConnectionStore) connChannelsKey(id string) string {
	return fmt.Sprintf("%s:conn:%s:channels", s.prefix, id)
}

func (s *redisConnectionStore) userKey(tenantID, userID string) string {
	return fmt.Sprintf("%s:user:%s:%s:conns", s.prefix, tenantID, userID)
}

func (s *redisConnectionStore) tenantKey(tenantID string) string {
	return fmt.Sprintf("%s:tenant:%s:conns", s.prefix, tenantID)
}

func (s *redisConnectionStore) channelKey(channelID string) string {
	return fmt.Sprintf("%s:channel:%s:conns", s.prefix, channelID)
}

func (s *redisConnectionStore) expiryKey() string {
	return s.prefix + ":conn:expiry"
}

func (s *redisConnectionStore) Create(ctx context.Context, conn models.Connection, ttl time.Duration) error {
	key := s.connKey(conn.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrDuplicate
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				"user_id":        conn.UserID,
				"tenant_id":      conn.TenantID,
				"node_id":        conn.NodeID,
				"connected_at":   conn.ConnectedAt.UTC().Format(time.RFC3339Nano),
				"last_heartbeat": conn.LastHeartbeat.UTC().Format(time.RFC3339Nano),
			})
			pipe.SAdd(ctx, s.userKey(conn.TenantID, conn.UserID), conn.ID)
			pipe.SAdd(ctx, s.tenantKey(conn.TenantID), conn.ID)
			pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
				Score:  float64(conn.LastHeartbeat.Add(ttl).UnixMilli()),
				Member: conn.ID,
			})
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrDuplicate
	}
	return err
}

func (s *redisConnectionStore) Get(ctx context.Context, id string) (models.Connection, error) {
	pipe := s.client.Pipeline()
	hash := pipe.HGetAll(ctx, s.connKey(id))
	channels := pipe.SMembers(ctx, s.connChannelsKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.Connection{}, err
	}

	conn, ok := decodeConnection(id, hash.Val(), channels.Val())
	if !ok {
		return models.Connection{}, ErrNotFound
	}
	return conn, nil
}

// Delete removes the connection and every index entry pointing at it.
func (s *redisConnectionStore) Delete(ctx context.Context, id string) (models.Connection, bool, error) {
	conn, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if err := s.client.ZRem(ctx, s.expiryKey(), id).Err(); err != nil {
			return models.Connection{}, false, err
		}
		return models.Connection{}, false, nil
	}
	if err != nil {
		return models.Connection{}, false, err
	}

	var removed *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.connKey(id))
		pipe.Del(ctx, s.connChannelsKey(id))
		pipe.SRem(ctx, s.userKey(conn.TenantID, conn.UserID), id)
		pipe.SRem(ctx, s.tenantKey(conn.TenantID), id)
		for _, channelID := range conn.SubscribedChannels {
			pipe.SRem(ctx, s.channelKey(channelID), id)
		}
		pipe.ZRem(ctx, s.expiryKey(), id)
		return nil
	})
	if err != nil {
		return models.Connection{}, false, err
	}

	// A concurrent delete may have won the race; only the winner reports removal.
	return conn, removed.Val() > 0, nil
}

func (s *redisConnectionStore) Refresh(ctx context.Context, id string, at time.Time, ttl time.Duration) error {
	key := s.connKey(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_heartbeat", at.UTC().Format(time.RFC3339Nano))
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(at.Add(ttl).UnixMilli()), Member: id})
		return nil
	})
	return err
}

func (s *redisConnectionStore) AddSubscription(ctx context.Context, id, channelID string) error {
	exists, err := s.client.Exists(ctx, s.connKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.connChannelsKey(id), channelID)
		pipe.SAdd(ctx, s.channelKey(channelID), id)
		return nil
	})
	return err
}

func (s *redisConnectionStore) RemoveSubscription(ctx context.Context, id, channelID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.connChannelsKey(id), channelID)
		pipe.SRem(ctx, s.channelKey(channelID), id)
		return nil
	})
	return err
}

func (s *redisConnectionStore) ListByUser(ctx context.Context, tenantID, userID string) ([]models.Connection, error) {
	return s.listIndex(ctx, s.userKey(tenantID, userID))
}

func (s *redisConnectionStore) ListByTenant(ctx context.Context, tenantID string) ([]models.Connection, error) {
	return s.listIndex(ctx, s.tenantKey(tenantID))
}

func (s *redisConnectionStore) ListByChannel(ctx context.Context, channelID string) ([]models.Connection, error) {
	return s.listIndex(ctx, s.channelKey(channelID))
}

func (s *redisConnectionStore) CountByUser(ctx context.Context, tenantID, userID string) (int64, error) {
	return s.client.SCard(ctx, s.userKey(tenantID, userID)).Result()
}

// ClaimExpired removes due entries from the expiry index. An id is returned only to the caller whose ZREM removed it.
func (s *redisConnectionStore) ClaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	due, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}

	claimed := make([]string, 0, len(due))
	for _, id := range due {
		removed, err := s.client.ZRem(ctx, s.expiryKey(), id).Result()
		if err != nil {
			return claimed, err
		}
		if removed == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

func (s *redisConnectionStore) Reschedule(ctx context.Context, id string, deadline time.Time) error {
	return s.client.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: id}).Err()
}

func (s *redisConnectionStore) listIndex(ctx context.Context, indexKey string) ([]models.Connection, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Connection{}, nil
	}

	pipe := s.client.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(ids))
	channels := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		hashes[i] = pipe.HGetAll(ctx, s.connKey(id))
		channels[i] = pipe.SMembers(ctx, s.connChannelsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	connections := make([]models.Connection, 0, len(ids))
	stale := make([]interface{}, 0)
	for i, id := range ids {
		conn, ok := decodeConnection(id, hashes[i].Val(), channels[i].Val())
		if !ok {
			stale = append(stale, id)
			continue
		}
		connections = append(connections, conn)
	}

	if len(stale) > 0 {
		_ = s.client.SRem(ctx, indexKey, stale...).Err()
	}

	return connections, nil
}

func decodeConnection(id string, hash map[string]string, channels []string) (models.Connection, bool) {
	if len(hash) == 0 || hash["user_id"] == "" {
		return models.Connection{}, false
	}

	connectedAt, _ := time.Parse(time.RFC3339Nano, hash["connected_at"])
	lastHeartbeat, _ := time.Parse(time.RFC3339Nano, hash["last_heartbeat"])
	if channels == nil {
		channels = []string{}
	}

	return models.Connection{
		ID:                 id,
		UserID:             hash["user_id"],
		TenantID:           hash["tenant_id"],
		NodeID:             hash["node_id"],
		ConnectedAt:        connectedAt,
		LastHeartbeat:      lastHeartbeat,
		SubscribedChannels: channels,
	}, true
}
