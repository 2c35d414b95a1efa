package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// ChannelRepository persists channels and their memberships.
type ChannelRepository interface {
	Create(ctx context.Context, channel *models.Channel) error
	FindByID(ctx context.Context, id string) (models.Channel, error)
	AddMember(ctx context.Context, member models.ChannelMember) (bool, error)
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	ListForUser(ctx context.Context, tenantID, userID string) ([]models.ChannelSummary, error)
	TouchActivity(ctx context.Context, channelID string, at time.Time) (bool, error)
	Deactivate(ctx context.Context, channelID string) error
	MarkRead(ctx context.Context, channelID, userID string, at time.Time) error
}

type channelRepository struct {
	db *gorm.DB
}

// NewChannelRepository constructs a channel repository backed by GORM.
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &channelRepository{db: db}
}

func (r *channelRepository) Create(ctx context.Context, channel *models.Channel) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(channel)
		if result.Error != nil {
			return translateError(result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrDuplicate
		}

		if len(channel.Members) == 0 {
			return nil
		}
		for i := range channel.Members {
			channel.Members[i].ChannelID = channel.ID
			channel.Members[i].TenantID = channel.TenantID
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&channel.Members).Error
	})
}

func (r *channelRepository) FindByID(ctx context.Context, id string) (models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC").Order("user_id ASC")
		}).
		Where("id = ?", id).
		First(&channel).Error
	if err != nil {
		return models.Channel{}, translateError(err)
	}
	return channel, nil
}

func (r *channelRepository) AddMember(ctx context.Context, member models.ChannelMember) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member)
	if result.Error != nil {
		return false, translateError(result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *channelRepository) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *channelRepository) ListForUser(ctx context.Context, tenantID, userID string) ([]models.ChannelSummary, error) {
	var memberships []models.ChannelMember
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Find(&memberships).Error; err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return []models.ChannelSummary{}, nil
	}

	readMarkers := make(map[string]*time.Time, len(memberships))
	ids := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		readMarkers[membership.ChannelID] = membership.LastReadAt
		ids = append(ids, membership.ChannelID)
	}

	var channels []models.Channel
	if err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC").Order("user_id ASC")
		}).
		Where("id IN ? AND tenant_id = ? AND active = ?", ids, tenantID, true).
		Order("last_activity DESC").
		Order("id ASC").
		Find(&channels).Error; err != nil {
		return nil, err
	}

	summaries := make([]models.ChannelSummary, 0, len(channels))
	for _, channel := range channels {
		query := r.db.WithContext(ctx).
			Model(&models.Message{}).
			Where("channel_id = ? AND user_id <> ? AND deleted = ?", channel.ID, userID, false)
		if marker := readMarkers[channel.ID]; marker != nil {
			query = query.Where("sent_at > ?", marker.UTC())
		}

		var unread int64
		if err := query.Count(&unread).Error; err != nil {
			return nil, err
		}
		summaries = append(summaries, models.ChannelSummary{Channel: channel, UnreadCount: unread})
	}

	return summaries, nil
}

// TouchActivity only moves lastActivity forward; stale timestamps are ignored.
func (r *channelRepository) TouchActivity(ctx context.Context, channelID string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Channel{}).
		Where("id = ? AND last_activity < ?", channelID, at.UTC()).
		Update("last_activity", at.UTC())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *channelRepository) Deactivate(ctx context.Context, channelID string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Channel{}).
		Where("id = ?", channelID).
		Update("active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRead advances the member's read marker. Earlier markers never overwrite later ones.
func (r *channelRepository) MarkRead(ctx context.Context, channelID, userID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Where("(last_read_at IS NULL OR last_read_at < ?)", at.UTC()).
		Update("last_read_at", at.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	member, err := r.IsMember(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotFound
	}
	return nil
}
