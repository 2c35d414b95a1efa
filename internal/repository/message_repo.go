package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// MessageCursor marks the oldest message of a previous page.
type MessageCursor struct {
	Timestamp time.Time
	ID        string
}

// MessageRepository persists the per-channel message log.
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	FindByID(ctx context.Context, channelID, messageID string) (models.Message, error)
	ListBefore(ctx context.Context, channelID string, before *MessageCursor, limit int) ([]models.Message, error)
	AddReaction(ctx context.Context, reaction models.MessageReaction) (bool, error)
	AddRevision(ctx context.Context, messageID, content string, mentions []string, at time.Time) (models.MessageRevision, error)
	MarkDeleted(ctx context.Context, messageID string, at time.Time) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, message *models.Message) error {
	return translateError(r.db.WithContext(ctx).Omit(clause.Associations).Create(message).Error)
}

func (r *messageRepository) FindByID(ctx context.Context, channelID, messageID string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Preload("Reactions", orderReactions).
		Preload("Revisions", orderRevisions).
		Where("id = ? AND channel_id = ?", messageID, channelID).
		First(&message).Error
	if err != nil {
		return models.Message{}, translateError(err)
	}
	return message, nil
}

// ListBefore returns up to limit messages older than the cursor, newest first.
func (r *messageRepository) ListBefore(ctx context.Context, channelID string, before *MessageCursor, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := r.db.WithContext(ctx).
		Preload("Reactions", orderReactions).
		Preload("Revisions", orderRevisions).
		Where("channel_id = ?", channelID)
	if before != nil {
		ts := before.Timestamp.UTC()
		query = query.Where("(sent_at < ? OR (sent_at = ? AND id < ?))", ts, ts, before.ID)
	}

	var messages []models.Message
	if err := query.Order("sent_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *messageRepository) AddReaction(ctx context.Context, reaction models.MessageReaction) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&reaction)
	if result.Error != nil {
		return false, translateError(result.Error)
	}
	return result.RowsAffected > 0, nil
}

// AddRevision appends an edit and flags the message as edited. The message row's content is left as posted.
func (r *messageRepository) AddRevision(ctx context.Context, messageID, content string, mentions []string, at time.Time) (models.MessageRevision, error) {
	if mentions == nil {
		mentions = []string{}
	}
	revision := models.MessageRevision{
		MessageID: messageID,
		Content:   content,
		Mentions:  datatypes.JSONSlice[string](mentions),
		CreatedAt: at.UTC(),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Message{}).
			Where("id = ?", messageID).
			Updates(map[string]interface{}{"edited": true, "updated_at": at.UTC()})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		var current int
		if err := tx.Model(&models.MessageRevision{}).
			Where("message_id = ?", messageID).
			Select("COALESCE(MAX(revision), 0)").
			Scan(&current).Error; err != nil {
			return err
		}
		revision.Revision = current + 1
		return tx.Create(&revision).Error
	})
	if err != nil {
		return models.MessageRevision{}, translateError(err)
	}
	return revision, nil
}

// MarkDeleted flags a message deleted. The row and its revisions stay in history.
func (r *messageRepository) MarkDeleted(ctx context.Context, messageID string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{"deleted": true, "updated_at": at.UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func orderReactions(db *gorm.DB) *gorm.DB {
	return db.Order("created_at ASC").Order("user_id ASC")
}

func orderRevisions(db *gorm.DB) *gorm.DB {
	return db.Order("revision ASC")
}
