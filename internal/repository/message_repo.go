package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 200
)

// MessageCursor marks the oldest message of a page. Older pages start strictly
// before it in (created_at, id) order; a zero ID compares on created_at alone.
type MessageCursor struct {
	CreatedAt time.Time
	ID        uint
}

// IsZero reports whether the cursor points past the newest message.
func (c MessageCursor) IsZero() bool {
	return c.CreatedAt.IsZero()
}

// CursorOf returns the cursor that pages before message.
func CursorOf(message models.ChatMessage) MessageCursor {
	return MessageCursor{CreatedAt: message.CreatedAt, ID: message.ID}
}

// MessageRepository persists chat messages. Every read returns messages
// oldest-first, ordered by created_at with ties broken by id.
type MessageRepository interface {
	Fetch(ctx context.Context, chatID string) ([]models.ChatMessage, error)
	Page(ctx context.Context, chatID string, before MessageCursor, limit int) ([]models.ChatMessage, error)
	Insert(ctx context.Context, message *models.ChatMessage) error
	MarkSeen(ctx context.Context, chatID, receiverID string) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Fetch(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) Page(ctx context.Context, chatID string, before MessageCursor, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > maxMessagePageSize {
		limit = defaultMessagePageSize
	}

	query := r.db.WithContext(ctx).Where("chat_id = ?", chatID)
	switch {
	case before.IsZero():
	case before.ID == 0:
		query = query.Where("created_at < ?", before.CreatedAt.UTC())
	default:
		at := before.CreatedAt.UTC()
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, before.ID)
	}

	var messages []models.ChatMessage
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Newest page was read descending; flip back to oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) Insert(ctx context.Context, message *models.ChatMessage) error {
	message.ID = 0
	message.Seen = false
	// Cursors compare created_at for equality, so store it at the precision
	// and zone every backend round-trips.
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	message.CreatedAt = message.CreatedAt.UTC().Truncate(time.Microsecond)
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *messageRepository) MarkSeen(ctx context.Context, chatID, receiverID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("chat_id = ? AND receiver_id = ? AND seen = ?", chatID, receiverID, false).
		Update("seen", true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
