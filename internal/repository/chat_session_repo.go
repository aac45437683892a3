package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
)

// ChatSessionRepository reads the participant pairing of a chat.
type ChatSessionRepository interface {
	Get(ctx context.Context, chatID string) (models.ChatSession, error)
	Create(ctx context.Context, session *models.ChatSession) error
}

type chatSessionRepository struct {
	db *gorm.DB
}

// NewChatSessionRepository constructs a chat session repository backed by GORM.
func NewChatSessionRepository(db *gorm.DB) ChatSessionRepository {
	return &chatSessionRepository{db: db}
}

func (r *chatSessionRepository) Get(ctx context.Context, chatID string) (models.ChatSession, error) {
	var session models.ChatSession
	if err := r.db.WithContext(ctx).Where("id = ?", chatID).First(&session).Error; err != nil {
		return models.ChatSession{}, err
	}
	return session, nil
}

func (r *chatSessionRepository) Create(ctx context.Context, session *models.ChatSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}
