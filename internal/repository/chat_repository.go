package repository

import (
	"context"
	"fmt"

	"persona-chat/backend/internal/models"

	"gorm.io/gorm"
)

type ChatRepository interface {
	GetForUser(ctx context.Context, chatID, userID string) (*models.Chat, error)
	Create(ctx context.Context, chat *models.Chat, opening ...*models.Message) error
}

type PersonaRepository interface {
	Get(ctx context.Context, id string) (*models.Persona, error)
}

type GormChatRepository struct {
	db *gorm.DB
}

func NewGormChatRepository(db *gorm.DB) *GormChatRepository {
	return &GormChatRepository{db: db}
}

// GetForUser loads a chat only when it belongs to userID.
func (r *GormChatRepository) GetForUser(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", chatID, userID).
		Take(&chat).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &chat, nil
}

// Create inserts the chat and its opening messages atomically.
func (r *GormChatRepository) Create(ctx context.Context, chat *models.Chat, opening ...*models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(chat).Error; err != nil {
			return fmt.Errorf("inserting chat: %w", err)
		}
		for _, m := range opening {
			m.ChatID = chat.ID
			if err := tx.Create(m).Error; err != nil {
				return fmt.Errorf("inserting opening message: %w", err)
			}
		}
		return nil
	})
}

type GormPersonaRepository struct {
	db *gorm.DB
}

func NewGormPersonaRepository(db *gorm.DB) *GormPersonaRepository {
	return &GormPersonaRepository{db: db}
}

func (r *GormPersonaRepository) Get(ctx context.Context, id string) (*models.Persona, error) {
	var persona models.Persona
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&persona).Error; err != nil {
		return nil, notFound(err)
	}
	return &persona, nil
}

// Migrate creates or updates the schema
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Persona{}, &models.Chat{}, &models.Message{})
}
