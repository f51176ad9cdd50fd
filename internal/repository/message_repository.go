package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"persona-chat/backend/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a record does not exist in the requested scope
var ErrNotFound = errors.New("record not found")

// MessageRepository stores the message tree of every chat
type MessageRepository interface {
	Get(ctx context.Context, chatID, id string) (*models.Message, error)
	Latest(ctx context.Context, chatID string) (*models.Message, error)
	Edges(ctx context.Context, chatID string) ([]models.Edge, error)
	Children(ctx context.Context, chatID string, parentID *string) ([]models.Message, error)
	Ancestors(ctx context.Context, chatID, leafID string, limit int) ([]models.Message, error)
	CreateBatch(ctx context.Context, messages ...*models.Message) error
	UpdateContent(ctx context.Context, message *models.Message) error
}

type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Get(ctx context.Context, chatID, id string) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Where("id = ? AND chat_id = ?", id, chatID).
		Take(&message).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &message, nil
}

// Latest returns the most recently created message of the chat.
func (r *GormMessageRepository) Latest(ctx context.Context, chatID string) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Order("id DESC").
		Take(&message).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &message, nil
}

// Edges loads the adjacency list of the chat in creation order.
func (r *GormMessageRepository) Edges(ctx context.Context, chatID string) ([]models.Edge, error) {
	var edges []models.Edge
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Select("id", "parent_id", "role", "created_at").
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Scan(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}
	return edges, nil
}

// Children returns the direct children of parentID; a nil parent selects roots.
func (r *GormMessageRepository) Children(ctx context.Context, chatID string, parentID *string) ([]models.Message, error) {
	q := r.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if parentID == nil {
		q = q.Where("parent_id IS NULL")
	} else {
		q = q.Where("parent_id = ?", *parentID)
	}

	var messages []models.Message
	if err := q.Order("created_at ASC").Order("id ASC").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("loading children: %w", err)
	}
	return messages, nil
}

// ancestorsSQL walks parent links upward from the leaf in one statement.
// Every hop must stay inside the chat; the walk ends at a root, at a parent
// that does not exist, or once limit rows were produced.
const ancestorsSQL = `
WITH RECURSIVE ancestors AS (
	SELECT m.*, 0 AS depth
	FROM messages m
	WHERE m.id = ? AND m.chat_id = ?
	UNION ALL
	SELECT p.*, a.depth + 1
	FROM messages p
	JOIN ancestors a ON p.id = a.parent_id
	WHERE p.chat_id = ? AND a.depth + 1 < ?
)
SELECT * FROM ancestors ORDER BY depth DESC`

// Ancestors returns up to limit messages ending at leafID, root side first.
func (r *GormMessageRepository) Ancestors(ctx context.Context, chatID, leafID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var messages []models.Message
	err := r.db.WithContext(ctx).
		Raw(ancestorsSQL, leafID, chatID, chatID, limit).
		Scan(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("walking ancestors: %w", err)
	}
	return messages, nil
}

// CreateBatch inserts all messages in one transaction.
func (r *GormMessageRepository) CreateBatch(ctx context.Context, messages ...*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range messages {
			if err := tx.Create(m).Error; err != nil {
				return fmt.Errorf("inserting message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// UpdateContent rewrites parts, metadata and updated_at of an existing message.
func (r *GormMessageRepository) UpdateContent(ctx context.Context, message *models.Message) error {
	if message.UpdatedAt.IsZero() {
		message.UpdatedAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND chat_id = ?", message.ID, message.ChatID).
		Updates(map[string]any{
			"parts":      datatypes.JSON(message.Parts),
			"metadata":   message.Metadata,
			"updated_at": message.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("updating message %s: %w", message.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
