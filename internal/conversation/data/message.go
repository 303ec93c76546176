package data

import (
	"context"
	"fmt"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/models"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepo implements biz.MessageRepo using GORM
type MessageRepo struct {
	db *gorm.DB
}

// NewMessageRepo creates a new message repository
func NewMessageRepo(db *gorm.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AutoMigrate creates or updates the messages table
func (r *MessageRepo) AutoMigrate() error {
	if err := r.db.AutoMigrate(&models.Message{}); err != nil {
		return fmt.Errorf("failed to migrate messages: %w", err)
	}
	return nil
}

// ListByConversation lists all messages of a conversation in sequence order
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]*types.Message, error) {
	var modelList []models.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sequence_number ASC").
		Find(&modelList).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]*types.Message, 0, len(modelList))
	for i := range modelList {
		messages = append(messages, toDomain(&modelList[i]))
	}
	return messages, nil
}

// Save inserts or updates a message; a zero SequenceNumber is allocated as max+1
func (r *MessageRepo) Save(ctx context.Context, message *types.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if message.SequenceNumber == 0 {
			var max int64
			if err := tx.Model(&models.Message{}).
				Where("conversation_id = ?", message.ConversationID).
				Select("COALESCE(MAX(sequence_number), 0)").
				Scan(&max).Error; err != nil {
				return fmt.Errorf("failed to allocate sequence number: %w", err)
			}
			message.SequenceNumber = max + 1
		}

		model := toModel(message)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_blocks", "token_count", "sequence_number"}),
		}).Create(model).Error; err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		return nil
	})
}

// toModel converts domain message to GORM model
func toModel(message *types.Message) *models.Message {
	return &models.Message{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SequenceNumber: message.SequenceNumber,
		Role:           string(message.Role),
		ContentBlocks:  models.ContentBlocks(types.CloneBlocks(message.ContentBlocks)),
		TokenCount:     message.TokenCount,
		CreatedAt:      message.CreatedAt,
	}
}

// toDomain converts GORM model to domain message
func toDomain(model *models.Message) *types.Message {
	blocks := []types.ContentBlock(model.ContentBlocks)
	if blocks == nil {
		blocks = []types.ContentBlock{}
	}
	return &types.Message{
		ID:             model.ID,
		ConversationID: model.ConversationID,
		Role:           types.Role(model.Role),
		SequenceNumber: model.SequenceNumber,
		ContentBlocks:  blocks,
		TokenCount:     model.TokenCount,
		CreatedAt:      model.CreatedAt,
	}
}
