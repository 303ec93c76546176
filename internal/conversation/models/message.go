package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
)

// Message is the GORM model for conversation_messages table
type Message struct {
	ID             string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConversationID string        `gorm:"type:varchar(64);not null;uniqueIndex:idx_conversation_sequence,priority:1" json:"conversation_id"`
	SequenceNumber int64         `gorm:"not null;uniqueIndex:idx_conversation_sequence,priority:2" json:"sequence_number"`
	Role           string        `gorm:"type:varchar(20);not null" json:"role"` // user | assistant
	ContentBlocks  ContentBlocks `gorm:"type:jsonb;not null" json:"content_blocks"`
	TokenCount     *int          `gorm:"type:integer" json:"token_count,omitempty"`
	CreatedAt      time.Time     `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name
func (Message) TableName() string {
	return "conversation_messages"
}

// ContentBlocks stores []types.ContentBlock as JSONB
type ContentBlocks []types.ContentBlock

// Scan implements sql.Scanner interface
func (cb *ContentBlocks) Scan(value interface{}) error {
	if value == nil {
		*cb = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported content_blocks type %T", value)
	}
	return json.Unmarshal(data, cb)
}

// Value implements driver.Valuer interface
func (cb ContentBlocks) Value() (driver.Value, error) {
	if cb == nil {
		return "[]", nil
	}
	data, err := json.Marshal(cb)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
