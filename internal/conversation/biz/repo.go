package biz

import (
	"context"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
)

// MessageRepo 消息持久化协作者
type MessageRepo interface {
	// ListByConversation 按 sequence_number 升序返回会话的全部消息
	ListByConversation(ctx context.Context, conversationID string) ([]*types.Message, error)
	// Save 持久化一条已完成的消息；SequenceNumber 为 0 时由仓库分配并回写
	Save(ctx context.Context, message *types.Message) error
}

// TokenCounter 统计已完成消息的 token 数
type TokenCounter interface {
	CountMessage(message *types.Message) (int, error)
}
