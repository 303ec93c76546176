package stream

import (
	"context"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
)

// StreamRequest 打开事件流所需参数
type StreamRequest struct {
	ConversationID string
	// UserMessage 本次提交的用户消息；为 nil 表示仅为会话重新发起生成
	UserMessage *types.Message
}

// EventSource 打开一条作用于单个会话的事件流连接
type EventSource interface {
	Open(ctx context.Context, req StreamRequest) (EventStream, error)
}

// EventStream 一条已建立的事件流连接
//
// Recv 按到达顺序返回已分类的事件；连接结束时返回 io.EOF。
// 单个事件格式错误时返回 ProtocolViolation，调用方可以继续 Recv。
// Close 可重复调用，并使阻塞中的 Recv 尽快返回。
type EventStream interface {
	Recv() (*types.StreamEvent, error)
	Close() error
}

// TitleNotifier 会话标题更新时通知"最近会话列表"刷新
type TitleNotifier interface {
	TitleUpdated(ctx context.Context, conversationID string) error
}
