package data

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTitleChannel 标题更新的 Redis 频道
const DefaultTitleChannel = "conversations:title_updated"

// TitleNotifier 通过 Redis Pub/Sub 广播会话标题更新，payload 为会话 ID
type TitleNotifier struct {
	rdb     redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewTitleNotifier 创建通知器
func NewTitleNotifier(rdb redis.UniversalClient, channel string, logger *zap.Logger) *TitleNotifier {
	if channel == "" {
		channel = DefaultTitleChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TitleNotifier{rdb: rdb, channel: channel, logger: logger}
}

// TitleUpdated 实现 stream.TitleNotifier
func (n *TitleNotifier) TitleUpdated(ctx context.Context, conversationID string) error {
	receivers, err := n.rdb.Publish(ctx, n.channel, conversationID).Result()
	if err != nil {
		n.logger.Error("redis publish failed", zap.String("channel", n.channel), zap.Error(err))
		return fmt.Errorf("failed to publish title update: %w", err)
	}
	n.logger.Debug("title update published",
		zap.String("channel", n.channel),
		zap.String("conversation_id", conversationID),
		zap.Int64("receivers", receivers))
	return nil
}

// Listen 订阅标题更新并对每条消息调用 fn，阻塞直到 ctx 结束
func (n *TitleNotifier) Listen(ctx context.Context, fn func(conversationID string)) error {
	pubsub := n.rdb.Subscribe(ctx, n.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", n.channel, err)
	}
	n.logger.Info("redis subscribed to channels", zap.String("channel", n.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
