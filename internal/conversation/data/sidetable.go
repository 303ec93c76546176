package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/lk2023060901/enterprise-search-backend/internal/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Feedback 用户对消息的反馈
type Feedback string

const (
	FeedbackNone Feedback = ""
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

// Valid 是否为合法取值
func (f Feedback) Valid() bool {
	return f == FeedbackNone || f == FeedbackUp || f == FeedbackDown
}

// Marks 消息的界面标记（反馈、是否已复制），不属于消息本身
type Marks struct {
	Feedback  Feedback  `json:"feedback,omitempty"`
	Copied    bool      `json:"copied"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SideTable 基于 Redis Hash 的界面标记表
//
// key: conversation:{id}:ui，field: message_id，value: Marks JSON
type SideTable struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewSideTable 创建标记表；ttl 为 0 时不过期
func NewSideTable(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *SideTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SideTable{rdb: rdb, ttl: ttl, logger: logger}
}

// SideTableKey 会话标记表的 Redis key
func SideTableKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:ui", conversationID)
}

// Put 写入一条消息的标记并刷新过期时间
func (s *SideTable) Put(ctx context.Context, conversationID, messageID string, marks Marks) error {
	if conversationID == "" || messageID == "" {
		return apperrors.New(apperrors.ErrInvalidParams, "conversation id and message id are required")
	}
	if !marks.Feedback.Valid() {
		return apperrors.Newf(apperrors.ErrInvalidParams, "invalid feedback %q", marks.Feedback)
	}
	if marks.UpdatedAt.IsZero() {
		marks.UpdatedAt = time.Now()
	}

	value, err := json.Marshal(marks)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrSideTableFailed, "marshal marks")
	}

	key := SideTableKey(conversationID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, messageID, value)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("redis hset failed", zap.String("key", key), zap.String("message_id", messageID), zap.Error(err))
		return apperrors.Wrap(err, apperrors.ErrSideTableFailed, "put marks")
	}
	return nil
}

// Get 读取一条消息的标记，不存在时返回 nil
func (s *SideTable) Get(ctx context.Context, conversationID, messageID string) (*Marks, error) {
	raw, err := s.rdb.HGet(ctx, SideTableKey(conversationID), messageID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrSideTableFailed, "get marks")
	}

	var marks Marks
	if err := json.Unmarshal([]byte(raw), &marks); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrSideTableFailed, "decode marks")
	}
	return &marks, nil
}

// List 读取会话全部标记，key 为 message_id；损坏的条目跳过
func (s *SideTable) List(ctx context.Context, conversationID string) (map[string]Marks, error) {
	key := SideTableKey(conversationID)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrSideTableFailed, "list marks")
	}
	return decodeMarks(fields, func(messageID string, err error) {
		s.logger.Warn("skipping corrupt marks entry", zap.String("key", key), zap.String("message_id", messageID), zap.Error(err))
	}), nil
}

// Delete 删除一条消息的标记
func (s *SideTable) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := s.rdb.HDel(ctx, SideTableKey(conversationID), messageID).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrSideTableFailed, "delete marks")
	}
	return nil
}

func decodeMarks(fields map[string]string, onError func(string, error)) map[string]Marks {
	out := make(map[string]Marks, len(fields))
	for messageID, raw := range fields {
		var marks Marks
		if err := json.Unmarshal([]byte(raw), &marks); err != nil {
			if onError != nil {
				onError(messageID, err)
			}
			continue
		}
		out[messageID] = marks
	}
	return out
}
