package stream

import (
	"sync"
	"time"

	apperrors "github.com/lk2023060901/enterprise-search-backend/internal/pkg/errors"
)

// Status 流会话状态
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal 是否为终止状态
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive 是否有流正在进行
func (s Status) IsActive() bool {
	return s == StatusConnecting || s == StatusStreaming
}

// StatusChange 状态变更通知
type StatusChange struct {
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	Err            error     `json:"-"`
	Error          string    `json:"error,omitempty"`
	Retryable      bool      `json:"retryable,omitempty"`
	At             time.Time `json:"at"`
}

// Retryable 失败原因可以通过重新发起流恢复时返回 true，用于前端展示重试入口
func Retryable(err error) bool {
	return err != nil && apperrors.IsRetryable(apperrors.ExtractCode(err))
}

// statusHub 状态订阅者管理，发送不阻塞，订阅者缓冲区满时丢弃
type statusHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan StatusChange
	closed bool
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[int]chan StatusChange)}
}

func (h *statusHub) subscribe(buffer int) (<-chan StatusChange, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan StatusChange, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

func (h *statusHub) publish(change StatusChange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// closeAll 关闭全部订阅，之后的订阅立即得到已关闭的 channel
func (h *statusHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
