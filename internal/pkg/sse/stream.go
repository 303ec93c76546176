package sse

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Stream SSE 流（封装 Client 和 gin.Context）
type Stream struct {
	client    *Client
	ctx       *gin.Context
	hub       *Hub
	heartbeat time.Duration
	initial   []Event

	// 生命周期钩子
	onConnect    func(clientID string)
	onDisconnect func(clientID string)
	onError      func(error)

	closed atomic.Bool
}

// StreamBuilder 构建器
type StreamBuilder struct {
	ginCtx       *gin.Context
	hub          *Hub
	resource     string
	bufferSize   int
	heartbeat    time.Duration
	initial      []Event
	onConnect    func(string)
	onDisconnect func(string)
	onError      func(error)
}

// NewStream 创建 Stream 构建器
func NewStream(c *gin.Context, hub *Hub) *StreamBuilder {
	return &StreamBuilder{
		ginCtx:     c,
		hub:        hub,
		bufferSize: 16,               // 默认缓冲区
		heartbeat:  15 * time.Second, // 默认 15s 心跳
	}
}

// WithResource 设置订阅的资源 ID
func (b *StreamBuilder) WithResource(resource string) *StreamBuilder {
	b.resource = resource
	return b
}

// WithBufferSize 设置 Channel 缓冲区大小
func (b *StreamBuilder) WithBufferSize(size int) *StreamBuilder {
	if size > 0 {
		b.bufferSize = size
	}
	return b
}

// WithHeartbeat 设置心跳间隔（0 表示禁用心跳）
func (b *StreamBuilder) WithHeartbeat(interval time.Duration) *StreamBuilder {
	b.heartbeat = interval
	return b
}

// WithInitialEvents 连接建立后首先发送的事件（例如当前状态快照）
func (b *StreamBuilder) WithInitialEvents(events ...Event) *StreamBuilder {
	b.initial = append(b.initial, events...)
	return b
}

// OnConnect 设置连接建立钩子
func (b *StreamBuilder) OnConnect(fn func(clientID string)) *StreamBuilder {
	b.onConnect = fn
	return b
}

// OnDisconnect 设置连接断开钩子
func (b *StreamBuilder) OnDisconnect(fn func(clientID string)) *StreamBuilder {
	b.onDisconnect = fn
	return b
}

// OnError 设置错误处理钩子
func (b *StreamBuilder) OnError(fn func(error)) *StreamBuilder {
	b.onError = fn
	return b
}

// Build 构建 Stream
func (b *StreamBuilder) Build() *Stream {
	return &Stream{
		client: &Client{
			ID:       uuid.New().String(),
			Channel:  make(chan Event, b.bufferSize),
			Resource: b.resource,
		},
		ctx:          b.ginCtx,
		hub:          b.hub,
		heartbeat:    b.heartbeat,
		initial:      b.initial,
		onConnect:    b.onConnect,
		onDisconnect: b.onDisconnect,
		onError:      b.onError,
	}
}

// ClientID 客户端 ID
func (s *Stream) ClientID() string {
	return s.client.ID
}

// IsClosed 是否已关闭
func (s *Stream) IsClosed() bool {
	return s.closed.Load()
}

// Close 关闭流（幂等）
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.Unregister(s.client)
	if s.onDisconnect != nil {
		s.onDisconnect(s.client.ID)
	}
	return nil
}

// StartStreaming 开始流式传输，阻塞直到客户端断开或 Channel 关闭
//
// 所有写操作都在当前 goroutine 内完成，事件通过 Hub.Broadcast 投递。
func (s *Stream) StartStreaming() {
	s.ctx.Header("Content-Type", "text/event-stream")
	s.ctx.Header("Cache-Control", "no-cache")
	s.ctx.Header("Connection", "keep-alive")
	s.ctx.Header("X-Accel-Buffering", "no")

	s.hub.Register(s.client)
	defer s.Close()

	if s.onConnect != nil {
		s.onConnect(s.client.ID)
	}

	for _, event := range s.initial {
		if !s.write(event.FormatSSE()) {
			return
		}
	}

	var heartbeat <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	clientGone := s.ctx.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return

		case event, ok := <-s.client.Channel:
			if !ok {
				return
			}
			if !s.write(event.FormatSSE()) {
				return
			}

		case <-heartbeat:
			if !s.write(": heartbeat\n\n") {
				return
			}
		}
	}
}

func (s *Stream) write(frame string) bool {
	if _, err := fmt.Fprint(s.ctx.Writer, frame); err != nil {
		if s.onError != nil {
			s.onError(err)
		}
		return false
	}
	s.ctx.Writer.Flush()
	return true
}
