package service

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/data"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/stream"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	apperrors "github.com/lk2023060901/enterprise-search-backend/internal/pkg/errors"
	"github.com/lk2023060901/enterprise-search-backend/internal/pkg/logger"
	"github.com/lk2023060901/enterprise-search-backend/internal/pkg/response"
	"github.com/lk2023060901/enterprise-search-backend/internal/pkg/sse"
	"go.uber.org/zap"
)

// MarksStore 消息界面标记存储
type MarksStore interface {
	Put(ctx context.Context, conversationID, messageID string, marks data.Marks) error
	List(ctx context.Context, conversationID string) (map[string]data.Marks, error)
}

// ConversationService handles HTTP requests for conversation streaming
type ConversationService struct {
	manager       *stream.Manager
	newController stream.Factory
	marks         MarksStore
	hub           *sse.Hub
	logger        *zap.Logger
	heartbeat     time.Duration
	sweepInterval time.Duration
}

// ServiceOptions 服务可选参数
type ServiceOptions struct {
	Heartbeat    time.Duration
	StatusBuffer int
	// IdleTTL 空闲会话控制器的保留时间，0 表示不回收
	IdleTTL          time.Duration
	MaxConversations int
	SweepInterval    time.Duration
}

// NewConversationService 创建服务；每个新建的控制器的状态变更都会转发到 SSE Hub
func NewConversationService(factory stream.Factory, marks MarksStore, hub *sse.Hub, log *zap.Logger, opts ServiceOptions) *ConversationService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &ConversationService{
		newController: factory,
		marks:         marks,
		hub:           hub,
		logger:        log,
		heartbeat:     opts.Heartbeat,
		sweepInterval: opts.SweepInterval,
	}
	// 控制器被回收时 Close 会关闭订阅 channel，relay 随之退出
	s.manager = stream.NewManager(func(conversationID string) *stream.Controller {
		c := factory(conversationID)
		changes, _ := c.Subscribe(opts.StatusBuffer)
		go s.relay(conversationID, c, changes)
		return c
	}, stream.WithIdleTTL(opts.IdleTTL), stream.WithMaxControllers(opts.MaxConversations))
	return s
}

// RegisterRoutes registers conversation routes
func (s *ConversationService) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/conversations/:id/turns", s.GetTurns)
	r.POST("/conversations/:id/messages", s.SendMessage)
	r.POST("/conversations/:id/stream", s.StartStream)
	r.DELETE("/conversations/:id/stream", s.CancelStream)
	r.GET("/conversations/:id/status", s.StreamStatus)
	r.PUT("/conversations/:id/messages/:message_id/marks", s.PutMarks)
	r.GET("/conversations/:id/marks", s.ListMarks)
}

// TurnsResponse 会话展示轮次
type TurnsResponse struct {
	ConversationID string        `json:"conversation_id"`
	Status         stream.Status `json:"status"`
	Error          string        `json:"error,omitempty"`
	Retryable      bool          `json:"retryable,omitempty"`
	Turns          []types.Turn  `json:"turns"`
}

// SendMessageRequest 发送用户消息
type SendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// SendMessageResponse 已受理的用户消息
type SendMessageResponse struct {
	Message *types.Message `json:"message"`
	Status  stream.Status  `json:"status"`
}

// StreamResponse 流操作结果
type StreamResponse struct {
	ConversationID string        `json:"conversation_id"`
	Status         stream.Status `json:"status"`
	Cancelled      bool          `json:"cancelled,omitempty"`
}

// MarksRequest 更新界面标记
type MarksRequest struct {
	Feedback data.Feedback `json:"feedback"`
	Copied   bool          `json:"copied"`
}

// GetTurns 返回当前展示轮次，流式生成中也可以调用
//
// 没有在管理中的会话用临时控制器读取历史，不占用常驻控制器。
func (s *ConversationService) GetTurns(c *gin.Context) {
	conversationID := c.Param("id")
	controller, ok := s.manager.Lookup(conversationID)
	if !ok {
		controller = s.newController(conversationID)
		defer controller.Close()
	}

	if err := controller.Load(c.Request.Context(), conversationID); err != nil {
		response.HandleError(c, err)
		return
	}

	resp := TurnsResponse{
		ConversationID: conversationID,
		Status:         controller.Status(),
		Turns:          controller.Turns(),
	}
	if err := controller.Err(); err != nil {
		resp.Error = err.Error()
		resp.Retryable = stream.Retryable(err)
	}
	response.Success(c, resp)
}

// SendMessage 追加用户消息并发起生成流
func (s *ConversationService) SendMessage(c *gin.Context) {
	conversationID := c.Param("id")

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithCode(c, apperrors.ErrInvalidParams, err.Error())
		return
	}

	controller := s.manager.Get(conversationID)
	message, err := controller.Send(s.streamContext(c, conversationID), conversationID, req.Message)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("user message accepted",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", message.ID))
	response.Accepted(c, SendMessageResponse{Message: message, Status: controller.Status()})
}

// StartStream 为会话重新发起生成（不附带新消息）
func (s *ConversationService) StartStream(c *gin.Context) {
	conversationID := c.Param("id")
	controller := s.manager.Get(conversationID)

	if err := controller.Start(s.streamContext(c, conversationID), conversationID); err != nil {
		response.HandleError(c, err)
		return
	}
	response.Accepted(c, StreamResponse{ConversationID: conversationID, Status: controller.Status()})
}

// CancelStream 立即取消当前生成
func (s *ConversationService) CancelStream(c *gin.Context) {
	conversationID := c.Param("id")

	controller, ok := s.manager.Lookup(conversationID)
	if !ok {
		response.Success(c, StreamResponse{ConversationID: conversationID, Status: stream.StatusIdle})
		return
	}

	cancelled := controller.Cancel()
	response.Success(c, StreamResponse{
		ConversationID: conversationID,
		Status:         controller.Status(),
		Cancelled:      cancelled,
	})
}

// StreamStatus 以 SSE 推送会话状态变更，首个事件为当前状态
func (s *ConversationService) StreamStatus(c *gin.Context) {
	conversationID := c.Param("id")

	// 未在管理中的会话视为 idle；之后发起的流照常推送给该订阅者
	snapshot := stream.StatusChange{
		ConversationID: conversationID,
		Status:         stream.StatusIdle,
		At:             time.Now(),
	}
	if controller, ok := s.manager.Lookup(conversationID); ok {
		snapshot.Status = controller.Status()
		if err := controller.Err(); err != nil {
			snapshot.Error = err.Error()
			snapshot.Retryable = stream.Retryable(err)
		}
	}

	log := s.logger.With(zap.String("conversation_id", conversationID))
	sse.NewStream(c, s.hub).
		WithResource(conversationID).
		WithHeartbeat(s.heartbeat).
		WithInitialEvents(sse.Event{Type: "status", Data: snapshot}).
		OnConnect(func(clientID string) {
			log.Debug("status subscriber connected", zap.String("client_id", clientID))
		}).
		OnDisconnect(func(clientID string) {
			log.Debug("status subscriber disconnected", zap.String("client_id", clientID))
		}).
		OnError(func(err error) {
			log.Warn("status stream write failed", zap.Error(err))
		}).
		Build().
		StartStreaming()
}

// PutMarks 更新消息的界面标记（反馈、已复制）
func (s *ConversationService) PutMarks(c *gin.Context) {
	conversationID := c.Param("id")
	messageID := c.Param("message_id")

	var req MarksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithCode(c, apperrors.ErrInvalidParams, err.Error())
		return
	}

	marks := data.Marks{Feedback: req.Feedback, Copied: req.Copied, UpdatedAt: time.Now()}
	if err := s.marks.Put(c.Request.Context(), conversationID, messageID, marks); err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, marks)
}

// ListMarks 返回会话全部界面标记
func (s *ConversationService) ListMarks(c *gin.Context) {
	marks, err := s.marks.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, gin.H{"marks": marks})
}

// NotifyTitleUpdated 向订阅该会话的客户端推送标题更新
func (s *ConversationService) NotifyTitleUpdated(conversationID string) {
	s.hub.Broadcast(conversationID, sse.Event{
		Type: "title_updated",
		Data: gin.H{"conversation_id": conversationID},
	})
}

// RunJanitor 周期回收空闲的会话控制器，阻塞直到 ctx 结束
func (s *ConversationService) RunJanitor(ctx context.Context) {
	s.manager.Run(ctx, s.sweepInterval)
}

// Shutdown 取消全部活动流并断开状态订阅
func (s *ConversationService) Shutdown() {
	if n := s.manager.CloseAll(); n > 0 {
		s.logger.Info("cancelled active streams", zap.Int("count", n))
	}
	if n := s.hub.CloseAll(); n > 0 {
		s.logger.Info("closed status subscribers", zap.Int("count", n))
	}
}

// streamContext 流的生命周期独立于发起它的请求，但保留请求的日志字段
func (s *ConversationService) streamContext(c *gin.Context, conversationID string) context.Context {
	return logger.WithConversationID(context.WithoutCancel(c.Request.Context()), conversationID)
}

func (s *ConversationService) relay(conversationID string, c *stream.Controller, changes <-chan stream.StatusChange) {
	for change := range changes {
		s.hub.Broadcast(conversationID, sse.Event{Type: "status", Data: change})
		if change.Status.IsTerminal() {
			s.hub.Broadcast(conversationID, sse.Event{Type: "turns", Data: c.Turns()})
		}
	}
}
