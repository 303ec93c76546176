package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/biz"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	apperrors "github.com/lk2023060901/enterprise-search-backend/internal/pkg/errors"
	"go.uber.org/zap"
)

// Controller 流会话控制器
//
// 状态机：idle → connecting → streaming → {completed, failed, cancelled}。
// 每条流由一个 pump goroutine 驱动，它是会话消息的唯一写者；mu 保证一次块应用
// 完整结束后，Turns/Cancel 才能观察到结果。
type Controller struct {
	source   EventSource
	repo     biz.MessageRepo
	notifier TitleNotifier
	counter  biz.TokenCounter
	logger   *zap.Logger
	hub      *statusHub
	now      func() time.Time

	// startMu 串行化 Start/Send，保证同一时刻只有一个写者
	startMu sync.Mutex

	mu             sync.RWMutex
	conversationID string
	loaded         bool
	messages       []*types.Message
	status         Status
	err            error
	active         *session
	lastActivity   time.Time
}

// session 一次流连接的运行状态，字段受 Controller.mu 保护
type session struct {
	conversationID string
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}

	stream        EventStream
	placeholder   *types.Message
	acc           *biz.Accumulator
	durableID     string
	contentEvents int
	cancelled     bool
	finished      bool
}

// Option 控制器可选配置
type Option func(*Controller)

// WithTitleNotifier 设置标题更新通知器
func WithTitleNotifier(n TitleNotifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithTokenCounter 设置完成消息的 token 统计
func WithTokenCounter(counter biz.TokenCounter) Option {
	return func(c *Controller) { c.counter = counter }
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController 创建控制器；repo 为 nil 时不加载历史也不持久化
func NewController(source EventSource, repo biz.MessageRepo, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		source: source,
		repo:   repo,
		logger: logger,
		hub:    newStatusHub(),
		now:    time.Now,
		status: StatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastActivity = c.now()
	return c
}

// Start 为会话发起一条新的生成流（不附带用户消息）
func (c *Controller) Start(ctx context.Context, conversationID string) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if err := c.prepare(ctx, conversationID); err != nil {
		return err
	}
	c.launch(ctx, StreamRequest{ConversationID: conversationID})
	return nil
}

// Send 追加并持久化一条用户消息，然后发起携带该消息的生成流
func (c *Controller) Send(ctx context.Context, conversationID, text string) (*types.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.New(apperrors.ErrInvalidParams, "message cannot be empty")
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	if err := c.prepare(ctx, conversationID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	userMessage := &types.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           types.RoleUser,
		SequenceNumber: c.nextSequenceLocked(),
		ContentBlocks:  []types.ContentBlock{types.NewTextBlock(text)},
		CreatedAt:      c.now(),
	}
	c.mu.Unlock()

	if c.repo != nil {
		if err := c.repo.Save(ctx, userMessage.Clone()); err != nil {
			return nil, fmt.Errorf("failed to save user message: %w", err)
		}
	}

	c.mu.Lock()
	c.messages = append(c.messages, userMessage)
	c.mu.Unlock()

	c.launch(ctx, StreamRequest{ConversationID: conversationID, UserMessage: userMessage.Clone()})
	return userMessage.Clone(), nil
}

// Cancel 立即关闭当前流；已缓冲的事件不再处理。没有活动流时返回 false
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.active.finished {
		return false
	}
	c.cancelLocked(c.active)
	return true
}

// Turns 返回当前展示轮次，流进行中也可以安全调用
func (c *Controller) Turns() []types.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return biz.Group(c.messages)
}

// Messages 返回会话消息快照
func (c *Controller) Messages() []*types.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*types.Message, 0, len(c.messages))
	for _, msg := range c.messages {
		out = append(out, msg.Clone())
	}
	return out
}

// ConversationID 当前加载的会话
func (c *Controller) ConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID
}

// Status 当前状态
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Err 最近一次 failed 的原因
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// LastActivity 最近一次加载或状态变更的时间
func (c *Controller) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Close 取消活动流并关闭全部状态订阅；之后不应再使用该控制器
func (c *Controller) Close() {
	c.Cancel()
	c.hub.closeAll()
}

// Subscribe 订阅状态变更；调用返回的函数取消订阅
func (c *Controller) Subscribe(buffer int) (<-chan StatusChange, func()) {
	return c.hub.subscribe(buffer)
}

// Wait 等待当前流结束（包括完成后的持久化）
func (c *Controller) Wait(ctx context.Context) (Status, error) {
	c.mu.RLock()
	s := c.active
	c.mu.RUnlock()

	if s != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return c.Status(), ctx.Err()
		}
	}
	return c.Status(), c.Err()
}

// Load 加载会话历史但不发起流；已加载时不做任何事，切换会话时先取消旧流
func (c *Controller) Load(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return apperrors.New(apperrors.ErrConversationInvalid, "conversation id is required")
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.RLock()
	same := c.loaded && c.conversationID == conversationID
	c.mu.RUnlock()
	if same {
		return nil
	}
	return c.prepare(ctx, conversationID)
}

// prepare 取消并等待旧流退出，必要时加载会话历史
func (c *Controller) prepare(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return apperrors.New(apperrors.ErrConversationInvalid, "conversation id is required")
	}

	c.mu.Lock()
	prev := c.active
	if prev != nil && !prev.finished {
		c.cancelLocked(prev)
	}
	c.mu.Unlock()

	if prev != nil {
		<-prev.done
	}
	return c.ensureLoaded(ctx, conversationID)
}

// ensureLoaded 调用方持有 startMu
func (c *Controller) ensureLoaded(ctx context.Context, conversationID string) error {
	c.mu.RLock()
	loaded := c.loaded && c.conversationID == conversationID
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	var history []*types.Message
	if c.repo != nil {
		var err error
		history, err = c.repo.ListByConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("failed to load conversation history: %w", err)
		}
	}

	c.mu.Lock()
	c.conversationID = conversationID
	c.loaded = true
	c.messages = history
	c.active = nil
	c.status = StatusIdle
	c.err = nil
	c.lastActivity = c.now()
	c.mu.Unlock()

	c.logger.Info("conversation loaded",
		zap.String("conversation_id", conversationID),
		zap.Int("message_count", len(history)))
	return nil
}

func (c *Controller) launch(ctx context.Context, req StreamRequest) {
	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		conversationID: req.ConversationID,
		ctx:            sctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	c.mu.Lock()
	c.active = s
	c.setStatusLocked(s, StatusConnecting, nil)
	c.mu.Unlock()

	go c.run(s, req)
}

// run 是 pump goroutine：打开连接并按顺序分发事件
func (c *Controller) run(s *session, req StreamRequest) {
	defer close(s.done)
	defer s.cancel()

	es, err := c.source.Open(s.ctx, req)
	if err != nil {
		c.fail(s, biz.TransportFailure(err, "open stream"))
		return
	}

	c.mu.Lock()
	if s.cancelled {
		c.mu.Unlock()
		es.Close()
		return
	}
	s.stream = es
	c.mu.Unlock()
	defer es.Close()

	for {
		event, err := es.Recv()
		if err != nil {
			if biz.IsProtocolViolation(err) {
				c.logger.Warn("dropping malformed stream event",
					zap.String("conversation_id", s.conversationID),
					zap.Error(err))
				continue
			}
			if errors.Is(err, io.EOF) {
				c.fail(s, biz.TransportFailure(nil, "stream closed before end_of_stream"))
			} else {
				c.fail(s, biz.TransportFailure(err))
			}
			return
		}

		if !c.handle(s, event) {
			return
		}
	}
}

// handle 应用单个事件，返回 false 表示流已结束
func (c *Controller) handle(s *session, event *types.StreamEvent) bool {
	var (
		notifyTitle bool
		completed   *types.Message
	)

	c.mu.Lock()
	if s.finished {
		c.mu.Unlock()
		return false
	}

	switch event.Kind {
	case types.EventMessageStart:
		c.onMessageStartLocked(s, event)
	case types.EventContentBlockStart, types.EventContentBlockDelta:
		c.onBlockEventLocked(s, event)
	case types.EventToolResult:
		c.onToolResultLocked(s, event)
	case types.EventMessageID:
		c.onMessageIDLocked(s, event)
	case types.EventTitleUpdated:
		notifyTitle = true
	case types.EventEndOfStream:
		completed = c.completeLocked(s)
	case types.EventError:
		c.failLocked(s, biz.TransportFailure(event.Err, "error event"))
	case types.EventIgnored:
	default:
		c.dropLocked(s, event, biz.ProtocolViolation("unknown event kind %q", event.Kind))
	}

	finished := s.finished
	c.mu.Unlock()

	if notifyTitle && c.notifier != nil {
		if err := c.notifier.TitleUpdated(s.ctx, s.conversationID); err != nil {
			c.logger.Warn("failed to notify title update",
				zap.String("conversation_id", s.conversationID),
				zap.Error(err))
		}
	}
	if completed != nil {
		c.persist(s, completed)
	}
	return !finished
}

func (c *Controller) onMessageStartLocked(s *session, event *types.StreamEvent) {
	if s.placeholder != nil {
		c.dropLocked(s, event, biz.ProtocolViolation("duplicate message_start"))
		return
	}

	role := event.Role
	if role == "" {
		role = types.RoleAssistant
	}
	placeholder := &types.Message{
		ID:             types.TemporaryIDPrefix + uuid.New().String(),
		ConversationID: s.conversationID,
		Role:           role,
		SequenceNumber: c.nextSequenceLocked(),
		ContentBlocks:  []types.ContentBlock{},
		CreatedAt:      c.now(),
	}
	// 占位消息先入列，之后的块事件总有目标
	c.messages = append(c.messages, placeholder)
	s.placeholder = placeholder
	s.acc = biz.NewAccumulator(placeholder)

	for i, block := range event.InitialBlocks {
		if err := s.acc.StartBlock(i, block); err != nil {
			c.dropLocked(s, event, err)
			break
		}
	}
	if len(placeholder.ContentBlocks) > 0 {
		s.contentEvents++
	}

	c.setStatusLocked(s, StatusStreaming, nil)
	c.logger.Debug("message started",
		zap.String("conversation_id", s.conversationID),
		zap.String("temporary_id", placeholder.ID),
		zap.Int64("sequence_number", placeholder.SequenceNumber))
}

func (c *Controller) onBlockEventLocked(s *session, event *types.StreamEvent) {
	if s.acc == nil {
		c.dropLocked(s, event, biz.ProtocolViolation("%s before message_start", event.Kind))
		return
	}

	var err error
	if event.Kind == types.EventContentBlockStart {
		if event.Block == nil {
			err = biz.ProtocolViolation("content_block_start at index %d has no block", event.Index)
		} else {
			err = s.acc.StartBlock(event.Index, *event.Block)
		}
	} else {
		err = s.acc.ApplyDelta(event.Index, event.Delta)
	}

	if err != nil {
		c.dropLocked(s, event, err)
		return
	}
	s.contentEvents++
}

func (c *Controller) onToolResultLocked(s *session, event *types.StreamEvent) {
	if s.acc == nil {
		c.dropLocked(s, event, biz.ProtocolViolation("tool_result before message_start"))
		return
	}
	if event.ToolResult == nil {
		c.dropLocked(s, event, biz.ProtocolViolation("tool_result without payload"))
		return
	}

	target := biz.CorrelateTarget(c.messages, *event.ToolResult)
	if target == nil {
		c.logger.Warn("tool result discarded",
			zap.String("conversation_id", s.conversationID),
			zap.String("tool_use_id", event.ToolResult.ToolUseID),
			zap.Error(biz.CorrelationMiss(event.ToolResult.ToolUseID)))
		return
	}
	if target != s.placeholder {
		// 已持久化的消息不会重新保存，重新加载后融合结果丢失
		c.logger.Debug("tool result fused onto earlier message, not persisted",
			zap.String("conversation_id", s.conversationID),
			zap.String("tool_use_id", event.ToolResult.ToolUseID),
			zap.String("message_id", target.ID))
	}
	s.contentEvents++
}

func (c *Controller) onMessageIDLocked(s *session, event *types.StreamEvent) {
	if event.MessageID == "" {
		c.dropLocked(s, event, biz.ProtocolViolation("message_id without id"))
		return
	}
	if s.durableID != "" && s.durableID != event.MessageID {
		c.logger.Warn("durable message id reassigned",
			zap.String("conversation_id", s.conversationID),
			zap.String("previous_id", s.durableID),
			zap.String("message_id", event.MessageID))
	}
	s.durableID = event.MessageID
}

// completeLocked 处理 end_of_stream；成功时返回需要持久化的消息
func (c *Controller) completeLocked(s *session) *types.Message {
	if s.contentEvents == 0 {
		c.failLocked(s, biz.EmptyStreamFailure())
		return nil
	}

	// 原地替换 ID，展示对象不重建
	if s.durableID != "" {
		s.placeholder.ID = s.durableID
	} else {
		c.logger.Warn("stream completed without durable message id, keeping temporary id",
			zap.String("conversation_id", s.conversationID),
			zap.String("temporary_id", s.placeholder.ID))
	}

	s.finished = true
	c.setStatusLocked(s, StatusCompleted, nil)
	c.logger.Info("stream completed",
		zap.String("conversation_id", s.conversationID),
		zap.String("message_id", s.placeholder.ID),
		zap.Int("content_events", s.contentEvents),
		zap.Int("block_count", len(s.placeholder.ContentBlocks)))
	return s.placeholder
}

// persist 完成的消息已冻结，持久化失败只记录日志，不改变 completed 状态
func (c *Controller) persist(s *session, message *types.Message) {
	c.mu.RLock()
	frozen := message.Clone()
	c.mu.RUnlock()

	if c.counter != nil {
		if n, err := c.counter.CountMessage(frozen); err != nil {
			c.logger.Warn("failed to count message tokens", zap.String("message_id", frozen.ID), zap.Error(err))
		} else {
			frozen.TokenCount = &n
			c.mu.Lock()
			message.TokenCount = &n
			c.mu.Unlock()
		}
	}

	if c.repo == nil {
		return
	}
	if err := c.repo.Save(s.ctx, frozen); err != nil {
		c.logger.Error("保存助手消息失败",
			zap.String("conversation_id", s.conversationID),
			zap.String("message_id", frozen.ID),
			zap.Error(err))
	}
}

func (c *Controller) fail(s *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(s, err)
}

func (c *Controller) failLocked(s *session, err error) {
	if s.finished {
		return
	}
	s.finished = true
	c.setStatusLocked(s, StatusFailed, err)
	c.logger.Error("stream failed",
		zap.String("conversation_id", s.conversationID),
		zap.Int("content_events", s.contentEvents),
		zap.Error(err))
}

func (c *Controller) cancelLocked(s *session) {
	if s.finished {
		return
	}
	s.cancelled = true
	s.finished = true
	s.cancel()
	if s.stream != nil {
		s.stream.Close()
	}
	c.setStatusLocked(s, StatusCancelled, nil)
	c.logger.Info("stream cancelled", zap.String("conversation_id", s.conversationID))
}

func (c *Controller) dropLocked(s *session, event *types.StreamEvent, err error) {
	c.logger.Warn("dropping stream event",
		zap.String("conversation_id", s.conversationID),
		zap.String("kind", string(event.Kind)),
		zap.Int("index", event.Index),
		zap.Error(err))
}

func (c *Controller) setStatusLocked(s *session, status Status, err error) {
	c.status = status
	c.err = err
	c.lastActivity = c.now()

	change := StatusChange{
		ConversationID: s.conversationID,
		Status:         status,
		Err:            err,
		At:             c.now(),
	}
	if err != nil {
		change.Error = err.Error()
		change.Retryable = Retryable(err)
	}
	c.hub.publish(change)
}

func (c *Controller) nextSequenceLocked() int64 {
	var max int64
	for _, msg := range c.messages {
		if msg.SequenceNumber > max {
			max = msg.SequenceNumber
		}
	}
	return max + 1
}
