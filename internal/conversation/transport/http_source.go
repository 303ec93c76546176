package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/biz"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/stream"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	"go.uber.org/zap"
)

// HTTPSource 通过 HTTP POST 打开编排后端的 SSE 生成流
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// HTTPSourceConfig HTTP 事件源配置
type HTTPSourceConfig struct {
	BaseURL string
	APIKey  string
	// Client 为 nil 时使用不带超时的 http.Client，流的生命周期由 ctx 控制
	Client *http.Client
}

// NewHTTPSource 创建 HTTP 事件源
func NewHTTPSource(cfg HTTPSourceConfig, logger *zap.Logger) *HTTPSource {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		logger:  logger,
	}
}

type streamRequestBody struct {
	ConversationID string         `json:"conversation_id"`
	Message        *types.Message `json:"message,omitempty"`
}

// Open 实现 stream.EventSource
func (s *HTTPSource) Open(ctx context.Context, req stream.StreamRequest) (stream.EventStream, error) {
	body, err := json.Marshal(streamRequestBody{
		ConversationID: req.ConversationID,
		Message:        req.UserMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/stream", s.baseURL, url.PathEscape(req.ConversationID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.New().String()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-ID", requestID)
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, biz.TransportFailure(err, "send stream request")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, biz.TransportFailure(nil, fmt.Sprintf("stream endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}

	s.logger.Debug("stream opened",
		zap.String("conversation_id", req.ConversationID),
		zap.String("request_id", requestID),
		zap.String("url", endpoint))

	return NewReaderStream(resp.Body), nil
}

// ReaderStream 基于 io.ReadCloser 的 EventStream
type ReaderStream struct {
	body    io.ReadCloser
	decoder *Decoder
	once    sync.Once
	err     error
}

// NewReaderStream 包装一个 SSE 字节流
func NewReaderStream(body io.ReadCloser) *ReaderStream {
	return &ReaderStream{
		body:    body,
		decoder: NewDecoder(body),
	}
}

// Recv 实现 stream.EventStream
func (r *ReaderStream) Recv() (*types.StreamEvent, error) {
	return r.decoder.Next()
}

// Close 幂等关闭底层连接
func (r *ReaderStream) Close() error {
	r.once.Do(func() {
		r.err = r.body.Close()
	})
	return r.err
}
