package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/data"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/stream"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/transport"
	apperrors "github.com/lk2023060901/enterprise-search-backend/internal/pkg/errors"
	"github.com/lk2023060901/enterprise-search-backend/internal/pkg/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func wire(kind, payload string) string {
	return sse.Event{Type: kind, Data: json.RawMessage(payload)}.FormatSSE()
}

var helloStream = wire("message_start", `{"message":{"role":"assistant","content":[]}}`) +
	wire("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"Hel"}}`) +
	wire("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"lo"}}`) +
	wire("message_id", `{"id":"msg_1"}`) +
	wire("end_of_stream", `{}`)

// stringSource 每次 Open 回放同一段 SSE 文本
type stringSource string

func (s stringSource) Open(ctx context.Context, req stream.StreamRequest) (stream.EventStream, error) {
	return transport.NewReaderStream(io.NopCloser(strings.NewReader(string(s)))), nil
}

type memoryMarks struct {
	mu    sync.Mutex
	marks map[string]map[string]data.Marks
}

func (m *memoryMarks) Put(ctx context.Context, conversationID, messageID string, marks data.Marks) error {
	if !marks.Feedback.Valid() {
		return apperrors.Newf(apperrors.ErrInvalidParams, "invalid feedback %q", marks.Feedback)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks[conversationID] == nil {
		m.marks[conversationID] = make(map[string]data.Marks)
	}
	m.marks[conversationID][messageID] = marks
	return nil
}

func (m *memoryMarks) List(ctx context.Context, conversationID string) (map[string]data.Marks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]data.Marks)
	for k, v := range m.marks[conversationID] {
		out[k] = v
	}
	return out, nil
}

func newTestRouter(t *testing.T, source stream.EventSource) (*gin.Engine, *ConversationService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := NewConversationService(
		func(conversationID string) *stream.Controller {
			return stream.NewController(source, nil, zap.NewNop())
		},
		&memoryMarks{marks: make(map[string]map[string]data.Marks)},
		sse.NewHub(),
		zap.NewNop(),
		ServiceOptions{Heartbeat: 0, StatusBuffer: 16},
	)
	r := gin.New()
	svc.RegisterRoutes(r.Group("/api/v1"))
	return r, svc
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

// pollTurns 轮询直到流进入终止状态
func pollTurns(t *testing.T, r http.Handler, conversationID string) TurnsResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, env := do(t, r, http.MethodGet, "/api/v1/conversations/"+conversationID+"/turns", "")
		var turns TurnsResponse
		require.NoError(t, json.Unmarshal(env.Data, &turns))
		if turns.Status.IsTerminal() || time.Now().After(deadline) {
			return turns
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendMessageStreamsAssistantReply(t *testing.T) {
	r, _ := newTestRouter(t, stringSource(helloStream))

	w, env := do(t, r, http.MethodPost, "/api/v1/conversations/conv-1/messages", `{"message":"hi"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var sent SendMessageResponse
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	assert.Equal(t, "hi", sent.Message.ContentBlocks[0].Text)

	turns := pollTurns(t, r, "conv-1")
	require.Equal(t, stream.StatusCompleted, turns.Status)

	require.Len(t, turns.Turns, 2)
	assert.Equal(t, "hi", turns.Turns[0].ContentBlocks[0].Text)
	assert.Equal(t, "Hello", turns.Turns[1].ContentBlocks[0].Text)
	assert.Equal(t, []string{"msg_1"}, turns.Turns[1].MessageIDs)
}

func TestSendMessageValidation(t *testing.T) {
	r, _ := newTestRouter(t, stringSource(helloStream))

	w, env := do(t, r, http.MethodPost, "/api/v1/conversations/conv-1/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.ErrInvalidParams, env.Code)

	w, env = do(t, r, http.MethodPost, "/api/v1/conversations/conv-1/messages", `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.ErrInvalidParams, env.Code)
}

func TestStartAndCancelStream(t *testing.T) {
	r, _ := newTestRouter(t, stringSource(wire("message_start", `{"message":{"role":"assistant"}}`)+wire("end_of_stream", `{}`)))

	w, env := do(t, r, http.MethodDelete, "/api/v1/conversations/unknown/stream", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp StreamResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, stream.StatusIdle, resp.Status)
	assert.False(t, resp.Cancelled)

	w, _ = do(t, r, http.MethodPost, "/api/v1/conversations/conv-2/stream", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	// 只有 message_start 的流以 EmptyStreamFailure 结束
	turns := pollTurns(t, r, "conv-2")
	assert.Equal(t, stream.StatusFailed, turns.Status)
	assert.Contains(t, turns.Error, "without content")
	assert.True(t, turns.Retryable)
}

func TestReadOnlyRoutesDoNotRetainControllers(t *testing.T) {
	r, svc := newTestRouter(t, stringSource(helloStream))

	for _, id := range []string{"ghost-a", "ghost-b", "ghost-c"} {
		w, env := do(t, r, http.MethodGet, "/api/v1/conversations/"+id+"/turns", "")
		require.Equal(t, http.StatusOK, w.Code)
		var turns TurnsResponse
		require.NoError(t, json.Unmarshal(env.Data, &turns))
		assert.Equal(t, stream.StatusIdle, turns.Status)
		assert.Empty(t, turns.Turns)
	}
	do(t, r, http.MethodDelete, "/api/v1/conversations/ghost-z/stream", "")
	assert.Equal(t, 0, svc.manager.Count())

	server := httptest.NewServer(r)
	defer server.Close()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/conversations/ghost-s/status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	frame, err := transport.NewDecoder(resp.Body).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "status", frame.Event)
	cancel()
	resp.Body.Close()
	assert.Equal(t, 0, svc.manager.Count())

	// 写路由才会创建常驻控制器
	w, _ := do(t, r, http.MethodPost, "/api/v1/conversations/conv-1/messages", `{"message":"hi"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, svc.manager.Count())
	assert.Equal(t, stream.StatusCompleted, pollTurns(t, r, "conv-1").Status)
	assert.Equal(t, 1, svc.manager.Count())
}

func TestShutdownClosesControllers(t *testing.T) {
	r, svc := newTestRouter(t, stringSource(helloStream))

	w, _ := do(t, r, http.MethodPost, "/api/v1/conversations/conv-1/messages", `{"message":"hi"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	pollTurns(t, r, "conv-1")

	svc.Shutdown()
	assert.Equal(t, 0, svc.manager.Count())
}

func TestMarks(t *testing.T) {
	r, _ := newTestRouter(t, stringSource(helloStream))

	w, _ := do(t, r, http.MethodPut, "/api/v1/conversations/conv-1/messages/msg_1/marks", `{"feedback":"up","copied":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, env := do(t, r, http.MethodPut, "/api/v1/conversations/conv-1/messages/msg_1/marks", `{"feedback":"meh"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.ErrInvalidParams, env.Code)

	_, env = do(t, r, http.MethodGet, "/api/v1/conversations/conv-1/marks", "")
	var list struct {
		Marks map[string]data.Marks `json:"marks"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Contains(t, list.Marks, "msg_1")
	assert.Equal(t, data.FeedbackUp, list.Marks["msg_1"].Feedback)
	assert.True(t, list.Marks["msg_1"].Copied)
}

func TestStatusSSE(t *testing.T) {
	r, _ := newTestRouter(t, stringSource(helloStream))
	server := httptest.NewServer(r)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/conversations/conv-9/status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	decoder := transport.NewDecoder(resp.Body)
	readStatus := func() stream.StatusChange {
		for {
			frame, err := decoder.ReadFrame()
			require.NoError(t, err)
			if frame.Event != "status" {
				continue
			}
			var change stream.StatusChange
			require.NoError(t, json.Unmarshal(frame.Data, &change))
			return change
		}
	}

	assert.Equal(t, stream.StatusIdle, readStatus().Status)

	startResp, err := http.Post(server.URL+"/api/v1/conversations/conv-9/stream", "application/json", nil)
	require.NoError(t, err)
	startResp.Body.Close()
	require.Equal(t, http.StatusAccepted, startResp.StatusCode)

	var seen []stream.Status
	for len(seen) == 0 || !seen[len(seen)-1].IsTerminal() {
		seen = append(seen, readStatus().Status)
	}
	assert.Equal(t, []stream.Status{stream.StatusConnecting, stream.StatusStreaming, stream.StatusCompleted}, seen)
}
