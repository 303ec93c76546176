package sse

import (
	"encoding/json"
	"strings"
	"sync"
)

// Event SSE 事件
type Event struct {
	Type string      `json:"type"`         // 事件类型
	ID   string      `json:"id,omitempty"` // 可选的事件 ID
	Data interface{} `json:"data"`         // 事件数据，[]byte/json.RawMessage/string 原样写出
}

// Client SSE 客户端连接
type Client struct {
	ID       string
	Channel  chan Event
	Resource string // 订阅的资源 ID（会话 ID）
}

// Hub SSE 连接管理器，按资源分组广播
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.Resource] == nil {
		h.clients[client.Resource] = make(map[*Client]struct{})
	}
	h.clients[client.Resource][client] = struct{}{}
}

// Unregister 注销客户端并关闭其 Channel
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.Resource]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	close(client.Channel)

	if len(clients) == 0 {
		delete(h.clients, client.Resource)
	}
}

// Broadcast 向订阅 resource 的客户端广播，缓冲区满的客户端跳过；返回送达数量
func (h *Hub) Broadcast(resource string, event Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[resource] {
		select {
		case client.Channel <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// ClientCount 订阅 resource 的客户端数量
func (h *Hub) ClientCount(resource string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[resource])
}

// TotalClients 全部客户端数量
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

// FormatSSE 格式化为 SSE 帧；多行数据拆成多个 data 行
func (e Event) FormatSSE() string {
	var payload string
	switch v := e.Data.(type) {
	case nil:
		payload = "{}"
	case string:
		payload = v
	case []byte:
		payload = string(v)
	case json.RawMessage:
		payload = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			data = []byte("{}")
		}
		payload = string(data)
	}

	var b strings.Builder
	if e.ID != "" {
		b.WriteString("id: " + e.ID + "\n")
	}
	if e.Type != "" {
		b.WriteString("event: " + e.Type + "\n")
	}
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

// CloseAll 注销全部客户端，返回关闭的连接数
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	closed := 0
	for resource, clients := range h.clients {
		for client := range clients {
			close(client.Channel)
			closed++
		}
		delete(h.clients, resource)
	}
	return closed
}
