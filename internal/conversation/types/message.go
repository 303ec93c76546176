package types

import "time"

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TemporaryIDPrefix 流式生成期间占位消息的临时 ID 前缀
const TemporaryIDPrefix = "tmp_"

// Message represents one role-tagged message in a conversation
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	SequenceNumber int64          `json:"sequence_number"` // 会话内严格递增，持久化时分配
	ContentBlocks  []ContentBlock `json:"content_blocks"`
	TokenCount     *int           `json:"token_count,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IsTemporary 是否仍为流式占位 ID
func (m *Message) IsTemporary() bool {
	return len(m.ID) >= len(TemporaryIDPrefix) && m.ID[:len(TemporaryIDPrefix)] == TemporaryIDPrefix
}

// IsToolResultOnly 消息内容是否只包含 tool_result 块
// 这类消息在传输层以 user 角色包装，但属于 assistant 的工具调用周期
func (m *Message) IsToolResultOnly() bool {
	if len(m.ContentBlocks) == 0 {
		return false
	}
	for _, block := range m.ContentBlocks {
		if block.Type != BlockTypeToolResult {
			return false
		}
	}
	return true
}

// Clone 深拷贝消息
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.TokenCount != nil {
		n := *m.TokenCount
		out.TokenCount = &n
	}
	out.ContentBlocks = CloneBlocks(m.ContentBlocks)
	return &out
}
