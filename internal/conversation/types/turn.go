package types

// Turn 展示层的一轮对话：连续同角色消息折叠而成，不持久化
type Turn struct {
	ID            string         `json:"id"`
	Role          Role           `json:"role"`
	MessageIDs    []string       `json:"message_ids"`
	ContentBlocks []ContentBlock `json:"content_blocks"`
}
