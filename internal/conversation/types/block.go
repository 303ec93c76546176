package types

// BlockType 内容块类型
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
)

// ContentBlock is a tagged union discriminated by Type.
//
//   - text:        Text, Citations
//   - tool_use:    ToolUseID, Name, Input, Result (fused tool_result)
//   - tool_result: ToolUseID, Items
type ContentBlock struct {
	Type      BlockType              `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Citations []Citation             `json:"citations,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Result    *ToolResult            `json:"result,omitempty"`
	Items     []ToolResultItem       `json:"items,omitempty"`
}

// Citation 引用来源，Source 为唯一键
type Citation struct {
	Source    string `json:"source"`
	Title     string `json:"title"`
	CitedText string `json:"cited_text"`
}

// ToolResultItem 工具返回的单条检索结果
type ToolResultItem struct {
	Title  string `json:"title"`
	Source string `json:"source"`
}

// ToolResult 融合到 tool_use 块上的工具结果
type ToolResult struct {
	Items []ToolResultItem `json:"items"`
}

// NewTextBlock creates a text block
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// NewToolUseBlock creates a tool_use stub with empty input
func NewToolUseBlock(id, name string) ContentBlock {
	return ContentBlock{
		Type:      BlockTypeToolUse,
		ToolUseID: id,
		Name:      name,
		Input:     map[string]interface{}{},
	}
}

// NewToolResultBlock creates a tool_result block
func NewToolResultBlock(toolUseID string, items ...ToolResultItem) ContentBlock {
	return ContentBlock{
		Type:      BlockTypeToolResult,
		ToolUseID: toolUseID,
		Items:     items,
	}
}

// Clone returns a deep copy of the block
func (b ContentBlock) Clone() ContentBlock {
	out := b
	if b.Citations != nil {
		out.Citations = append([]Citation(nil), b.Citations...)
	}
	if b.Items != nil {
		out.Items = append([]ToolResultItem(nil), b.Items...)
	}
	if b.Input != nil {
		out.Input = cloneObject(b.Input)
	}
	if b.Result != nil {
		out.Result = &ToolResult{Items: append([]ToolResultItem(nil), b.Result.Items...)}
	}
	return out
}

// CloneBlocks 深拷贝内容块列表
func CloneBlocks(blocks []ContentBlock) []ContentBlock {
	if blocks == nil {
		return nil
	}
	out := make([]ContentBlock, len(blocks))
	for i, block := range blocks {
		out[i] = block.Clone()
	}
	return out
}

func cloneObject(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneObject(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
