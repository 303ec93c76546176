package biz

import (
	"encoding/json"
	"strings"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	"github.com/tidwall/gjson"
)

// Accumulator 将增量事件逐个应用到正在生成的消息上
//
// 块通过流提供的 blockIndex（从 0 开始）寻址。同一 index 的增量必须按接收顺序应用，
// 这里没有重排缓冲区。
type Accumulator struct {
	message *types.Message

	// tool_use 输入的原始 JSON 片段缓冲区，key 为 blockIndex
	buffers map[int]*strings.Builder
	// TextBlock 的文本缓冲区，避免长回答逐段拼接时反复复制
	texts map[int]*strings.Builder
}

// NewAccumulator 创建绑定到 message 的累加器，message 会被原地修改
func NewAccumulator(message *types.Message) *Accumulator {
	return &Accumulator{
		message: message,
		buffers: make(map[int]*strings.Builder),
		texts:   make(map[int]*strings.Builder),
	}
}

// Message 返回正在累加的消息
func (a *Accumulator) Message() *types.Message {
	return a.message
}

// StartBlock 处理 content_block_start
func (a *Accumulator) StartBlock(index int, block types.ContentBlock) error {
	blocks := a.message.ContentBlocks

	switch block.Type {
	case types.BlockTypeText:
		block.Citations = DedupeCitations(block.Citations)
	case types.BlockTypeToolUse:
		if block.ToolUseID == "" {
			return ProtocolViolation("tool_use block at index %d has no id", index)
		}
		if block.Input == nil {
			block.Input = map[string]interface{}{}
		}
	default:
		return ProtocolViolation("content_block_start with unsupported block type %q at index %d", block.Type, index)
	}

	if index < 0 || index > len(blocks) {
		return ProtocolViolation("content_block_start index %d out of range (blocks=%d)", index, len(blocks))
	}

	if index < len(blocks) {
		// 重复的 start 事件：类型一致视为无操作
		existing := blocks[index]
		if existing.Type != block.Type {
			return ProtocolViolation("content_block_start index %d already holds a %s block", index, existing.Type)
		}
		if block.Type == types.BlockTypeToolUse && existing.ToolUseID != block.ToolUseID {
			return ProtocolViolation("content_block_start index %d already holds tool_use %s", index, existing.ToolUseID)
		}
		return nil
	}

	a.message.ContentBlocks = append(blocks, block.Clone())
	return nil
}

// ApplyTextDelta 追加文本；index 等于块数时新建 TextBlock，否则拼接到已有 TextBlock
func (a *Accumulator) ApplyTextDelta(index int, text string) error {
	block, err := a.textBlockAt(index)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	buf, ok := a.texts[index]
	if !ok {
		buf = &strings.Builder{}
		buf.WriteString(block.Text)
		a.texts[index] = buf
	}
	buf.WriteString(text)
	block.Text = buf.String()
	return nil
}

// ApplyCitationDelta 向 TextBlock 附加引用，source 重复时忽略
func (a *Accumulator) ApplyCitationDelta(index int, citation types.Citation) error {
	if citation.Source == "" {
		return ProtocolViolation("citation at index %d has no source", index)
	}
	block, err := a.textBlockAt(index)
	if err != nil {
		return err
	}
	block.Citations, _ = DedupeCitation(block.Citations, citation)
	return nil
}

// ApplyToolUseDelta 拼接 tool_use 输入的 JSON 片段
//
// 每个片段之后尝试解析整个缓冲区；解析成功则替换 Input，失败说明 JSON 尚未完整，
// 保留上一次成功解析的值。这是正常的中间状态，不是错误。
func (a *Accumulator) ApplyToolUseDelta(index int, fragment string) error {
	blocks := a.message.ContentBlocks
	if index < 0 || index >= len(blocks) {
		return ProtocolViolation("input_json_delta index %d has no started tool_use block (blocks=%d)", index, len(blocks))
	}
	block := &blocks[index]
	if block.Type != types.BlockTypeToolUse {
		return ProtocolViolation("input_json_delta index %d points at a %s block", index, block.Type)
	}

	buf, ok := a.buffers[index]
	if !ok {
		buf = &strings.Builder{}
		a.buffers[index] = buf
	}
	buf.WriteString(fragment)

	raw := buf.String()
	if !gjson.Valid(raw) {
		return nil
	}
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &input); err != nil || input == nil {
		// 合法 JSON 但不是对象（包括 null）
		return nil
	}
	block.Input = input
	return nil
}

// ApplyDelta 按增量类型分发
func (a *Accumulator) ApplyDelta(index int, delta *types.Delta) error {
	if delta == nil {
		return ProtocolViolation("content_block_delta at index %d has no delta", index)
	}

	switch delta.Type {
	case types.DeltaText:
		return a.ApplyTextDelta(index, delta.Text)
	case types.DeltaCitations:
		if delta.Citation == nil {
			return ProtocolViolation("citations_delta at index %d has no citation", index)
		}
		return a.ApplyCitationDelta(index, *delta.Citation)
	case types.DeltaInputJSON:
		return a.ApplyToolUseDelta(index, delta.PartialJSON)
	default:
		return ProtocolViolation("unknown delta type %q at index %d", delta.Type, index)
	}
}

// textBlockAt 返回 index 处的 TextBlock，index 等于块数时新建
func (a *Accumulator) textBlockAt(index int) (*types.ContentBlock, error) {
	blocks := a.message.ContentBlocks
	if index < 0 || index > len(blocks) {
		return nil, ProtocolViolation("text index %d out of range (blocks=%d)", index, len(blocks))
	}
	if index == len(blocks) {
		a.message.ContentBlocks = append(blocks, types.NewTextBlock(""))
		return &a.message.ContentBlocks[index], nil
	}
	if blocks[index].Type != types.BlockTypeText {
		return nil, ProtocolViolation("text index %d points at a %s block", index, blocks[index].Type)
	}
	return &blocks[index], nil
}
