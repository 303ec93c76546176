package biz

import "github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"

// Correlate fuses a tool result onto its originating tool_use block.
//
// Assistant messages are scanned newest first, and blocks within a message
// newest first. Only the first match is fused. Returns false when no
// tool_use with the same id exists; nothing is modified in that case.
func Correlate(messages []*types.Message, result types.ContentBlock) bool {
	return CorrelateTarget(messages, result) != nil
}

// CorrelateTarget 与 Correlate 相同，返回被融合的消息；未命中返回 nil
func CorrelateTarget(messages []*types.Message, result types.ContentBlock) *types.Message {
	if result.Type != types.BlockTypeToolResult || result.ToolUseID == "" {
		return nil
	}

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg == nil || msg.Role != types.RoleAssistant {
			continue
		}
		if fuseInto(msg.ContentBlocks, result) {
			return msg
		}
	}
	return nil
}

// fuseInto 在 blocks 中从后往前查找并融合，命中即停止
func fuseInto(blocks []types.ContentBlock, result types.ContentBlock) bool {
	for j := len(blocks) - 1; j >= 0; j-- {
		block := &blocks[j]
		if block.Type == types.BlockTypeToolUse && block.ToolUseID == result.ToolUseID {
			block.Result = &types.ToolResult{
				Items: append([]types.ToolResultItem{}, result.Items...),
			}
			return true
		}
	}
	return false
}
