package biz

import (
	"fmt"
	"sort"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
)

// Group folds messages into display turns.
//
// Messages are ordered by SequenceNumber; consecutive messages with the same
// role share a turn and their blocks are appended without merging text across
// message boundaries. A message holding only tool_result blocks continues the
// assistant turn, and its results are fused onto the matching tool_use block
// instead of being shown. Turn ids are positional, so replacing a message's
// temporary id keeps its turn identity.
//
// Group does not modify its input and returns equal output for equal input.
func Group(messages []*types.Message) []types.Turn {
	ordered := make([]*types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg != nil {
			ordered = append(ordered, msg)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SequenceNumber < ordered[j].SequenceNumber
	})

	turns := make([]types.Turn, 0, len(ordered))
	for _, msg := range ordered {
		role := msg.Role
		if msg.IsToolResultOnly() {
			role = types.RoleAssistant
		}

		if len(turns) == 0 || turns[len(turns)-1].Role != role {
			turns = append(turns, types.Turn{
				ID:            fmt.Sprintf("turn_%d", len(turns)),
				Role:          role,
				MessageIDs:    []string{},
				ContentBlocks: []types.ContentBlock{},
			})
		}
		current := &turns[len(turns)-1]
		current.MessageIDs = append(current.MessageIDs, msg.ID)

		for _, block := range msg.ContentBlocks {
			switch block.Type {
			case types.BlockTypeToolResult:
				// 结果从不单独展示；找不到对应 tool_use 时直接丢弃
				fuseIntoTurns(turns, block)
			case types.BlockTypeText:
				display := block.Clone()
				display.Text = StripThinking(display.Text)
				current.ContentBlocks = append(current.ContentBlocks, display)
			default:
				current.ContentBlocks = append(current.ContentBlocks, block.Clone())
			}
		}
	}

	return turns
}

func fuseIntoTurns(turns []types.Turn, result types.ContentBlock) bool {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != types.RoleAssistant {
			continue
		}
		if fuseInto(turns[i].ContentBlocks, result) {
			return true
		}
	}
	return false
}
