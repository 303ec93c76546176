package biz

import (
	"testing"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelate_MostRecentOnly(t *testing.T) {
	older := &types.Message{
		ID:             "m1",
		Role:           types.RoleAssistant,
		SequenceNumber: 1,
		ContentBlocks: []types.ContentBlock{
			types.NewToolUseBlock("X", "search_documents"),
			types.NewToolUseBlock("Y", "search_documents"),
		},
	}
	user := &types.Message{
		ID:             "m2",
		Role:           types.RoleUser,
		SequenceNumber: 2,
		ContentBlocks:  []types.ContentBlock{types.NewTextBlock("again")},
	}
	newer := &types.Message{
		ID:             "m3",
		Role:           types.RoleAssistant,
		SequenceNumber: 3,
		ContentBlocks: []types.ContentBlock{
			types.NewToolUseBlock("X", "search_documents"),
			types.NewTextBlock("searching"),
		},
	}
	messages := []*types.Message{older, user, newer}

	ok := Correlate(messages, types.NewToolResultBlock("X", types.ToolResultItem{Title: "Doc", Source: "s1"}))
	require.True(t, ok)

	populated := 0
	for _, msg := range messages {
		for _, block := range msg.ContentBlocks {
			if block.Result != nil {
				populated++
			}
		}
	}
	assert.Equal(t, 1, populated)
	require.NotNil(t, newer.ContentBlocks[0].Result)
	assert.Equal(t, []types.ToolResultItem{{Title: "Doc", Source: "s1"}}, newer.ContentBlocks[0].Result.Items)
	assert.Nil(t, older.ContentBlocks[0].Result)
}

func TestCorrelate_MissLeavesBlocksUnchanged(t *testing.T) {
	msg := &types.Message{
		ID:            "m1",
		Role:          types.RoleAssistant,
		ContentBlocks: []types.ContentBlock{types.NewToolUseBlock("t1", "search_documents")},
	}
	before := msg.Clone()

	assert.False(t, Correlate([]*types.Message{msg}, types.NewToolResultBlock("unknown")))
	assert.Equal(t, before, msg)
}

func TestCorrelate_IgnoresUserMessagesAndBadInput(t *testing.T) {
	// user 消息里的 tool_use 不参与匹配
	userMsg := &types.Message{
		ID:            "m1",
		Role:          types.RoleUser,
		ContentBlocks: []types.ContentBlock{types.NewToolUseBlock("t1", "search_documents")},
	}
	messages := []*types.Message{nil, userMsg}

	assert.False(t, Correlate(messages, types.NewToolResultBlock("t1")))
	assert.False(t, Correlate(messages, types.NewTextBlock("not a result")))
	assert.Nil(t, userMsg.ContentBlocks[0].Result)
}

func TestCorrelate_DoesNotAliasResultItems(t *testing.T) {
	msg := &types.Message{
		ID:            "m1",
		Role:          types.RoleAssistant,
		ContentBlocks: []types.ContentBlock{types.NewToolUseBlock("t1", "search_documents")},
	}
	result := types.NewToolResultBlock("t1", types.ToolResultItem{Title: "Doc", Source: "s1"})
	require.True(t, Correlate([]*types.Message{msg}, result))

	result.Items[0].Title = "mutated"
	assert.Equal(t, "Doc", msg.ContentBlocks[0].Result.Items[0].Title)
}

func TestCorrelateTarget(t *testing.T) {
	older := &types.Message{ID: "a1", Role: types.RoleAssistant, ContentBlocks: []types.ContentBlock{types.NewToolUseBlock("t1", "search_documents")}}
	live := &types.Message{ID: types.TemporaryIDPrefix + "2", Role: types.RoleAssistant, ContentBlocks: []types.ContentBlock{types.NewToolUseBlock("t2", "search_documents")}}
	messages := []*types.Message{older, live}

	assert.Same(t, older, CorrelateTarget(messages, types.NewToolResultBlock("t1")))
	assert.Same(t, live, CorrelateTarget(messages, types.NewToolResultBlock("t2")))
	assert.Nil(t, CorrelateTarget(messages, types.NewToolResultBlock("t3")))
}
