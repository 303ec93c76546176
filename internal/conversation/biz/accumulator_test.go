package biz

import (
	"strings"
	"testing"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLiveMessage() *types.Message {
	return &types.Message{
		ID:   types.TemporaryIDPrefix + "1",
		Role: types.RoleAssistant,
	}
}

func TestAccumulator_TextDeltaConcatenates(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)

	deltas := []string{"The ", "quick ", "", "brown ", "fox"}
	for _, d := range deltas {
		require.NoError(t, acc.ApplyTextDelta(0, d))
	}

	require.Len(t, msg.ContentBlocks, 1)
	assert.Equal(t, types.BlockTypeText, msg.ContentBlocks[0].Type)
	assert.Equal(t, strings.Join(deltas, ""), msg.ContentBlocks[0].Text)
	assert.Same(t, msg, acc.Message())
}

func TestAccumulator_TextDeltaIndexRules(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)

	require.NoError(t, acc.StartBlock(0, types.NewToolUseBlock("t1", "search_documents")))

	// index 指向 tool_use 块
	err := acc.ApplyTextDelta(0, "oops")
	assert.True(t, IsProtocolViolation(err))

	// index 越界（中间有空洞）
	err = acc.ApplyTextDelta(2, "gap")
	assert.True(t, IsProtocolViolation(err))

	// index == len 新建 TextBlock
	require.NoError(t, acc.ApplyTextDelta(1, "answer"))
	require.Len(t, msg.ContentBlocks, 2)
	assert.Equal(t, "answer", msg.ContentBlocks[1].Text)
	assert.Empty(t, msg.ContentBlocks[0].Text)
}

func TestAccumulator_StartBlock(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)

	require.NoError(t, acc.StartBlock(0, types.NewTextBlock("")))
	// 重复的 start 视为无操作
	require.NoError(t, acc.StartBlock(0, types.NewTextBlock("")))
	assert.Len(t, msg.ContentBlocks, 1)

	tests := []struct {
		name  string
		index int
		block types.ContentBlock
	}{
		{name: "type mismatch", index: 0, block: types.NewToolUseBlock("t1", "search")},
		{name: "gap", index: 3, block: types.NewTextBlock("")},
		{name: "negative index", index: -1, block: types.NewTextBlock("")},
		{name: "tool result block", index: 1, block: types.NewToolResultBlock("t1")},
		{name: "tool use without id", index: 1, block: types.NewToolUseBlock("", "search")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := acc.StartBlock(tt.index, tt.block)
			assert.True(t, IsProtocolViolation(err), "got %v", err)
			assert.Len(t, msg.ContentBlocks, 1)
		})
	}

	require.NoError(t, acc.StartBlock(1, types.NewToolUseBlock("t1", "search")))
	err := acc.StartBlock(1, types.NewToolUseBlock("t2", "search"))
	assert.True(t, IsProtocolViolation(err))
}

func TestAccumulator_CitationDelta(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)

	// 块不存在时新建空 TextBlock
	require.NoError(t, acc.ApplyCitationDelta(0, cite("s1")))
	require.NoError(t, acc.ApplyTextDelta(0, "Per the handbook"))
	require.NoError(t, acc.ApplyCitationDelta(0, cite("s2")))
	require.NoError(t, acc.ApplyCitationDelta(0, cite("s1")))

	require.Len(t, msg.ContentBlocks, 1)
	assert.Equal(t, "Per the handbook", msg.ContentBlocks[0].Text)
	assert.Equal(t, []string{"s1", "s2"}, sources(msg.ContentBlocks[0].Citations))

	err := acc.ApplyCitationDelta(0, types.Citation{Title: "no source"})
	assert.True(t, IsProtocolViolation(err))
}

func TestAccumulator_ToolUseDelta(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)

	require.NoError(t, acc.StartBlock(0, types.NewToolUseBlock("t1", "search_documents")))

	// 不完整的 JSON 不报错，Input 保持上次成功解析的值
	require.NoError(t, acc.ApplyToolUseDelta(0, `{"que`))
	assert.Empty(t, msg.ContentBlocks[0].Input)

	require.NoError(t, acc.ApplyToolUseDelta(0, `ry":"x"}`))
	assert.Equal(t, map[string]interface{}{"query": "x"}, msg.ContentBlocks[0].Input)
}

func TestAccumulator_ToolUseDeltaKeepsLastParsedValue(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)
	require.NoError(t, acc.StartBlock(0, types.NewToolUseBlock("t1", "search_documents")))

	require.NoError(t, acc.ApplyToolUseDelta(0, `{"query":"x"}`))
	// 追加后缓冲区不再是合法 JSON
	require.NoError(t, acc.ApplyToolUseDelta(0, `, "top_k"`))
	assert.Equal(t, map[string]interface{}{"query": "x"}, msg.ContentBlocks[0].Input)
}

func TestAccumulator_ToolUseDeltaNullKeepsObject(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)
	require.NoError(t, acc.StartBlock(0, types.NewToolUseBlock("t1", "search_documents")))

	require.NoError(t, acc.ApplyToolUseDelta(0, `null`))
	assert.NotNil(t, msg.ContentBlocks[0].Input)
	assert.Empty(t, msg.ContentBlocks[0].Input)
}

func TestAccumulator_TextDeltaAfterInitialText(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)
	require.NoError(t, acc.StartBlock(0, types.NewTextBlock("Hel")))

	require.NoError(t, acc.ApplyTextDelta(0, "lo"))
	snapshot := msg.Clone()
	require.NoError(t, acc.ApplyTextDelta(0, " world"))

	assert.Equal(t, "Hello world", msg.ContentBlocks[0].Text)
	// 之前的快照不受后续追加影响
	assert.Equal(t, "Hello", snapshot.ContentBlocks[0].Text)
}

func TestAccumulator_LongTextStream(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)

	chunk := strings.Repeat("x", 64)
	for i := 0; i < 20000; i++ {
		require.NoError(t, acc.ApplyTextDelta(0, chunk))
	}
	assert.Len(t, msg.ContentBlocks[0].Text, 64*20000)
}

func TestAccumulator_ToolUseDeltaIndexRules(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)
	require.NoError(t, acc.ApplyTextDelta(0, "hi"))

	assert.True(t, IsProtocolViolation(acc.ApplyToolUseDelta(0, `{}`)))
	assert.True(t, IsProtocolViolation(acc.ApplyToolUseDelta(1, `{}`)))
	assert.Equal(t, "hi", msg.ContentBlocks[0].Text)
}

func TestAccumulator_ApplyDelta(t *testing.T) {
	msg := newLiveMessage()
	acc := NewAccumulator(msg)

	c := cite("s1")
	require.NoError(t, acc.ApplyDelta(0, &types.Delta{Type: types.DeltaText, Text: "Hel"}))
	require.NoError(t, acc.ApplyDelta(0, &types.Delta{Type: types.DeltaText, Text: "lo"}))
	require.NoError(t, acc.ApplyDelta(0, &types.Delta{Type: types.DeltaCitations, Citation: &c}))
	assert.Equal(t, "Hello", msg.ContentBlocks[0].Text)
	assert.Len(t, msg.ContentBlocks[0].Citations, 1)

	assert.True(t, IsProtocolViolation(acc.ApplyDelta(0, nil)))
	assert.True(t, IsProtocolViolation(acc.ApplyDelta(0, &types.Delta{Type: "signature_delta"})))
	assert.True(t, IsProtocolViolation(acc.ApplyDelta(0, &types.Delta{Type: types.DeltaCitations})))
}
