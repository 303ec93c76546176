package data

import (
	"context"
	"testing"
	"time"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	apperrors "github.com/lk2023060901/enterprise-search-backend/internal/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelConversion(t *testing.T) {
	n := 12
	toolUse := types.NewToolUseBlock("t1", "search_documents")
	toolUse.Input = map[string]interface{}{"query": "x"}
	msg := &types.Message{
		ID:             "m1",
		ConversationID: "conv-1",
		Role:           types.RoleAssistant,
		SequenceNumber: 4,
		ContentBlocks:  []types.ContentBlock{types.NewTextBlock("hi"), toolUse},
		TokenCount:     &n,
		CreatedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	model := toModel(msg)
	assert.Equal(t, "assistant", model.Role)
	assert.Equal(t, int64(4), model.SequenceNumber)

	// 模型持有独立副本
	model.ContentBlocks[1].Input["query"] = "changed"
	assert.Equal(t, "x", msg.ContentBlocks[1].Input["query"])
	model.ContentBlocks[1].Input["query"] = "x"

	assert.Equal(t, msg, toDomain(model))
}

func TestToDomain_NilBlocks(t *testing.T) {
	msg := toDomain(toModel(&types.Message{ID: "m1", Role: types.RoleUser}))
	assert.NotNil(t, msg.ContentBlocks)
	assert.Empty(t, msg.ContentBlocks)
}

func TestMessageText(t *testing.T) {
	toolUse := types.NewToolUseBlock("t1", "search_documents")
	toolUse.Input = map[string]interface{}{"query": "x"}
	msg := &types.Message{ContentBlocks: []types.ContentBlock{
		types.NewTextBlock("Hello"),
		toolUse,
		types.NewToolResultBlock("t1", types.ToolResultItem{Title: "Doc", Source: "s1"}),
		types.NewTextBlock(""),
	}}

	assert.Equal(t, "Hello\nsearch_documents\n{\"query\":\"x\"}", MessageText(msg))
	assert.Equal(t, "", MessageText(&types.Message{}))
}

func TestSideTable_Validation(t *testing.T) {
	table := NewSideTable(nil, time.Hour, nil)
	ctx := context.Background()

	err := table.Put(ctx, "", "m1", Marks{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))

	err = table.Put(ctx, "conv-1", "m1", Marks{Feedback: "meh"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))

	assert.True(t, FeedbackUp.Valid())
	assert.True(t, FeedbackNone.Valid())
	assert.False(t, Feedback("sideways").Valid())
	assert.Equal(t, "conversation:conv-1:ui", SideTableKey("conv-1"))
}

func TestSideTable_RedisUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	table := NewSideTable(rdb, time.Hour, nil)
	ctx := context.Background()

	err := table.Put(ctx, "conv-1", "m1", Marks{Feedback: FeedbackUp})
	assert.True(t, apperrors.Is(err, apperrors.ErrSideTableFailed))

	_, err = table.Get(ctx, "conv-1", "m1")
	assert.True(t, apperrors.Is(err, apperrors.ErrSideTableFailed))

	_, err = table.List(ctx, "conv-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrSideTableFailed))
}

func TestDecodeMarks_SkipsCorrupt(t *testing.T) {
	var skipped []string
	out := decodeMarks(map[string]string{
		"m1": `{"feedback":"up","copied":true}`,
		"m2": `not json`,
	}, func(messageID string, err error) { skipped = append(skipped, messageID) })

	require.Len(t, out, 1)
	assert.Equal(t, FeedbackUp, out["m1"].Feedback)
	assert.True(t, out["m1"].Copied)
	assert.Equal(t, []string{"m2"}, skipped)
}

func TestTitleNotifier_RedisUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	notifier := NewTitleNotifier(rdb, "", nil)
	assert.Equal(t, DefaultTitleChannel, notifier.channel)
	assert.Error(t, notifier.TitleUpdated(context.Background(), "conv-1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, notifier.Listen(ctx, func(string) {}))
}

func TestTokenCounter_WarmUnknownEncoding(t *testing.T) {
	counter := NewTokenCounter("no_such_encoding")
	err := counter.Warm()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_encoding")

	_, err = counter.CountMessage(&types.Message{ContentBlocks: []types.ContentBlock{types.NewTextBlock("hi")}})
	assert.Error(t, err)
}
