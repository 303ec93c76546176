package data

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding 默认编码（cl100k_base）
const DefaultEncoding = "cl100k_base"

// TokenCounter 基于 tiktoken 的消息 token 统计，编码器在首次使用时加载
type TokenCounter struct {
	name string

	once     sync.Once
	encoding *tiktoken.Tiktoken
	err      error
}

// NewTokenCounter 创建 token 统计器
func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TokenCounter{name: encoding}
}

// Warm 加载编码器；首次加载可能需要下载 BPE 文件，应在启动时调用，避免阻塞首条流
func (c *TokenCounter) Warm() error {
	c.once.Do(func() {
		c.encoding, c.err = tiktoken.GetEncoding(c.name)
	})
	if c.err != nil {
		return fmt.Errorf("failed to get encoding %s: %w", c.name, c.err)
	}
	return nil
}

// CountMessage 实现 biz.TokenCounter
func (c *TokenCounter) CountMessage(message *types.Message) (int, error) {
	if err := c.Warm(); err != nil {
		return 0, err
	}

	text := MessageText(message)
	if text == "" {
		return 0, nil
	}
	return len(c.encoding.Encode(text, nil, nil)), nil
}

// MessageText 拼接消息中参与计数的文本：正文与 tool_use 的名称和输入
func MessageText(message *types.Message) string {
	var parts []string
	for _, block := range message.ContentBlocks {
		switch block.Type {
		case types.BlockTypeText:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case types.BlockTypeToolUse:
			parts = append(parts, block.Name)
			if len(block.Input) > 0 {
				if input, err := json.Marshal(block.Input); err == nil {
					parts = append(parts, string(input))
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}
