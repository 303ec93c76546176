package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/biz"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	"github.com/tidwall/gjson"
)

const (
	initialBufferSize = 64 * 1024
	maxFrameSize      = 4 * 1024 * 1024
)

// 线上事件名，end_of_stream 兼容 Anthropic 的 message_stop
const (
	wireMessageStart      = "message_start"
	wireContentBlockStart = "content_block_start"
	wireContentBlockDelta = "content_block_delta"
	wireContentBlockStop  = "content_block_stop"
	wireMessageDelta      = "message_delta"
	wireToolResult        = "tool_result"
	wireMessageID         = "message_id"
	wireTitleUpdated      = "title_updated"
	wireEndOfStream       = "end_of_stream"
	wireMessageStop       = "message_stop"
	wirePing              = "ping"
	wireError             = "error"
)

// Frame 一个原始 SSE 帧
type Frame struct {
	Event string
	Data  []byte
}

// Decoder 从 SSE 字节流中读取并分类事件
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder 创建解码器
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialBufferSize), maxFrameSize)
	return &Decoder{scanner: scanner}
}

// Next 返回下一个事件
//
// 流结束返回 io.EOF；单帧内容不合法时返回 ProtocolViolation，可以继续调用 Next。
func (d *Decoder) Next() (*types.StreamEvent, error) {
	for {
		frame, err := d.ReadFrame()
		if err != nil {
			return nil, err
		}
		if frame.Event == "" && len(frame.Data) == 0 {
			continue
		}
		return ParseFrame(frame)
	}
}

// ReadFrame 读取一个 SSE 帧（以空行分隔），忽略注释行
func (d *Decoder) ReadFrame() (Frame, error) {
	var (
		frame   Frame
		data    [][]byte
		hasLine bool
	)

	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		if line == "" {
			if hasLine {
				frame.Data = bytes.Join(data, []byte("\n"))
				return frame, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// 心跳注释
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			frame.Event = value
			hasLine = true
		case "data":
			data = append(data, []byte(value))
			hasLine = true
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("read sse frame: %w", err)
	}
	if hasLine {
		// 最后一帧没有结尾空行
		frame.Data = bytes.Join(data, []byte("\n"))
		return frame, nil
	}
	return Frame{}, io.EOF
}

func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}

// wireBlock 线上内容块格式，tool_use 的 id 字段名为 "id"
type wireBlock struct {
	Type      types.BlockType        `json:"type"`
	Text      string                 `json:"text"`
	Citations []types.Citation       `json:"citations"`
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
}

func (b wireBlock) toBlock() types.ContentBlock {
	return types.ContentBlock{
		Type:      b.Type,
		Text:      b.Text,
		Citations: b.Citations,
		ToolUseID: b.ID,
		Name:      b.Name,
		Input:     b.Input,
	}
}

type messageStartPayload struct {
	Message struct {
		Role    types.Role  `json:"role"`
		Content []wireBlock `json:"content"`
	} `json:"message"`
}

type blockStartPayload struct {
	Index        int       `json:"index"`
	ContentBlock wireBlock `json:"content_block"`
}

type blockDeltaPayload struct {
	Index int         `json:"index"`
	Delta types.Delta `json:"delta"`
}

type toolResultPayload struct {
	ToolUseID string                 `json:"tool_use_id"`
	Items     []types.ToolResultItem `json:"items"`
}

// ParseFrame 将 SSE 帧分类为 StreamEvent；缺少 event 行时从 payload 的 type 字段读取
func ParseFrame(frame Frame) (*types.StreamEvent, error) {
	kind := frame.Event
	if kind == "" {
		if !gjson.ValidBytes(frame.Data) {
			return nil, biz.ProtocolViolation("frame without event name has invalid JSON payload")
		}
		kind = gjson.GetBytes(frame.Data, "type").String()
	}

	switch kind {
	case wirePing, wireContentBlockStop, wireMessageDelta:
		return &types.StreamEvent{Kind: types.EventIgnored}, nil
	case wireTitleUpdated:
		return &types.StreamEvent{Kind: types.EventTitleUpdated}, nil
	case wireEndOfStream, wireMessageStop:
		return &types.StreamEvent{Kind: types.EventEndOfStream}, nil
	case "":
		return nil, biz.ProtocolViolation("frame has no event type")
	}

	if !gjson.ValidBytes(frame.Data) {
		return nil, biz.ProtocolViolation("%s has invalid JSON payload", kind)
	}

	switch kind {
	case wireMessageStart:
		var p messageStartPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, biz.ProtocolViolation("decode message_start: %v", err)
		}
		blocks := make([]types.ContentBlock, 0, len(p.Message.Content))
		for _, b := range p.Message.Content {
			blocks = append(blocks, b.toBlock())
		}
		return &types.StreamEvent{
			Kind:          types.EventMessageStart,
			Role:          p.Message.Role,
			InitialBlocks: blocks,
		}, nil

	case wireContentBlockStart:
		if !gjson.GetBytes(frame.Data, "index").Exists() {
			return nil, biz.ProtocolViolation("content_block_start without index")
		}
		var p blockStartPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, biz.ProtocolViolation("decode content_block_start: %v", err)
		}
		block := p.ContentBlock.toBlock()
		return &types.StreamEvent{Kind: types.EventContentBlockStart, Index: p.Index, Block: &block}, nil

	case wireContentBlockDelta:
		if !gjson.GetBytes(frame.Data, "index").Exists() {
			return nil, biz.ProtocolViolation("content_block_delta without index")
		}
		var p blockDeltaPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, biz.ProtocolViolation("decode content_block_delta: %v", err)
		}
		delta := p.Delta
		return &types.StreamEvent{Kind: types.EventContentBlockDelta, Index: p.Index, Delta: &delta}, nil

	case wireToolResult:
		var p toolResultPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, biz.ProtocolViolation("decode tool_result: %v", err)
		}
		if p.ToolUseID == "" {
			return nil, biz.ProtocolViolation("tool_result without tool_use_id")
		}
		block := types.NewToolResultBlock(p.ToolUseID, p.Items...)
		return &types.StreamEvent{Kind: types.EventToolResult, ToolResult: &block}, nil

	case wireMessageID:
		id := gjson.GetBytes(frame.Data, "id").String()
		if id == "" {
			return nil, biz.ProtocolViolation("message_id without id")
		}
		return &types.StreamEvent{Kind: types.EventMessageID, MessageID: id}, nil

	case wireError:
		errType := gjson.GetBytes(frame.Data, "error.type").String()
		message := gjson.GetBytes(frame.Data, "error.message").String()
		if message == "" {
			message = string(frame.Data)
		}
		return &types.StreamEvent{
			Kind: types.EventError,
			Err:  fmt.Errorf("backend error %s: %s", errType, message),
		}, nil

	default:
		return nil, biz.ProtocolViolation("unknown event type %q", kind)
	}
}
