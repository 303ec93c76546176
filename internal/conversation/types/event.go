package types

// EventKind 流事件类型
type EventKind string

const (
	EventMessageStart      EventKind = "message_start"
	EventContentBlockStart EventKind = "content_block_start"
	EventContentBlockDelta EventKind = "content_block_delta"
	EventToolResult        EventKind = "tool_result"
	EventMessageID         EventKind = "message_id"
	EventTitleUpdated      EventKind = "title_updated"
	EventEndOfStream       EventKind = "end_of_stream"
	EventError             EventKind = "error"

	// EventIgnored 心跳、content_block_stop 等无需处理的事件
	EventIgnored EventKind = "ignored"
)

// DeltaType 增量类型
type DeltaType string

const (
	DeltaText      DeltaType = "text_delta"
	DeltaCitations DeltaType = "citations_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
)

// Delta content_block_delta 的增量内容
type Delta struct {
	Type        DeltaType `json:"type"`
	Text        string    `json:"text,omitempty"`
	Citation    *Citation `json:"citation,omitempty"`
	PartialJSON string    `json:"partial_json,omitempty"`
}

// StreamEvent is one classified generation-stream event.
// Which fields are set depends on Kind.
type StreamEvent struct {
	Kind EventKind `json:"kind"`

	// message_start
	Role          Role           `json:"role,omitempty"`
	InitialBlocks []ContentBlock `json:"initial_blocks,omitempty"`

	// content_block_start / content_block_delta
	Index int           `json:"index"`
	Block *ContentBlock `json:"block,omitempty"`
	Delta *Delta        `json:"delta,omitempty"`

	// tool_result
	ToolResult *ContentBlock `json:"tool_result,omitempty"`

	// message_id
	MessageID string `json:"message_id,omitempty"`

	// error
	Err error `json:"-"`
}

// IsBlockLevel 是否为块级内容事件（用于判断空流）
func (e *StreamEvent) IsBlockLevel() bool {
	switch e.Kind {
	case EventContentBlockStart, EventContentBlockDelta, EventToolResult:
		return true
	default:
		return false
	}
}
