package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/biz"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/stream"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
)

// ReplaySource 回放录制好的 SSE 文件
//
// path 为文件时每次 Open 都回放该文件；为目录时回放 <dir>/<conversation_id>.sse。
type ReplaySource struct {
	path  string
	delay time.Duration
}

// NewReplaySource 创建回放事件源，delay 为相邻事件之间的间隔
func NewReplaySource(path string, delay time.Duration) *ReplaySource {
	return &ReplaySource{path: path, delay: delay}
}

// Open 实现 stream.EventSource
func (s *ReplaySource) Open(ctx context.Context, req stream.StreamRequest) (stream.EventStream, error) {
	path := s.path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, req.ConversationID+".sse")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, biz.TransportFailure(err, fmt.Sprintf("open replay file %s", path))
	}
	return &replayStream{ReaderStream: NewReaderStream(f), ctx: ctx, delay: s.delay}, nil
}

type replayStream struct {
	*ReaderStream
	ctx   context.Context
	delay time.Duration
}

func (r *replayStream) Recv() (*types.StreamEvent, error) {
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		case <-timer.C:
		}
	}
	return r.ReaderStream.Recv()
}
