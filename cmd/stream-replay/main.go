// stream-replay 把录制的 SSE 文件回放给会话控制器，并以 JSON 输出最终的展示轮次。
//
//	stream-replay -file testdata/scenario.sse -conversation conv-1
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/stream"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/transport"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/types"
	"github.com/lk2023060901/enterprise-search-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

var (
	file           = flag.String("file", "", "recorded SSE file (or directory of <conversation>.sse files)")
	conversationID = flag.String("conversation", "replay", "conversation id")
	delay          = flag.Duration("delay", 0, "delay between events")
	timeout        = flag.Duration("timeout", time.Minute, "give up after this long")
	logLevel       = flag.String("log-level", "warn", "log level")
	showMessages   = flag.Bool("messages", false, "print raw messages instead of turns")
)

type output struct {
	ConversationID string           `json:"conversation_id"`
	Status         stream.Status    `json:"status"`
	Error          string           `json:"error,omitempty"`
	Turns          []types.Turn     `json:"turns,omitempty"`
	Messages       []*types.Message `json:"messages,omitempty"`
}

func main() {
	flag.Parse()
	if *file == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := logger.DefaultConfig()
	cfg.Level = *logLevel
	cfg.Format = "console"
	log, err := logger.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	controller := stream.NewController(transport.NewReplaySource(*file, *delay), nil, log.Logger)
	if err := controller.Start(ctx, *conversationID); err != nil {
		log.Fatal("failed to start replay", zap.Error(err))
	}

	status, streamErr := controller.Wait(ctx)
	if ctx.Err() != nil {
		controller.Cancel()
		status = controller.Status()
	}

	out := output{ConversationID: *conversationID, Status: status}
	if streamErr != nil {
		out.Error = streamErr.Error()
	}
	if *showMessages {
		out.Messages = controller.Messages()
	} else {
		out.Turns = controller.Turns()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal("failed to write output", zap.Error(err))
	}
	if status != stream.StatusCompleted {
		os.Exit(1)
	}
}
