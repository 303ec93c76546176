package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/lk2023060901/enterprise-search-backend/internal/conf"
	convdata "github.com/lk2023060901/enterprise-search-backend/internal/conversation/data"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/service"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/stream"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/transport"
	"github.com/lk2023060901/enterprise-search-backend/internal/data"
	"github.com/lk2023060901/enterprise-search-backend/internal/pkg/logger"
	"github.com/lk2023060901/enterprise-search-backend/internal/pkg/sse"
	"github.com/lk2023060901/enterprise-search-backend/internal/server"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "config.yaml", "config file path")
)

func main() {
	flag.Parse()

	// Load configuration
	config, err := conf.LoadConfig(*configFile)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize global logger
	log, err := logger.InitGlobal(&config.Log)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	log.Info("config loaded successfully", zap.String("stream_source", config.Stream.Source))

	// Initialize data layer
	d, cleanup, err := data.NewData(config, log.Logger)
	if err != nil {
		log.Fatal("failed to initialize data layer", zap.Error(err))
	}
	defer cleanup()

	source, err := transport.NewSource(config.Stream, log.Named("transport").Logger)
	if err != nil {
		log.Fatal("failed to create event source", zap.Error(err))
	}

	// Initialize repositories
	messageRepo := convdata.NewMessageRepo(d.DB)
	sideTable := convdata.NewSideTable(d.RedisClient, config.SideTable.TTL, log.Logger)
	notifier := convdata.NewTitleNotifier(d.RedisClient, config.Stream.TitleChannel, log.Logger)

	opts := []stream.Option{stream.WithTitleNotifier(notifier)}
	if config.Stream.TokenEncoding != "" {
		counter := convdata.NewTokenCounter(config.Stream.TokenEncoding)
		if err := counter.Warm(); err != nil {
			log.Warn("token counting disabled", zap.Error(err))
		} else {
			opts = append(opts, stream.WithTokenCounter(counter))
		}
	}
	streamLogger := log.Named("stream").Logger
	factory := func(conversationID string) *stream.Controller {
		return stream.NewController(source, messageRepo, streamLogger, opts...)
	}

	// Initialize services
	conversationService := service.NewConversationService(factory, sideTable, sse.NewHub(), log.Logger, service.ServiceOptions{
		Heartbeat:        config.Stream.Heartbeat,
		StatusBuffer:     config.Stream.StatusBuffer,
		IdleTTL:          config.Stream.IdleTTL,
		MaxConversations: config.Stream.MaxConversations,
		SweepInterval:    config.Stream.SweepInterval,
	})

	// 标题更新经 Redis 广播，所有实例都推送给各自的 SSE 订阅者
	listenCtx, stopListen := context.WithCancel(context.Background())
	defer stopListen()
	go func() {
		if err := notifier.Listen(listenCtx, conversationService.NotifyTitleUpdated); err != nil {
			log.Error("title listener stopped", zap.Error(err))
		}
	}()

	go conversationService.RunJanitor(listenCtx)

	// Initialize servers
	httpServer := server.NewHTTPServer(config, log, conversationService)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	log.Info("servers started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down servers...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()

	stopListen()
	if err := httpServer.Stop(ctx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	log.Info("servers exited")
}
