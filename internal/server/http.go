package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/enterprise-search-backend/internal/conf"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/service"
	"github.com/lk2023060901/enterprise-search-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

type HTTPServer struct {
	server              *http.Server
	logger              *logger.Logger
	conversationService *service.ConversationService
}

func NewHTTPServer(
	config *conf.Config,
	log *logger.Logger,
	conversationService *service.ConversationService,
) *HTTPServer {
	if config.Server.Mode != "" {
		gin.SetMode(config.Server.Mode)
	}

	router := gin.New()
	router.Use(logger.GinRecovery(log))
	router.Use(logger.GinLogger(log, logger.MiddlewareOptions{SkipPaths: []string{"/health"}}))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// API routes
	api := router.Group("/api/v1")
	conversationService.RegisterRoutes(api)

	return &HTTPServer{
		server: &http.Server{
			Addr:              config.Server.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:              log,
		conversationService: conversationService,
	}
}

// Handler 返回路由，便于测试直接驱动
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Stop 先取消所有活动流，再关闭 HTTP 服务；SSE 长连接随之断开
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	s.conversationService.Shutdown()
	return s.server.Shutdown(ctx)
}
