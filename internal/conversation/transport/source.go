package transport

import (
	"fmt"

	"github.com/lk2023060901/enterprise-search-backend/internal/conf"
	"github.com/lk2023060901/enterprise-search-backend/internal/conversation/stream"
	"go.uber.org/zap"
)

// NewSource 按 stream.source 创建事件源
func NewSource(cfg conf.StreamConfig, logger *zap.Logger) (stream.EventSource, error) {
	switch cfg.Source {
	case "http":
		return NewHTTPSource(HTTPSourceConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey}, logger), nil
	case "replay":
		return NewReplaySource(cfg.ReplayPath, cfg.ReplayDelay), nil
	default:
		return nil, fmt.Errorf("unsupported stream source %q", cfg.Source)
	}
}
