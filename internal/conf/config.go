package conf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lk2023060901/enterprise-search-backend/internal/pkg/logger"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 ESB_SERVER_PORT
const EnvPrefix = "ESB"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       logger.Config   `mapstructure:"log"`
	Stream    StreamConfig    `mapstructure:"stream"`
	SideTable SideTableConfig `mapstructure:"sidetable"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug | release | test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StreamConfig 生成流来源与会话控制器配置
type StreamConfig struct {
	Source           string        `mapstructure:"source"` // http | replay
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	ReplayPath       string        `mapstructure:"replay_path"`
	ReplayDelay      time.Duration `mapstructure:"replay_delay"`
	TokenEncoding    string        `mapstructure:"token_encoding"` // 为空时不统计 token
	TitleChannel     string        `mapstructure:"title_channel"`
	StatusBuffer     int           `mapstructure:"status_buffer"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	IdleTTL          time.Duration `mapstructure:"idle_ttl"` // 无活动流的控制器保留时长
	MaxConversations int           `mapstructure:"max_conversations"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

type SideTableConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// setDefaults 注册默认值；环境变量只能覆盖已知的 key
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "enterprise_search")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	def := logger.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.format", def.Format)
	v.SetDefault("log.output", def.Output)
	v.SetDefault("log.enablecaller", def.EnableCaller)
	v.SetDefault("log.enablestacktrace", def.EnableStacktrace)
	v.SetDefault("log.file.filename", def.File.Filename)
	v.SetDefault("log.file.maxsize", def.File.MaxSize)
	v.SetDefault("log.file.maxage", def.File.MaxAge)
	v.SetDefault("log.file.maxbackups", def.File.MaxBackups)
	v.SetDefault("log.file.compress", def.File.Compress)

	v.SetDefault("stream.source", "http")
	v.SetDefault("stream.base_url", "http://localhost:9000/v1")
	v.SetDefault("stream.api_key", "")
	v.SetDefault("stream.replay_path", "")
	v.SetDefault("stream.replay_delay", time.Duration(0))
	v.SetDefault("stream.token_encoding", "cl100k_base")
	v.SetDefault("stream.title_channel", "conversations:title_updated")
	v.SetDefault("stream.status_buffer", 16)
	v.SetDefault("stream.heartbeat", 15*time.Second)
	v.SetDefault("stream.idle_ttl", 30*time.Minute)
	v.SetDefault("stream.max_conversations", 1000)
	v.SetDefault("stream.sweep_interval", time.Minute)

	v.SetDefault("sidetable.ttl", 30*24*time.Hour)
}

// LoadConfig 读取配置文件并应用 ESB_ 环境变量覆盖；path 为空时只使用默认值和环境变量
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Stream.Source {
	case "http":
		if c.Stream.BaseURL == "" {
			return errors.New("stream.base_url is required when stream.source is 'http'")
		}
	case "replay":
		if c.Stream.ReplayPath == "" {
			return errors.New("stream.replay_path is required when stream.source is 'replay'")
		}
	default:
		return fmt.Errorf("invalid stream.source %q, must be 'http' or 'replay'", c.Stream.Source)
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return nil
}

// Addr 监听地址
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Addr Redis 地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
