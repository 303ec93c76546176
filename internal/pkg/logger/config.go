package logger

import (
	"errors"
	"fmt"
	"strings"
)

// Config defines the logger configuration
type Config struct {
	Level            string     `mapstructure:"level"`  // debug, info, warn, error
	Format           string     `mapstructure:"format"` // json, console
	Output           string     `mapstructure:"output"` // console, file, both
	File             FileConfig `mapstructure:"file"`
	EnableCaller     bool       `mapstructure:"enablecaller"`
	EnableStacktrace bool       `mapstructure:"enablestacktrace"` // stacktrace on error level
}

// FileConfig lumberjack 滚动文件配置
type FileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"maxsize"` // MB
	MaxAge     int    `mapstructure:"maxage"`  // days
	MaxBackups int    `mapstructure:"maxbackups"`
	Compress   bool   `mapstructure:"compress"`
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:            "info",
		Format:           "json",
		Output:           "console",
		EnableCaller:     true,
		EnableStacktrace: true,
		File: FileConfig{
			Filename:   "logs/enterprise-search.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// Validate validates the logger configuration
func (c *Config) Validate() error {
	if !validLevels[strings.ToLower(c.Level)] {
		return fmt.Errorf("invalid log level %q", c.Level)
	}

	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", c.Format)
	}

	switch c.Output {
	case "console":
		return nil
	case "file", "both":
		return c.File.validate()
	default:
		return fmt.Errorf("invalid log output %q, must be 'console', 'file' or 'both'", c.Output)
	}
}

func (f *FileConfig) validate() error {
	switch {
	case f.Filename == "":
		return errors.New("log file filename is required when output is 'file' or 'both'")
	case f.MaxSize <= 0:
		return errors.New("log file maxsize must be greater than 0")
	case f.MaxAge <= 0:
		return errors.New("log file maxage must be greater than 0")
	case f.MaxBackups < 0:
		return errors.New("log file maxbackups must be greater than or equal to 0")
	}
	return nil
}
