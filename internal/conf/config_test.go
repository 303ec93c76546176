package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "http", cfg.Stream.Source)
	assert.Equal(t, "cl100k_base", cfg.Stream.TokenEncoding)
	assert.Equal(t, 30*time.Minute, cfg.Stream.IdleTTL)
	assert.Equal(t, 1000, cfg.Stream.MaxConversations)
	assert.Equal(t, time.Minute, cfg.Stream.SweepInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.SideTable.TTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
database:
  host: db
  dbname: search
stream:
  source: replay
  replay_path: ./testdata
  replay_delay: 20ms
sidetable:
  ttl: 1h
log:
  level: debug
  format: console
`), 0o644))

	t.Setenv("ESB_DATABASE_PASSWORD", "secret")
	t.Setenv("ESB_SERVER_PORT", "9191")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "replay", cfg.Stream.Source)
	assert.Equal(t, 20*time.Millisecond, cfg.Stream.ReplayDelay)
	assert.Equal(t, time.Hour, cfg.SideTable.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "host=db port=5432 user=postgres password=secret dbname=search sslmode=disable", cfg.Database.DSN())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown source", func(c *Config) { c.Stream.Source = "kafka" }},
		{"http without url", func(c *Config) { c.Stream.BaseURL = "" }},
		{"replay without path", func(c *Config) { c.Stream.Source = "replay"; c.Stream.ReplayPath = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
