package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "sqlite"
sqlite_path = "  /var/lib/sebconn/conn.db  "

[session]
allow_unauthenticated_establish = false

[ping]
strategy = "redis"
redis_addr = "redis:6379"
timeout = "10s"

[events]
strategy = "batch"
batch_size = 50
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/var/lib/sebconn/conn.db", cfg.Database.SQLitePath, "string fields are trimmed")
	assert.False(t, cfg.Session.GetAllowUnauthenticatedEstablish())
	assert.Equal(t, "redis", cfg.Ping.Strategy)
	timeout, err := cfg.Ping.GetTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, timeout)
	assert.Equal(t, 50, cfg.Events.BatchSize)
	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Events.IndicatorWorkers)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "postgres"
unknown_key = "should warn"

[database.write]
hosts = ["db1:5432"]
user = "sebconn"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg), "unknown keys only warn")
	assert.Equal(t, "sebconn", cfg.Database.Write.User)
}

func TestLoadConfigFromFile_DuplicateKeys(t *testing.T) {
	path := writeConfig(t, `
[cache]
max_size = 10
max_size = 20
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, 10, cfg.Cache.MaxSize, "first occurrence wins")
}

func TestLoadConfigFromFile_BadBoolean(t *testing.T) {
	path := writeConfig(t, `
[session]
allow_unauthenticated_establish = f
`)

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestRemoveDuplicateKeys(t *testing.T) {
	cleaned := removeDuplicateKeysFromTOML(`
[database]
debug = true
debug = false

[database.write]
user = "postgres"
user = "admin"
`)
	assert.True(t, strings.Contains(cleaned, "# DUPLICATE IGNORED: debug = false"))
	assert.True(t, strings.Contains(cleaned, "# DUPLICATE IGNORED: user = \"admin\""))
	assert.True(t, strings.Contains(cleaned, "user = \"postgres\""))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: "database.driver"},
		{name: "postgres without hosts", mutate: func(c *Config) { c.Database.Write.Hosts = nil }, wantErr: "database.write.hosts"},
		{name: "bad port", mutate: func(c *Config) { c.Database.Write.Port = "abc" }, wantErr: "port"},
		{name: "integer port", mutate: func(c *Config) { c.Database.Write.Port = int64(6432) }},
		{name: "unknown ping strategy", mutate: func(c *Config) { c.Ping.Strategy = "gossip" }, wantErr: "ping.strategy"},
		{name: "redis without addr", mutate: func(c *Config) { c.Ping.Strategy = "redis"; c.Ping.RedisAddr = "" }, wantErr: "ping.redis_addr"},
		{name: "unknown events strategy", mutate: func(c *Config) { c.Events.Strategy = "kafka" }, wantErr: "events.strategy"},
		{name: "batch without size", mutate: func(c *Config) { c.Events.Strategy = "batch"; c.Events.BatchSize = 0 }, wantErr: "events.batch_size"},
		{name: "admin api without key", mutate: func(c *Config) { c.AdminAPI.Start = true }, wantErr: "admin_api.api_key"},
		{name: "bad duration", mutate: func(c *Config) { c.Ping.Timeout = "soon" }, wantErr: "ping.timeout"},
		{name: "day duration", mutate: func(c *Config) { c.Ping.RedisRecordTTL = "2d" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSessionDefaults(t *testing.T) {
	var s SessionConfig
	assert.True(t, s.GetAllowUnauthenticatedEstablish())
	d, err := s.GetLockTimeout()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, d)
}
